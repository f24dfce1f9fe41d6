package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daviddao/semtoken/pkg/config"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/store"
)

const defaultConfig = "semtoken.toml"

// app holds shared state for the subcommands that touch the database.
type app struct {
	configPath string
	cfg        *config.Config
	store      store.StoreInterface
}

// newApp loads the configuration and opens the database it names.
// Creates the database directory if needed.
func newApp() (*app, error) {
	path := envOr("SEMTOKEN_CONFIG", defaultConfig)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	dbPath := cfg.Store.Path
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", dbPath, err)
	}
	return &app{configPath: path, cfg: cfg, store: s}, nil
}

// Close releases the database connection.
func (a *app) Close() { a.store.Close() }

// resolveRun returns the run with the given ID, or the latest run for 0.
func (a *app) resolveRun(id int64) (*model.Run, error) {
	var (
		r   *model.Run
		err error
	)
	if id > 0 {
		r, err = a.store.GetRun(id)
	} else {
		r, err = a.store.LatestRun()
	}
	if errors.Is(err, sql.ErrNoRows) {
		if id > 0 {
			return nil, fmt.Errorf("no run %d", id)
		}
		return nil, errors.New("no runs recorded yet: try 'st run'")
	}
	return r, err
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
