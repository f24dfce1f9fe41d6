package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/semtoken/pkg/config"
)

func cmdInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	path := flags.String("config", envOr("SEMTOKEN_CONFIG", defaultConfig), "file to write (.toml, .yaml or .yml)")
	force := flags.Bool("force", false, "overwrite an existing file")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "st: init: %s already exists (use --force to overwrite)\n", *path)
		return 1
	}

	cfg := config.DefaultConfig()
	if err := config.Save(cfg, *path); err != nil {
		fmt.Fprintf(os.Stderr, "st: init: %v\n", err)
		return 1
	}

	fmt.Printf("wrote %s\n", *path)
	fmt.Printf("  %d nodes, %d links, %d entities\n", len(cfg.Nodes()), len(cfg.Links), len(cfg.Entities))
	fmt.Println()
	fmt.Println("next steps:")
	if *path != defaultConfig {
		fmt.Printf("  export SEMTOKEN_CONFIG=%s\n", *path)
	}
	fmt.Println("  st run         # simulate and record a run")
	fmt.Println("  st status      # trees at the end of the run")
	return 0
}
