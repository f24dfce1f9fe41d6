package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daviddao/semtoken/pkg/config"
	"github.com/daviddao/semtoken/pkg/logging"
	"github.com/daviddao/semtoken/pkg/metrics"
)

// cmdWatch runs the simulation once, then again after every change to the
// configuration file. The database stays the one opened at start.
func (a *app) cmdWatch(args []string) int {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	name := flags.String("name", "watch", "label stored with each run")
	listen := flags.String("listen", "", "serve prometheus metrics on this address")
	jsonOut := flags.Bool("json", false, "JSON output (one JSON object per run)")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	loader := config.NewLoader(a.configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: watch: %v\n", err)
		return 1
	}
	changes := make(chan *config.Config, 1)
	loader.OnChange(func(c *config.Config) { offerLatest(changes, c) })
	if err := loader.Watch(); err != nil {
		fmt.Fprintf(os.Stderr, "st: watch: %v\n", err)
		return 1
	}
	defer loader.Close()

	// Counters accumulate over all runs of this watch.
	m := metrics.New()
	if *listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "st: watch: metrics: %v\n", err)
			}
		}()
		defer srv.Close()
		fmt.Fprintf(os.Stderr, "serving metrics on http://%s/metrics\n", *listen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runOnce := func(c *config.Config) {
		log, err := logging.New(c.Logging)
		if err != nil {
			fmt.Fprintf(os.Stderr, "st: watch: %v\n", err)
			return
		}
		defer log.Sync() //nolint:errcheck

		run, r, err := a.simulate(ctx, c, *name, log, m)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "st: watch: %v\n", err)
			}
			return
		}
		if *jsonOut {
			b, _ := json.Marshal(map[string]interface{}{"run": run, "report": r})
			fmt.Println(string(b))
		} else {
			printReport(os.Stdout, run, r)
		}
	}

	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", a.configPath)
	runOnce(cfg)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nstopped")
			return 0
		case c := <-changes:
			fmt.Fprintf(os.Stderr, "%s changed, re-running\n", a.configPath)
			runOnce(c)
		case err := <-loader.Errors():
			fmt.Fprintf(os.Stderr, "st: watch: %v\n", err)
		}
	}
}

// offerLatest puts c into a one-slot channel, replacing whatever is
// waiting there.
func offerLatest[T any](ch chan T, c T) {
	for {
		select {
		case ch <- c:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
