package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"go.uber.org/zap"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/config"
	"github.com/daviddao/semtoken/pkg/logging"
	"github.com/daviddao/semtoken/pkg/metrics"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/sim"
)

func (a *app) cmdRun(args []string) int {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	name := flags.String("name", "run", "label stored with the run")
	duration := flags.Int64("duration", a.cfg.Simulation.DurationMS, "simulated milliseconds")
	seed := flags.Int64("seed", a.cfg.Simulation.Seed, "random seed")
	showMetrics := flags.Bool("metrics", false, "print protocol metrics")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := *a.cfg
	cfg.Simulation.DurationMS = *duration
	cfg.Simulation.Seed = *seed

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: run: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	run, r, err := a.simulate(ctx, &cfg, *name, log, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: run: %v\n", err)
		return 1
	}
	samples, err := m.Gather()
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: run: %v\n", err)
	}

	if *jsonOut {
		out := map[string]interface{}{"run": run, "report": r}
		if *showMetrics {
			out["metrics"] = samples
		}
		printJSON(out)
	} else {
		printReport(os.Stdout, run, r)
		if *showMetrics {
			printMetrics(os.Stdout, samples)
		}
	}
	if !allConverged(r) {
		return 2
	}
	return 0
}

// simulate records a new run of cfg in the store and drives it to the
// configured duration.
func (a *app) simulate(ctx context.Context, cfg *config.Config, name string, log *zap.Logger, m *metrics.Metrics) (*model.Run, *sim.Report, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("encode config: %w", err)
	}
	run, err := a.store.CreateRun(name, cfg.Simulation.Seed, string(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}

	s, err := sim.New(cfg, sim.WithLogger(log), sim.WithMetrics(m), sim.WithStore(a.store, run.ID))
	if err != nil {
		return nil, nil, err
	}
	r, err := s.Run(ctx, clock.Time(cfg.Simulation.DurationMS))
	if err != nil {
		return nil, nil, fmt.Errorf("run %d: %w", run.ID, err)
	}
	if err := a.store.FinishRun(run.ID, int64(r.Now)); err != nil {
		return nil, nil, fmt.Errorf("finish run %d: %w", run.ID, err)
	}
	if run, err = a.store.GetRun(run.ID); err != nil {
		return nil, nil, err
	}
	return run, r, nil
}

func allConverged(r *sim.Report) bool {
	for _, e := range r.Entities {
		if !e.Converged {
			return false
		}
	}
	return true
}

func printReport(w io.Writer, run *model.Run, r *sim.Report) {
	fmt.Fprintf(w, "run %d %q seed=%d: %dms simulated in %d steps\n",
		run.ID, run.Name, run.Seed, r.Now, r.Steps)

	fmt.Fprintln(w, "entities:")
	for _, e := range r.Entities {
		fmt.Fprintf(w, "  %-8s %s waves=%d completed=%d\n",
			e.Entity, entitySummary(e), e.Waves, e.Completed)
	}

	fmt.Fprintln(w, "nodes:")
	for _, n := range r.Nodes {
		fmt.Fprintf(w, "  %-5d entities=%d awake=%dms duty=%.1f%%\n",
			n.Node, n.Entities, n.AwakeMillis, 100*n.DutyCycle)
	}

	fmt.Fprintf(w, "messages: sent=%d delivered=%d dropped=%d\n",
		r.Messages.Sent, r.Messages.Delivered, r.Messages.Dropped)
	if len(r.Events) > 0 {
		fmt.Fprint(w, "events:")
		for _, k := range slices.Sorted(maps.Keys(r.Events)) {
			fmt.Fprintf(w, " %s=%d", k, r.Events[k])
		}
		fmt.Fprintln(w)
	}
}

// entitySummary describes an entity's convergence in one phrase.
func entitySummary(e sim.EntityReport) string {
	if !e.Converged {
		return fmt.Sprintf("NOT converged roots=%v", e.Roots)
	}
	return fmt.Sprintf("converged root=%d at=%dms", e.ExpectedRoot, e.ConvergedAt)
}

func printMetrics(w io.Writer, samples []metrics.Sample) {
	fmt.Fprintln(w, "metrics:")
	for _, s := range samples {
		if s.Labels != "" {
			fmt.Fprintf(w, "  %s{%s} %g\n", s.Name, s.Labels, s.Value)
		} else {
			fmt.Fprintf(w, "  %s %g\n", s.Name, s.Value)
		}
	}
}
