package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/semtoken/pkg/model"
)

func (a *app) cmdRuns(args []string) int {
	flags := flag.NewFlagSet("runs", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	runs, err := a.store.ListRuns()
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: runs: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"runs": runs, "count": len(runs)})
		return 0
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return 0
	}
	for _, r := range runs {
		fmt.Printf("  %-5d %-20s seed=%-6d sim=%-8d %s %s\n",
			r.ID, r.Name, r.Seed, r.SimMillis, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), runState(r))
	}
	return 0
}

func runState(r model.Run) string {
	if r.Finished() {
		return "finished"
	}
	return "incomplete"
}
