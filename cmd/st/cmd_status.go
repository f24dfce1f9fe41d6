package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/semtoken/pkg/convergence"
	"github.com/daviddao/semtoken/pkg/model"
)

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	runID := flags.Int64("run", 0, "run ID (default: latest)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	run, err := a.resolveRun(*runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: status: %v\n", err)
		return 1
	}
	snaps, err := a.store.LatestSnapshots(run.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: status: %v\n", err)
		return 1
	}
	statuses := convergence.CheckAll(nodeStates(snaps))

	if *jsonOut {
		printJSON(map[string]interface{}{
			"run":         run,
			"snapshots":   snaps,
			"convergence": statuses,
		})
	} else {
		fmt.Printf("run %d %q seed=%d sim=%dms %s\n", run.ID, run.Name, run.Seed, run.SimMillis, runState(*run))
		if len(snaps) == 0 {
			fmt.Println("no snapshots")
		}
		for _, st := range statuses {
			if st.Converged {
				fmt.Printf("entity %s: converged, root %d\n", st.Entity, st.ExpectedRoot)
			} else {
				fmt.Printf("entity %s: NOT converged, roots %v\n", st.Entity, st.Roots)
			}
			for _, s := range snaps {
				if s.State.ID != st.Entity {
					continue
				}
				fmt.Printf("  %s\n", formatSnapshot(s))
			}
		}
	}

	for _, st := range statuses {
		if !st.Converged {
			return 2
		}
	}
	return 0
}

func nodeStates(snaps []model.Snapshot) []model.NodeState {
	out := make([]model.NodeState, len(snaps))
	for i, s := range snaps {
		out[i] = s.NodeState()
	}
	return out
}

// formatSnapshot renders one node's view of an entity.
func formatSnapshot(s model.Snapshot) string {
	t := s.State.Tree
	role := "member"
	if t.Root == s.Node {
		role = "root"
	}
	return fmt.Sprintf("node %-5d %-6s parent=%-5d root=%-5d distance=%-3d count=%-3d at=%dms",
		s.Node, role, t.Parent, t.Root, t.Distance, s.State.Token.Count, s.At)
}
