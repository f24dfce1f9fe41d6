package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/semtoken/pkg/model"
)

func (a *app) cmdLog(args []string) int {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	runID := flags.Int64("run", 0, "run ID (default: latest)")
	since := flags.Int64("since", 0, "fetch events with id > this")
	limit := flags.Int("limit", 50, "max events to return")
	kind := flags.String("kind", "", "filter by event kind")
	node := flags.Int("node", -1, "filter by node")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	run, err := a.resolveRun(*runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: log: %v\n", err)
		return 1
	}
	events, err := a.store.ListEvents(run.ID, *since, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: log: %v\n", err)
		return 1
	}
	events = filterEvents(events, model.EventKind(*kind), *node)

	if *jsonOut {
		printJSON(map[string]interface{}{"run": run.ID, "events": events, "count": len(events)})
		return 0
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return 0
	}
	for _, e := range events {
		fmt.Println(formatEvent(e))
	}
	return 0
}

// filterEvents keeps events of the given kind and node. An empty kind or a
// negative node matches everything.
func filterEvents(events []model.Event, kind model.EventKind, node int) []model.Event {
	filtered := events[:0]
	for _, e := range events {
		if kind != "" && e.Kind != kind {
			continue
		}
		if node >= 0 && int(e.Node) != node {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func formatEvent(e model.Event) string {
	head := fmt.Sprintf("#%d [t=%d] node %d %s", e.ID, e.At, e.Node, e.Entity)
	switch e.Kind {
	case model.EventTokenForward:
		return fmt.Sprintf("%s token %d -> %d", head, e.Count, e.Peer)
	case model.EventTokenRecv:
		return fmt.Sprintf("%s token %d <- %d (%s)", head, e.Count, e.Peer, e.Detail)
	case model.EventWaveStart:
		return fmt.Sprintf("%s wave %d", head, e.Count)
	case model.EventTreeChange:
		return fmt.Sprintf("%s parent %d, %s", head, e.Peer, e.Detail)
	case model.EventWakeBegin, model.EventWakeEnd:
		return fmt.Sprintf("%s %s %s for %d", head, e.Kind, e.Detail, e.Peer)
	case model.EventLinkDown:
		return fmt.Sprintf("%s link to %d down", head, e.Peer)
	default:
		s := fmt.Sprintf("%s %s", head, e.Kind)
		if e.Peer != model.NullNodeID {
			s += fmt.Sprintf(" peer=%d", e.Peer)
		}
		if e.Detail != "" {
			s += ": " + e.Detail
		}
		return s
	}
}
