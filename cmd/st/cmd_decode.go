package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/daviddao/semtoken/pkg/wire"
)

// decoded is the result of decoding one payload.
type decoded struct {
	Kind  string      `json:"kind"`
	Value interface{} `json:"value"`
}

func cmdDecode(args []string) int {
	flags := flag.NewFlagSet("decode", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "st: decode: usage: st decode <hex>")
		return 1
	}

	b, err := parseHex(strings.Join(flags.Args(), ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: decode: %v\n", err)
		return 1
	}
	d, err := decodePayload(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "st: decode: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(d)
		return 0
	}
	switch v := d.Value.(type) {
	case wire.ForwardMessage:
		fmt.Printf("forward message from %d entity %s count %d\n", v.From, v.Entity, v.Token.Count)
	default:
		fmt.Printf("%s %+v\n", d.Kind, v)
	}
	return 0
}

// parseHex accepts hex with an optional 0x prefix and any spaces or colons
// between bytes.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad hex: %w", err)
	}
	return b, nil
}

// decodePayload tells the layouts apart by length.
func decodePayload(b []byte) (decoded, error) {
	switch len(b) {
	case wire.ForwardMessageSize:
		var m wire.ForwardMessage
		if err := m.UnmarshalBinary(b); err != nil {
			return decoded{}, err
		}
		return decoded{Kind: "forward", Value: m}, nil
	case wire.GossipMessageSize:
		st, err := wire.DecodeGossip(b)
		if err != nil {
			return decoded{}, err
		}
		return decoded{Kind: "gossip", Value: st}, nil
	case wire.EntityStateSize:
		st, err := wire.DecodeEntityState(b)
		if err != nil {
			return decoded{}, err
		}
		return decoded{Kind: "entity_state", Value: st}, nil
	default:
		return decoded{}, fmt.Errorf("%d bytes: want %d (forward message), %d (gossip message) or %d (entity state)",
			len(b), wire.ForwardMessageSize, wire.GossipMessageSize, wire.EntityStateSize)
	}
}
