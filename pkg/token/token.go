// Package token decides whether one token count is newer than another.
//
// Token counts are 8-bit and wrap. Two policies are available:
//
//	Linear: a is newer than b iff a > b as plain unsigned integers. After
//	        the root wraps from 255 to 0 its followers see an "older" count
//	        and stay inactive until they wrap too.
//	Serial: RFC 1982 serial number arithmetic. a is newer than b iff the
//	        forward distance from b to a is in [1, 127]. Survives wrap as
//	        long as no node falls more than 127 waves behind.
package token

import "fmt"

// Policy selects the newer-than comparison.
type Policy int

const (
	Linear Policy = iota
	Serial
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "linear":
		return Linear, nil
	case "serial":
		return Serial, nil
	default:
		return Linear, fmt.Errorf("unknown count policy %q (want linear or serial)", s)
	}
}

func (p Policy) String() string {
	switch p {
	case Linear:
		return "linear"
	case Serial:
		return "serial"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Newer reports whether count a is newer than count b.
func (p Policy) Newer(a, b uint8) bool {
	if p == Serial {
		d := a - b
		return d != 0 && d < 128
	}
	return a > b
}
