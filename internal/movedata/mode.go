package movedata

import (
	"fmt"
	"strings"
)

// Mode is the per-frame policy for moving a representation's geometry.
// The numeric values travel in frame messages and must not change.
type Mode uint8

const (
	// PassThrough keeps data where it is, or moves it to the render tier.
	PassThrough Mode = iota
	// Collect gathers every rank's piece on the data-server root and ships it to the client.
	Collect
	// Clone gives every rank, and the client, the union of all pieces.
	Clone
	// CollectAndPassThrough is reserved and delivered as Collect.
	CollectAndPassThrough
)

var modeNames = [...]string{
	PassThrough:           "pass-through",
	Collect:               "collect",
	Clone:                 "clone",
	CollectAndPassThrough: "collect-and-pass-through",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return int(m) < len(modeNames)
}

// effective maps reserved modes onto the mode that implements them.
func (m Mode) effective() Mode {
	if m == CollectAndPassThrough {
		return Collect
	}
	return m
}

func ParseMode(s string) (Mode, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for m, name := range modeNames {
		if norm == name || norm == strings.ReplaceAll(name, "-", "") {
			return Mode(m), nil
		}
	}
	return 0, fmt.Errorf("unknown move mode %q", s)
}

// CacheKey scopes a caller's cache key to the mode that produced the result.
// Reserved modes share the key of the mode that implements them.
func CacheKey(key string, mode Mode) string {
	if key == "" {
		return ""
	}
	return key + "@" + mode.effective().String()
}
