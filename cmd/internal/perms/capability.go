package perms

import (
	"sort"
	"strings"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
)

// Capability names one class of ship operation a requester may invoke.
// Canonical forms are a bare kind ("poke") covering every target of that kind,
// or "kind:target" ("poke:graph-store", "thread:graph-create").
type Capability string

// Capability kinds.
const (
	KindPoke      = "poke"
	KindScry      = "scry"
	KindSubscribe = "subscribe"
	KindThread    = "thread"
	KindShipName  = "shipName"
	KindShipURL   = "shipURL"
	KindAuth      = "auth"
)

var targeted = map[string]bool{
	KindPoke:      true,
	KindScry:      true,
	KindSubscribe: true,
	KindThread:    true,
}

var bare = map[string]bool{
	KindShipName: true,
	KindShipURL:  true,
	KindAuth:     true,
}

// ParseCapability validates s and returns it in canonical form.
func ParseCapability(s string) (Capability, error) {
	const op = "perms.ParseCapability"

	s = strings.TrimSpace(s)
	kind, target, hasTarget := strings.Cut(s, ":")
	switch {
	case bare[kind] && !hasTarget:
		return Capability(kind), nil
	case targeted[kind] && !hasTarget:
		return Capability(kind), nil
	case targeted[kind] && validTarget(target):
		return Capability(kind + ":" + target), nil
	}
	return "", fault.Ef(op, fault.ErrInvalidInput, "unknown capability %q", s)
}

// ParseCapabilities parses every entry of ss and returns the sorted, deduplicated set.
func ParseCapabilities(ss []string) ([]Capability, error) {
	out := make([]Capability, 0, len(ss))
	for _, s := range ss {
		c, err := ParseCapability(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return normalize(out), nil
}

// Of builds the capability for kind on target; an empty target yields the bare kind.
func Of(kind, target string) Capability {
	if target == "" {
		return Capability(kind)
	}
	return Capability(kind + ":" + target)
}

// Kind returns the operation kind.
func (c Capability) Kind() string {
	k, _, _ := strings.Cut(string(c), ":")
	return k
}

// Target returns the app or thread name, empty for bare capabilities.
func (c Capability) Target() string {
	_, t, _ := strings.Cut(string(c), ":")
	return t
}

// Covers reports whether holding c allows want.
func (c Capability) Covers(want Capability) bool {
	if c == want {
		return true
	}
	return c.Target() == "" && c.Kind() == want.Kind()
}

func validTarget(t string) bool {
	if t == "" || len(t) > 128 {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '/':
		default:
			return false
		}
	}
	return true
}

func normalize(cs []Capability) []Capability {
	seen := make(map[Capability]struct{}, len(cs))
	out := make([]Capability, 0, len(cs))
	for _, c := range cs {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func coveredBy(held []Capability, want Capability) bool {
	for _, h := range held {
		if h.Covers(want) {
			return true
		}
	}
	return false
}
