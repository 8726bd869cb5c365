// Package consumer tracks the consumer contexts (web pages, extensions, the
// broker's own UI) attached to the broker and delivers envelopes to them.
package consumer

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/ids"
)

const maxNameLen = 64

// Kind classifies a consumer context.
type Kind string

const (
	KindTab       Kind = v1.KindTab
	KindExtension Kind = v1.KindExtension
	KindUI        Kind = v1.KindUI
)

// Context is one attached consumer.
type Context struct {
	ID     string
	Kind   Kind
	Origin string
	// Name is the self-reported display name of an extension.
	Name string
	// Requester is the key permissions are granted to.
	Requester string
	// Privileged contexts may manage the vault, ships and grants.
	Privileged bool
}

// Policy decides which origins may attach as which kind.
type Policy struct {
	OwnExtensionID string
	UIOrigins      []string
}

// Identify classifies a consumer from its HTTP Origin and its hello.
func (p Policy) Identify(origin, kind, name string) (Context, error) {
	const op = "consumer.Identify"

	o, err := NormalizeOrigin(origin)
	if err != nil {
		return Context{}, err
	}
	u, _ := url.Parse(o)

	c := Context{Kind: Kind(kind), Origin: o, Requester: o}
	switch c.Kind {
	case KindTab:
		if u.Scheme != "http" && u.Scheme != "https" {
			return Context{}, fault.E(op, fault.ErrInvalidInput, "tab origin must be http(s)")
		}
	case KindExtension:
		if !isExtensionScheme(u.Scheme) {
			return Context{}, fault.E(op, fault.ErrInvalidInput, "extension origin must be an extension scheme")
		}
		c.Name = strings.TrimSpace(name)
		c.Name = truncName(c.Name)
		c.Privileged = p.OwnExtensionID != "" && u.Host == p.OwnExtensionID
	case KindUI:
		if !p.isUIOrigin(o, u) {
			return Context{}, fault.E(op, fault.ErrPermissionDenied, "origin may not attach as ui")
		}
		c.Privileged = true
	default:
		return Context{}, fault.Ef(op, fault.ErrInvalidInput, "unknown consumer kind %q", kind)
	}

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return Context{}, err
	}
	c.ID = id
	return c, nil
}

func (p Policy) isUIOrigin(o string, u *url.URL) bool {
	if p.OwnExtensionID != "" && isExtensionScheme(u.Scheme) && u.Host == p.OwnExtensionID {
		return true
	}
	for _, a := range p.UIOrigins {
		if n, err := NormalizeOrigin(a); err == nil && n == o {
			return true
		}
	}
	return false
}

// NormalizeOrigin reduces an origin to lowercase scheme://host[:port].
func NormalizeOrigin(origin string) (string, error) {
	const op = "consumer.NormalizeOrigin"

	s := strings.TrimSpace(origin)
	if s == "" {
		return "", fault.E(op, fault.ErrInvalidInput, "missing origin")
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fault.E(op, fault.ErrInvalidInput, "malformed origin")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

func isExtensionScheme(s string) bool {
	return s == "chrome-extension" || s == "moz-extension"
}

// truncName cuts s to at most maxNameLen bytes without splitting a rune.
// Invalid sequences are replaced first so the result is always valid UTF-8.
func truncName(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= maxNameLen {
		return s
	}
	n := maxNameLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
