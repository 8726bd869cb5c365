package vault

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
)

// ShipRecord is the persisted form of a ship: its name in clear, login material sealed.
type ShipRecord struct {
	Name          string `cbor:"name" json:"ship"`
	EncryptedURL  string `cbor:"url" json:"encrypted_url"`
	EncryptedCode string `cbor:"code" json:"encrypted_code"`
	AddedAtMS     int64  `cbor:"added_at" json:"added_at_ms"`
}

// DecryptedShip is transient login material handed to the connection manager.
// It is never persisted and must not outlive the operation that asked for it.
type DecryptedShip struct {
	Name string
	URL  string
	Code string
}

// String keeps login material out of logs and %v formatting.
func (d DecryptedShip) String() string { return "DecryptedShip{" + d.Name + "}" }

// Patp spellings: ~zod, ~marzod, ~sampel-palnet, comets with "--".
var shipNameRE = regexp.MustCompile(`^~[a-z]{3,6}(-{1,2}[a-z]{6})*$`)

// NormalizeShipName lowercases name, adds the leading sig when missing and
// validates the @p shape.
func NormalizeShipName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n != "" && !strings.HasPrefix(n, "~") {
		n = "~" + n
	}
	if !shipNameRE.MatchString(n) {
		return "", fault.E("vault.NormalizeShipName", fault.ErrInvalidInput, "invalid ship name")
	}
	return n, nil
}

// NormalizeShipURL validates an http(s) ship URL and strips trailing slashes.
func NormalizeShipURL(raw string) (string, error) {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fault.E("vault.NormalizeShipURL", fault.ErrInvalidInput, "invalid ship url")
	}
	return s, nil
}

func shipKey(name string) string { return shipPrefix + name }
