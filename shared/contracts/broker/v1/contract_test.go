package v1

import (
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"hello", New(TypeHello, "", []byte(`{}`), now), true},
		{"request with id", New(TypeRequest, "r1", []byte(`{"action":"get_ships"}`), now), true},
		{"request without id", New(TypeRequest, "", nil, now), false},
		{"missing version", Envelope{Type: TypeHello}, false},
		{"wrong version", Envelope{V: "v2", Type: TypeHello}, false},
		{"missing type", Envelope{V: Version}, false},
		{"unknown type", Envelope{V: Version, Type: "message_send"}, false},
	}
	for _, tc := range cases {
		err := tc.env.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v ok=%v", tc.name, err, tc.ok)
		}
	}
}
