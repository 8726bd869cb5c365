// Package v1 defines the Visor Broker Protocol v1 contract spoken between
// consumer contexts (web pages, extensions, the broker's own UI) and the broker.
//
// This package is dependency-light so clients can import it without pulling
// in the broker.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "visor.broker.v1"

// Type constants (wire-stable).
const (
	// TypeHello identifies the consumer context (client -> broker).
	TypeHello = "hello"
	// TypeHelloAck returns the broker-assigned consumer id (broker -> client).
	TypeHelloAck = "hello_ack"

	// TypeRequest carries one action (client -> broker). Envelope ID is the request id.
	TypeRequest = "request"
	// TypeResponse answers exactly one request (broker -> client).
	TypeResponse = "response"

	// TypeEvent delivers one subscription diff (broker -> subscriber).
	TypeEvent = "event"
	// TypeSubscriptionQuit reports that the ship ended a subscription (broker -> subscriber).
	TypeSubscriptionQuit = "subscription_quit"
	// TypeShipDisconnected reports a subscription invalidated by a ship disconnect.
	TypeShipDisconnected = "ship_disconnected"

	// TypeState broadcasts broker state to privileged contexts.
	TypeState = "state"
	// TypePermsPrompt asks privileged contexts to approve a permission request.
	TypePermsPrompt = "perms_prompt"
	// TypePermsResolved tells the requester how its permission request ended.
	TypePermsResolved = "perms_resolved"

	// TypeError is a generic error envelope (broker -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRequest:
		if strings.TrimSpace(e.ID) == "" {
			return errors.New("missing field: id")
		}
		return nil
	case TypeHello,
		TypeHelloAck,
		TypeResponse,
		TypeEvent,
		TypeSubscriptionQuit,
		TypeShipDisconnected,
		TypeState,
		TypePermsPrompt,
		TypePermsResolved,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope around an already-encoded payload.
func New(typ, id string, payload json.RawMessage, ts time.Time) Envelope {
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: payload}
}
