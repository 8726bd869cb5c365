package v1

import "encoding/json"

// Consumer kinds.
const (
	KindTab       = "tab"
	KindExtension = "extension"
	KindUI        = "ui"
)

// HelloPayload identifies the consumer context.
type HelloPayload struct {
	Kind string `json:"kind"`
	// Name is the display name an extension asks to be shown under.
	Name string `json:"name,omitempty"`
}

// HelloAckPayload carries the ids the broker assigned.
type HelloAckPayload struct {
	ConsumerID string `json:"consumer_id"`
	Requester  string `json:"requester"`
	Privileged bool   `json:"privileged"`
}

// RequestPayload is one tagged action.
type RequestPayload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ResponsePayload answers a request. Exactly one of Data and Error is set.
type ResponsePayload struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
}

// EventPayload is one subscription diff.
type EventPayload struct {
	SubscriptionID string          `json:"subscription_id"`
	Ship           string          `json:"ship"`
	App            string          `json:"app,omitempty"`
	Path           string          `json:"path,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// SubscriptionEndPayload ends a subscription (quit or ship disconnect).
type SubscriptionEndPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Ship           string `json:"ship"`
	Reason         string `json:"reason,omitempty"`
}

// ShipSummary is the public view of one stored ship.
type ShipSummary struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// StatePayload is the broker state visible to privileged contexts.
type StatePayload struct {
	Initialized     bool          `json:"initialized"`
	Locked          bool          `json:"locked"`
	Unrecoverable   bool          `json:"unrecoverable,omitempty"`
	ActiveShip      string        `json:"active_ship,omitempty"`
	SelectedShip    string        `json:"selected_ship,omitempty"`
	Ships           []ShipSummary `json:"ships"`
	PopupPreference string        `json:"popup_preference"`
	CachedURL       string        `json:"cached_url,omitempty"`
	PendingPrompts  int           `json:"pending_prompts"`
}

// PermsPromptPayload is a pending permission request.
type PermsPromptPayload struct {
	RequestID string   `json:"request_id"`
	Requester string   `json:"requester"`
	Name      string   `json:"name,omitempty"`
	Ship      string   `json:"ship"`
	Requested []string `json:"requested"`
	Existing  []string `json:"existing,omitempty"`
}

// PermsResolvedPayload tells a requester how its prompt ended.
type PermsResolvedPayload struct {
	RequestID    string   `json:"request_id"`
	Ship         string   `json:"ship"`
	Granted      bool     `json:"granted"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ErrorPayload is a generic error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
