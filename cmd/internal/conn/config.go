package conn

import (
	"time"

	"github.com/dcSpark/urbit-visor/cmd/internal/ship"
)

// Config tunes session lifecycle. Zero fields fall back to DefaultConfig.
type Config struct {
	// ReconnectMaxTries is the number of stream reopen attempts before a
	// session is declared lost.
	ReconnectMaxTries uint
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration

	// QueueSize bounds calls parked while a session reconnects.
	QueueSize int
	// CallTimeout bounds waiting for an ack or for a reconnect to finish.
	CallTimeout time.Duration

	// CloseInactive disconnects every other ship when the active ship changes.
	CloseInactive bool

	Ship ship.Options
}

// DefaultConfig returns the baseline lifecycle settings.
func DefaultConfig() Config {
	return Config{
		ReconnectMaxTries: 3,
		ReconnectInitial:  250 * time.Millisecond,
		ReconnectMax:      5 * time.Second,
		QueueSize:         64,
		CallTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectMaxTries == 0 {
		c.ReconnectMaxTries = d.ReconnectMaxTries
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = d.ReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = c.ReconnectInitial
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}
