// Package fault defines the broker-wide error taxonomy.
//
// Every component returns errors that unwrap to exactly one sentinel kind, so the
// consumer boundary can map them to stable codes without string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Msg may include human-readable context; it must never carry secret material
// (passwords, access codes, ship URLs, key bytes).
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// E builds an OpError.
func E(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// Ef builds an OpError with a formatted message.
func Ef(op string, kind error, format string, args ...any) error {
	return OpError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ShipError reports an application-level failure returned by the ship
// (poke nack, failed scry, thread crash). Status is the HTTP status when the
// failure came from a plain request, zero for channel responses.
type ShipError struct {
	Op     string
	Status int
	Detail string
}

func (e ShipError) Error() string {
	switch {
	case e.Status != 0 && e.Detail != "":
		return fmt.Sprintf("%s: %v: status=%d: %s", e.Op, ErrShip, e.Status, e.Detail)
	case e.Status != 0:
		return fmt.Sprintf("%s: %v: status=%d", e.Op, ErrShip, e.Status)
	case e.Detail != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, ErrShip, e.Detail)
	default:
		return fmt.Sprintf("%s: %v", e.Op, ErrShip)
	}
}

func (e ShipError) Unwrap() error { return ErrShip }

// Kind returns the sentinel kind err unwraps to, or nil if none matches.
// Context deadline errors are folded into ErrTimeout.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return nil
}

// Code returns the stable wire code for err ("internal" when unclassified).
func Code(err error) string {
	if k := Kind(err); k != nil {
		return k.Error()
	}
	return "internal"
}

// Message returns a consumer-safe message for err.
// Unclassified errors are not echoed to consumers since they may carry
// storage or transport internals.
func Message(err error) string {
	if Kind(err) == nil {
		return "internal error"
	}
	var se ShipError
	if errors.As(err, &se) && se.Detail != "" {
		return se.Detail
	}
	var oe OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return Code(err)
}

// IsLocked reports whether err represents ErrVaultLocked.
func IsLocked(err error) bool { return errors.Is(err, ErrVaultLocked) }

// IsPermissionDenied reports whether err represents ErrPermissionDenied.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsTransient reports whether err looks like a transport hiccup worth a reconnect
// rather than a hard failure of the session.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}
