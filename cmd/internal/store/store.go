// Package store is the broker's durable key→value layer.
//
// The broker persists ship records, the vault probe and key descriptor,
// permission grants and user preferences through this interface. Backends:
// in-memory (tests/ephemeral), SQLite (default on-disk) and PostgreSQL.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidKey is returned for empty keys.
var ErrInvalidKey = errors.New("store: invalid key")

// Entry is one key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Op is one mutation inside an atomic Apply.
// Delete=true removes Key (missing keys are ignored); otherwise Key is set to Value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// Put returns a set operation.
func Put(key string, value []byte) Op { return Op{Key: key, Value: value} }

// Del returns a delete operation.
func Del(key string) Op { return Op{Key: key, Delete: true} }

// KV persists opaque values by key.
//
// Requirements:
//   - Apply is atomic: either every op is visible afterwards or none is.
//   - List returns entries ordered by key ASC.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	Apply(ctx context.Context, ops []Op) error
	Close() error
}

func validKey(k string) bool {
	return strings.TrimSpace(k) != ""
}

func validateOps(ops []Op) error {
	for _, op := range ops {
		if !validKey(op.Key) {
			return ErrInvalidKey
		}
	}
	return nil
}

// DeletePrefix removes every key under prefix in one atomic Apply.
func DeletePrefix(ctx context.Context, kv KV, prefix string) error {
	entries, err := kv.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	ops := make([]Op, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, Del(e.Key))
	}
	return kv.Apply(ctx, ops)
}
