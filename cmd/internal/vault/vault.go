// Package vault owns the set of known ships and their sealed login material,
// together with the locked/unlocked state machine around the master key.
//
// The derived key lives only in this package. Other components see
// ShipRecord (sealed) or DecryptedShip (transient), never the key.
package vault

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dcSpark/urbit-visor/cmd/internal/codec"
	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/store"
	"github.com/dcSpark/urbit-visor/cmd/security/password"
	"github.com/dcSpark/urbit-visor/cmd/security/seal"
)

const (
	keyDescriptor = "vault/kdf"
	keyProbe      = "vault/probe"
	vaultPrefix   = "vault/"
	shipPrefix    = "ships/"
)

var (
	probePlaintext = []byte("urbit-visor:probe:v1")
	probeAAD       = []byte("visor.vault.probe")
)

// Field names one sealed ShipRecord field.
type Field string

const (
	FieldURL  Field = "url"
	FieldCode Field = "code"
)

// fieldAAD binds a field ciphertext to its ship and field so a blob moved
// to another record or field does not open.
func fieldAAD(name string, f Field) []byte {
	return []byte("visor.vault.ship/" + name + "/" + string(f))
}

// State is the externally visible vault state.
type State struct {
	Initialized bool `json:"initialized"`
	Locked      bool `json:"locked"`
}

// RemoveHook is invoked after a ship record is deleted so dependent state
// (grants, sessions, subscriptions) can cascade.
type RemoveHook func(ctx context.Context, ship string) error

// Option configures a Vault.
type Option func(*Vault)

// WithPasswordConfig sets the KDF parameters and master password policy.
func WithPasswordConfig(cfg password.Config) Option {
	return func(v *Vault) { v.pw = cfg }
}

// WithIdleTimeout locks the vault when the key has not been used for d (0 disables).
func WithIdleTimeout(d time.Duration) Option {
	return func(v *Vault) { v.idle = d }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(v *Vault) {
		if log != nil {
			v.log = log
		}
	}
}

// Vault is safe for concurrent use; all mutations are serialized.
type Vault struct {
	log  *slog.Logger
	kv   store.KV
	pw   password.Config
	idle time.Duration
	now  func() time.Time

	mu       sync.Mutex
	key      []byte
	lastUsed time.Time
	hooks    []RemoveHook
}

// New constructs a locked Vault over kv.
func New(kv store.KV, opts ...Option) *Vault {
	v := &Vault{
		log: slog.New(slog.DiscardHandler),
		kv:  kv,
		pw:  password.DefaultConfig(),
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// OnShipRemoved registers a cascade hook for RemoveShip.
func (v *Vault) OnShipRemoved(h RemoveHook) {
	if h == nil {
		return
	}
	v.mu.Lock()
	v.hooks = append(v.hooks, h)
	v.mu.Unlock()
}

// State reports whether the vault is initialized and locked.
func (v *Vault) State(ctx context.Context) (State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	desc, _, err := v.loadLocked(ctx)
	if err != nil && !errors.Is(err, fault.ErrNotInitialized) {
		return State{}, err
	}
	return State{Initialized: desc != "", Locked: !v.unlockedLocked()}, nil
}

// Setup initializes the vault with a master password. First run only.
// The vault is left unlocked.
func (v *Vault) Setup(ctx context.Context, pw string) error {
	const op = "vault.Setup"

	v.mu.Lock()
	defer v.mu.Unlock()

	_, _, err := v.loadLocked(ctx)
	switch {
	case err == nil:
		return fault.E(op, fault.ErrAlreadyInitialized, "")
	case !errors.Is(err, fault.ErrNotInitialized):
		return err
	}

	key, desc, err := v.pw.NewKey(pw)
	if err != nil {
		return fault.E(op, fault.ErrInvalidInput, err.Error())
	}
	probe, err := seal.Seal(key, probePlaintext, probeAAD)
	if err != nil {
		return fault.E(op, fault.ErrUnrecoverable, err.Error())
	}

	if err := v.kv.Apply(ctx, []store.Op{
		store.Put(keyDescriptor, []byte(desc)),
		store.Put(keyProbe, []byte(probe)),
	}); err != nil {
		return err
	}

	v.setKeyLocked(key)
	v.log.Info("vault.setup")
	return nil
}

// Unlock derives the key from pw and verifies it against the stored probe.
// A mismatch is reported as ErrWrongPassword without further detail.
func (v *Vault) Unlock(ctx context.Context, pw string) error {
	const op = "vault.Unlock"

	v.mu.Lock()
	defer v.mu.Unlock()

	key, err := v.verifyLocked(ctx, op, pw)
	if err != nil {
		if errors.Is(err, fault.ErrWrongPassword) {
			v.log.Info("vault.unlock.fail")
		}
		return err
	}

	v.setKeyLocked(key)
	v.log.Info("vault.unlock.ok")
	return nil
}

// Lock discards the cached key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key != nil {
		v.log.Info("vault.lock")
	}
	v.clearKeyLocked()
}

// AddShip seals url and code under the current key and persists a new record.
// The vault must be unlocked and pw must be the current master password.
func (v *Vault) AddShip(ctx context.Context, name, shipURL, code, pw string) (ShipRecord, error) {
	const op = "vault.AddShip"

	name, err := NormalizeShipName(name)
	if err != nil {
		return ShipRecord{}, err
	}
	shipURL, err = NormalizeShipURL(shipURL)
	if err != nil {
		return ShipRecord{}, err
	}
	if code == "" {
		return ShipRecord{}, fault.E(op, fault.ErrInvalidInput, "missing code")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := v.keyLocked()
	if key == nil {
		return ShipRecord{}, fault.E(op, fault.ErrVaultLocked, "")
	}
	presented, err := v.verifyLocked(ctx, op, pw)
	if err != nil {
		return ShipRecord{}, err
	}
	same := subtle.ConstantTimeCompare(presented, key) == 1
	seal.Zero(presented)
	if !same {
		return ShipRecord{}, fault.E(op, fault.ErrWrongPassword, "")
	}

	if _, err := v.kv.Get(ctx, shipKey(name)); err == nil {
		return ShipRecord{}, fault.E(op, fault.ErrDuplicateShip, name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return ShipRecord{}, err
	}

	rec := ShipRecord{Name: name, AddedAtMS: v.now().UTC().UnixMilli()}
	if rec.EncryptedURL, err = seal.Seal(key, []byte(shipURL), fieldAAD(name, FieldURL)); err != nil {
		return ShipRecord{}, err
	}
	if rec.EncryptedCode, err = seal.Seal(key, []byte(code), fieldAAD(name, FieldCode)); err != nil {
		return ShipRecord{}, err
	}

	b, err := codec.Marshal(rec)
	if err != nil {
		return ShipRecord{}, err
	}
	if err := v.kv.Put(ctx, shipKey(name), b); err != nil {
		return ShipRecord{}, err
	}

	v.log.Info("vault.ship.add", "ship", name)
	return rec, nil
}

// DecryptField opens field f of ship name with the current key.
func (v *Vault) DecryptField(name string, f Field, ciphertext string) (string, error) {
	const op = "vault.DecryptField"

	v.mu.Lock()
	defer v.mu.Unlock()

	key := v.keyLocked()
	if key == nil {
		return "", fault.E(op, fault.ErrVaultLocked, "")
	}
	n, err := NormalizeShipName(name)
	if err != nil {
		return "", err
	}
	return openField(op, key, ciphertext, fieldAAD(n, f))
}

// DecryptShip returns the decrypted login material for name.
func (v *Vault) DecryptShip(ctx context.Context, name string) (DecryptedShip, error) {
	const op = "vault.DecryptShip"

	v.mu.Lock()
	defer v.mu.Unlock()

	key := v.keyLocked()
	if key == nil {
		return DecryptedShip{}, fault.E(op, fault.ErrVaultLocked, "")
	}
	rec, err := v.shipLocked(ctx, op, name)
	if err != nil {
		return DecryptedShip{}, err
	}
	u, err := openField(op, key, rec.EncryptedURL, fieldAAD(rec.Name, FieldURL))
	if err != nil {
		return DecryptedShip{}, err
	}
	c, err := openField(op, key, rec.EncryptedCode, fieldAAD(rec.Name, FieldCode))
	if err != nil {
		return DecryptedShip{}, err
	}
	return DecryptedShip{Name: rec.Name, URL: u, Code: c}, nil
}

// Ship returns the stored record for name.
func (v *Vault) Ship(ctx context.Context, name string) (ShipRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shipLocked(ctx, "vault.Ship", name)
}

// Ships lists stored records ordered by name.
func (v *Vault) Ships(ctx context.Context) ([]ShipRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shipsLocked(ctx)
}

// ChangeMasterPassword re-derives the key and re-seals every record.
// The new descriptor, probe and all records are committed in one atomic
// batch, so a failure at any point leaves the previous state intact.
func (v *Vault) ChangeMasterPassword(ctx context.Context, oldPW, newPW string) error {
	const op = "vault.ChangeMasterPassword"

	v.mu.Lock()
	defer v.mu.Unlock()

	oldKey, err := v.verifyLocked(ctx, op, oldPW)
	if err != nil {
		return err
	}
	defer seal.Zero(oldKey)

	newKey, newDesc, err := v.pw.NewKey(newPW)
	if err != nil {
		return fault.E(op, fault.ErrInvalidInput, err.Error())
	}

	recs, err := v.shipsLocked(ctx)
	if err != nil {
		seal.Zero(newKey)
		return err
	}

	probe, err := seal.Seal(newKey, probePlaintext, probeAAD)
	if err != nil {
		seal.Zero(newKey)
		return err
	}
	ops := []store.Op{
		store.Put(keyDescriptor, []byte(newDesc)),
		store.Put(keyProbe, []byte(probe)),
	}
	for _, rec := range recs {
		next, err := reseal(op, oldKey, newKey, rec)
		if err != nil {
			seal.Zero(newKey)
			v.log.Error("vault.password.change.fail", "ship", rec.Name, "err", err)
			return err
		}
		b, err := codec.Marshal(next)
		if err != nil {
			seal.Zero(newKey)
			return err
		}
		ops = append(ops, store.Put(shipKey(rec.Name), b))
	}

	if err := v.kv.Apply(ctx, ops); err != nil {
		seal.Zero(newKey)
		v.log.Error("vault.password.change.fail", "err", err)
		return err
	}

	v.setKeyLocked(newKey)
	v.log.Info("vault.password.change", "ships", len(recs))
	return nil
}

// RemoveShip deletes the record for name and runs the cascade hooks.
func (v *Vault) RemoveShip(ctx context.Context, name string) error {
	const op = "vault.RemoveShip"

	v.mu.Lock()
	rec, err := v.shipLocked(ctx, op, name)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	if err := v.kv.Delete(ctx, shipKey(rec.Name)); err != nil {
		v.mu.Unlock()
		return err
	}
	hooks := append([]RemoveHook(nil), v.hooks...)
	v.mu.Unlock()

	v.log.Info("vault.ship.remove", "ship", rec.Name)

	var errs []error
	for _, h := range hooks {
		if err := h(ctx, rec.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset wipes the descriptor, probe and every ship record, and locks.
// It is the only way out of an unrecoverable vault.
func (v *Vault) Reset(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var ops []store.Op
	for _, prefix := range []string{vaultPrefix, shipPrefix} {
		entries, err := v.kv.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			ops = append(ops, store.Del(e.Key))
		}
	}
	if len(ops) > 0 {
		if err := v.kv.Apply(ctx, ops); err != nil {
			return err
		}
	}

	v.clearKeyLocked()
	v.log.Warn("vault.reset")
	return nil
}

// ---- internals (v.mu held) ----

// loadLocked returns the descriptor and probe. ErrNotInitialized when both are
// absent, ErrUnrecoverable when only one is or storage cannot be read.
func (v *Vault) loadLocked(ctx context.Context) (string, string, error) {
	const op = "vault.load"

	desc, derr := v.kv.Get(ctx, keyDescriptor)
	probe, perr := v.kv.Get(ctx, keyProbe)

	dMissing := errors.Is(derr, store.ErrNotFound)
	pMissing := errors.Is(perr, store.ErrNotFound)
	switch {
	case dMissing && pMissing:
		return "", "", fault.E(op, fault.ErrNotInitialized, "")
	case derr != nil && !dMissing:
		return "", "", fault.E(op, fault.ErrUnrecoverable, "storage unreadable")
	case perr != nil && !pMissing:
		return "", "", fault.E(op, fault.ErrUnrecoverable, "storage unreadable")
	case dMissing || pMissing:
		return "", "", fault.E(op, fault.ErrUnrecoverable, "vault probe missing")
	}
	return string(desc), string(probe), nil
}

// verifyLocked derives a key from pw and checks it against the probe.
func (v *Vault) verifyLocked(ctx context.Context, op, pw string) ([]byte, error) {
	desc, probe, err := v.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	key, err := v.pw.DeriveKey(desc, pw)
	if err != nil {
		return nil, fault.E(op, fault.ErrUnrecoverable, "vault key descriptor corrupted")
	}

	pt, err := seal.Open(key, probe, probeAAD)
	switch {
	case errors.Is(err, seal.ErrOpen):
		seal.Zero(key)
		return nil, fault.E(op, fault.ErrWrongPassword, "")
	case err != nil:
		seal.Zero(key)
		return nil, fault.E(op, fault.ErrUnrecoverable, "vault probe corrupted")
	case !bytes.Equal(pt, probePlaintext):
		seal.Zero(key)
		return nil, fault.E(op, fault.ErrUnrecoverable, "vault probe corrupted")
	}
	return key, nil
}

// keyLocked returns the active key, enforcing the idle timeout, and counts as use.
func (v *Vault) keyLocked() []byte {
	if !v.unlockedLocked() {
		return nil
	}
	v.lastUsed = v.now()
	return v.key
}

// unlockedLocked reports whether a key is held, locking on idle expiry.
// It does not count as use.
func (v *Vault) unlockedLocked() bool {
	if v.key == nil {
		return false
	}
	if v.idle > 0 && v.now().Sub(v.lastUsed) > v.idle {
		v.log.Info("vault.lock.idle")
		v.clearKeyLocked()
		return false
	}
	return true
}

func (v *Vault) setKeyLocked(key []byte) {
	v.clearKeyLocked()
	v.key = key
	v.lastUsed = v.now()
}

func (v *Vault) clearKeyLocked() {
	if v.key != nil {
		seal.Zero(v.key)
	}
	v.key = nil
}

func (v *Vault) shipLocked(ctx context.Context, op, name string) (ShipRecord, error) {
	n, err := NormalizeShipName(name)
	if err != nil {
		return ShipRecord{}, err
	}
	b, err := v.kv.Get(ctx, shipKey(n))
	if errors.Is(err, store.ErrNotFound) {
		return ShipRecord{}, fault.E(op, fault.ErrUnknownShip, n)
	}
	if err != nil {
		return ShipRecord{}, err
	}
	var rec ShipRecord
	if err := codec.Unmarshal(b, &rec); err != nil {
		return ShipRecord{}, fault.E(op, fault.ErrUnrecoverable, "ship record unreadable")
	}
	return rec, nil
}

func (v *Vault) shipsLocked(ctx context.Context) ([]ShipRecord, error) {
	entries, err := v.kv.List(ctx, shipPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ShipRecord, 0, len(entries))
	for _, e := range entries {
		var rec ShipRecord
		if err := codec.Unmarshal(e.Value, &rec); err != nil {
			return nil, fault.E("vault.Ships", fault.ErrUnrecoverable, "ship record unreadable")
		}
		out = append(out, rec)
	}
	return out, nil
}

func openField(op string, key []byte, ciphertext string, aad []byte) (string, error) {
	pt, err := seal.Open(key, ciphertext, aad)
	switch {
	case errors.Is(err, seal.ErrOpen):
		return "", fault.E(op, fault.ErrWrongPassword, "integrity check failed")
	case err != nil:
		return "", fault.E(op, fault.ErrInvalidInput, "not a sealed value")
	}
	return string(pt), nil
}

func reseal(op string, oldKey, newKey []byte, rec ShipRecord) (ShipRecord, error) {
	urlAAD, codeAAD := fieldAAD(rec.Name, FieldURL), fieldAAD(rec.Name, FieldCode)
	u, err := seal.Open(oldKey, rec.EncryptedURL, urlAAD)
	if err != nil {
		return ShipRecord{}, fault.E(op, fault.ErrUnrecoverable, "ship record "+rec.Name+" does not open under the current key")
	}
	c, err := seal.Open(oldKey, rec.EncryptedCode, codeAAD)
	if err != nil {
		return ShipRecord{}, fault.E(op, fault.ErrUnrecoverable, "ship record "+rec.Name+" does not open under the current key")
	}
	out := rec
	if out.EncryptedURL, err = seal.Seal(newKey, u, urlAAD); err != nil {
		return ShipRecord{}, err
	}
	if out.EncryptedCode, err = seal.Seal(newKey, c, codeAAD); err != nil {
		return ShipRecord{}, err
	}
	seal.Zero(u)
	seal.Zero(c)
	return out, nil
}
