package broker

import (
	"context"
	"encoding/json"
	"strings"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/dcSpark/urbit-visor/cmd/internal/codec"
	"github.com/dcSpark/urbit-visor/cmd/internal/conn"
	"github.com/dcSpark/urbit-visor/cmd/internal/consumer"
	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/perms"
	"github.com/dcSpark/urbit-visor/cmd/internal/router"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship"
	"github.com/dcSpark/urbit-visor/cmd/internal/store"
	"github.com/dcSpark/urbit-visor/cmd/internal/vault"
)

// PermsResult answers request_perms.
type PermsResult struct {
	Granted   bool   `json:"granted"`
	Pending   bool   `json:"pending,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// CheckResult answers check_perms.
type CheckResult struct {
	Ship    string   `json:"ship"`
	Granted []string `json:"granted"`
	Missing []string `json:"missing"`
}

// AuthResult answers get_auth.
type AuthResult struct {
	Ship string `json:"ship"`
	URL  string `json:"url"`
	Code string `json:"code"`
}

// SubscribeResult answers subscribe.
type SubscribeResult struct {
	SubscriptionID string `json:"subscription_id"`
}

func (b *Broker) dispatch(ctx context.Context, c consumer.Context, req Request) (any, error) {
	switch r := req.(type) {
	// Consumer-facing actions.
	case RequestPermsRequest:
		return b.requestPerms(ctx, c, r)
	case CheckPermsRequest:
		return b.checkPerms(c, r)
	case GetPermsRequest:
		return b.getPerms(c, r)
	case IsConnectedRequest:
		active := b.conns.Active()
		return map[string]bool{"connected": active != "" && b.conns.State(active) == conn.Connected}, nil
	case GetShipNameRequest:
		return b.authorize("broker.get_ship_name", c, perms.Of(perms.KindShipName, ""))
	case GetShipURLRequest:
		return b.shipURL(ctx, c)
	case GetAuthRequest:
		return b.auth(ctx, c)
	case PokeRequest:
		return b.poke(ctx, c, r)
	case ScryRequest:
		return b.scry(ctx, c, r)
	case ThreadRequest:
		return b.thread(ctx, c, r)
	case SubscribeRequest:
		return b.subscribe(ctx, c, r)
	case UnsubscribeRequest:
		return nil, b.unsubscribe(c, r)
	}

	if !c.Privileged {
		return nil, fault.Ef("broker."+req.Action(), fault.ErrPermissionDenied, "%s is reserved for the visor ui", req.Action())
	}

	switch r := req.(type) {
	case SetupRequest:
		if err := b.vault.Setup(ctx, r.Password); err != nil {
			return nil, err
		}
		return b.stateChanged(ctx), nil
	case UnlockRequest:
		if err := b.vault.Unlock(ctx, r.Password); err != nil {
			return nil, err
		}
		return b.stateChanged(ctx), nil
	case LockRequest:
		b.vault.Lock()
		return b.stateChanged(ctx), nil
	case ChangeMasterPasswordRequest:
		if err := b.vault.ChangeMasterPassword(ctx, r.OldPassword, r.NewPassword); err != nil {
			return nil, err
		}
		return b.stateChanged(ctx), nil
	case GetStateRequest:
		return b.State(ctx), nil
	case ResetAppRequest:
		return b.resetApp(ctx)
	case GetShipsRequest:
		return b.ships(ctx)
	case AddShipRequest:
		return b.addShip(ctx, r)
	case RemoveShipRequest:
		if err := b.vault.RemoveShip(ctx, r.Ship); err != nil {
			return nil, err
		}
		return b.stateChanged(ctx), nil
	case SelectShipRequest:
		rec, err := b.vault.Ship(ctx, r.Ship)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.selected = rec.Name
		b.mu.Unlock()
		return b.stateChanged(ctx), nil
	case ConnectShipRequest:
		return b.connectShip(ctx, r)
	case DisconnectShipRequest:
		name := r.Ship
		if name == "" {
			name = b.conns.Active()
		}
		if name != "" {
			n, err := vault.NormalizeShipName(name)
			if err != nil {
				return nil, err
			}
			_ = b.conns.Forget(ctx, n)
		}
		return b.stateChanged(ctx), nil
	case CacheFormURLRequest:
		if len(r.URL) > maxCachedURL {
			return nil, fault.E("broker.cache_form_url", fault.ErrInvalidInput, "url too long")
		}
		b.mu.Lock()
		b.cachedURL = strings.TrimSpace(r.URL)
		b.mu.Unlock()
		return nil, nil
	case ChangePopupPreferenceRequest:
		return b.changePopup(ctx, r)
	case GrantPermsRequest:
		return b.grantPerms(ctx, r)
	case DenyPermsRequest:
		req, ok := b.ledger.Deny(r.RequestID)
		if !ok {
			return nil, fault.E("broker.deny_perms", fault.ErrInvalidInput, "unknown permission request")
		}
		b.notifyResolved(req, false)
		return b.stateChanged(ctx), nil
	case RevokePermRequest:
		requester, name, err := pair("broker.revoke_perm", r.Requester, r.Ship)
		if err != nil {
			return nil, err
		}
		caps, err := perms.ParseCapabilities(r.Permissions)
		if err != nil {
			return nil, err
		}
		if err := b.ledger.Revoke(ctx, requester, name, caps); err != nil {
			return nil, err
		}
		return b.stateChanged(ctx), nil
	case RevokeDomainRequest:
		requester, name, err := pair("broker.revoke_domain", r.Requester, r.Ship)
		if err != nil {
			return nil, err
		}
		if err := b.ledger.RevokeAll(ctx, requester, name); err != nil {
			return nil, err
		}
		return b.stateChanged(ctx), nil
	}
	return nil, fault.Ef("broker.Handle", fault.ErrUnrecognizedAction, "unrecognized action %q", req.Action())
}

// stateChanged broadcasts and returns the new state.
func (b *Broker) stateChanged(ctx context.Context) v1.StatePayload {
	st := b.State(ctx)
	env, err := consumer.Envelope(v1.TypeState, "", st)
	if err == nil {
		b.consumers.Broadcast(consumer.Privileged, env)
	}
	return st
}

// authorize resolves the active ship and checks want for c on it. Privileged
// contexts act with the user's full authority.
func (b *Broker) authorize(op string, c consumer.Context, want perms.Capability) (string, error) {
	active := b.conns.Active()
	if active == "" {
		return "", fault.E(op, fault.ErrShipDisconnected, "no active ship")
	}
	if !c.Privileged && !b.ledger.Check(c.Requester, active, want) {
		return "", fault.Ef(op, fault.ErrPermissionDenied, "missing permission %s", want)
	}
	return active, nil
}

func (b *Broker) shipURL(ctx context.Context, c consumer.Context) (string, error) {
	name, err := b.authorize("broker.get_ship_url", c, perms.Of(perms.KindShipURL, ""))
	if err != nil {
		return "", err
	}
	d, err := b.vault.DecryptShip(ctx, name)
	if err != nil {
		return "", err
	}
	return d.URL, nil
}

func (b *Broker) auth(ctx context.Context, c consumer.Context) (AuthResult, error) {
	name, err := b.authorize("broker.get_auth", c, perms.Of(perms.KindAuth, ""))
	if err != nil {
		return AuthResult{}, err
	}
	d, err := b.vault.DecryptShip(ctx, name)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Ship: d.Name, URL: d.URL, Code: d.Code}, nil
}

func (b *Broker) poke(ctx context.Context, c consumer.Context, r PokeRequest) (json.RawMessage, error) {
	want, err := perms.ParseCapability(perms.KindPoke + ":" + r.App)
	if err != nil {
		return nil, err
	}
	if r.Mark == "" {
		return nil, fault.E("broker.poke", fault.ErrInvalidInput, "missing mark")
	}
	name, err := b.authorize("broker.poke", c, want)
	if err != nil {
		return nil, err
	}
	return b.router.Call(ctx, name, c.ID, router.CallSpec{Kind: router.CallPoke, App: r.App, Mark: r.Mark, Data: r.JSON})
}

func (b *Broker) scry(ctx context.Context, c consumer.Context, r ScryRequest) (json.RawMessage, error) {
	want, err := perms.ParseCapability(perms.KindScry + ":" + r.App)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(r.Path, "/") {
		return nil, fault.E("broker.scry", fault.ErrInvalidInput, "path must start with /")
	}
	name, err := b.authorize("broker.scry", c, want)
	if err != nil {
		return nil, err
	}
	return b.router.Call(ctx, name, c.ID, router.CallSpec{Kind: router.CallScry, App: r.App, Path: r.Path})
}

func (b *Broker) thread(ctx context.Context, c consumer.Context, r ThreadRequest) (json.RawMessage, error) {
	want, err := perms.ParseCapability(perms.KindThread + ":" + r.ThreadName)
	if err != nil {
		return nil, err
	}
	if r.InputMark == "" || r.OutputMark == "" {
		return nil, fault.E("broker.thread", fault.ErrInvalidInput, "missing input or output mark")
	}
	name, err := b.authorize("broker.thread", c, want)
	if err != nil {
		return nil, err
	}
	spec := ship.ThreadSpec{Desk: r.Desk, InputMark: r.InputMark, Thread: r.ThreadName, OutputMark: r.OutputMark, Body: r.Body}
	return b.router.Call(ctx, name, c.ID, router.CallSpec{Kind: router.CallThread, Thread: spec})
}

func (b *Broker) subscribe(ctx context.Context, c consumer.Context, r SubscribeRequest) (SubscribeResult, error) {
	want, err := perms.ParseCapability(perms.KindSubscribe + ":" + r.App)
	if err != nil {
		return SubscribeResult{}, err
	}
	name, err := b.authorize("broker.subscribe", c, want)
	if err != nil {
		return SubscribeResult{}, err
	}
	sub, err := b.router.Subscribe(ctx, name, c.ID, c.Requester, router.SubscribeSpec{App: r.App, Path: r.Path})
	if err != nil {
		return SubscribeResult{}, err
	}
	return SubscribeResult{SubscriptionID: sub.ID}, nil
}

// unsubscribe is a no-op for unknown ids; only the owner may cancel a live one.
func (b *Broker) unsubscribe(c consumer.Context, r UnsubscribeRequest) error {
	sub, ok := b.router.Lookup(r.SubscriptionID)
	if !ok {
		return nil
	}
	if sub.Consumer != c.ID && !c.Privileged {
		return fault.E("broker.unsubscribe", fault.ErrPermissionDenied, "subscription belongs to another consumer")
	}
	b.router.Unsubscribe(sub.ID)
	return nil
}

func (b *Broker) requestPerms(ctx context.Context, c consumer.Context, r RequestPermsRequest) (PermsResult, error) {
	const op = "broker.request_perms"

	name := r.Ship
	if name == "" {
		name = b.conns.Active()
	}
	if name == "" {
		return PermsResult{}, fault.E(op, fault.ErrShipDisconnected, "no active ship")
	}
	rec, err := b.vault.Ship(ctx, name)
	if err != nil {
		return PermsResult{}, err
	}
	caps, err := perms.ParseCapabilities(r.Permissions)
	if err != nil {
		return PermsResult{}, err
	}

	display := r.Name
	if c.Kind == consumer.KindExtension {
		display = c.Name
	}
	req, err := b.ledger.Request(c.Requester, display, rec.Name, caps)
	if err != nil {
		return PermsResult{}, err
	}
	if req.AutoApproved {
		return PermsResult{Granted: true}, nil
	}

	b.broadcastPrompt(req)
	b.stateChanged(ctx)
	return PermsResult{Pending: true, RequestID: req.ID}, nil
}

func (b *Broker) grantPerms(ctx context.Context, r GrantPermsRequest) (perms.Grant, error) {
	if r.RequestID != "" {
		req, g, err := b.ledger.Approve(ctx, r.RequestID)
		if err != nil {
			return perms.Grant{}, err
		}
		b.notifyResolved(req, true)
		b.stateChanged(ctx)
		return g, nil
	}

	requester, name, err := pair("broker.grant_perms", r.Requester, r.Ship)
	if err != nil {
		return perms.Grant{}, err
	}
	if _, err := b.vault.Ship(ctx, name); err != nil {
		return perms.Grant{}, err
	}
	caps, err := perms.ParseCapabilities(r.Permissions)
	if err != nil {
		return perms.Grant{}, err
	}
	g, err := b.ledger.Grant(ctx, requester, name, caps)
	if err != nil {
		return perms.Grant{}, err
	}
	b.stateChanged(ctx)
	return g, nil
}

func (b *Broker) getPerms(c consumer.Context, r GetPermsRequest) ([]perms.Grant, error) {
	name := r.Ship
	if name != "" {
		n, err := vault.NormalizeShipName(name)
		if err != nil {
			return nil, err
		}
		name = n
	}
	if c.Privileged {
		return b.ledger.Grants(name), nil
	}
	if name == "" {
		name = b.conns.Active()
	}
	g, ok := b.ledger.Lookup(c.Requester, name)
	if !ok {
		return []perms.Grant{}, nil
	}
	return []perms.Grant{g}, nil
}

func (b *Broker) checkPerms(c consumer.Context, r CheckPermsRequest) (CheckResult, error) {
	caps, err := perms.ParseCapabilities(r.Permissions)
	if err != nil {
		return CheckResult{}, err
	}
	out := CheckResult{Ship: b.conns.Active(), Granted: []string{}, Missing: []string{}}
	for _, want := range caps {
		if out.Ship != "" && b.ledger.Check(c.Requester, out.Ship, want) {
			out.Granted = append(out.Granted, string(want))
		} else {
			out.Missing = append(out.Missing, string(want))
		}
	}
	return out, nil
}

func (b *Broker) ships(ctx context.Context) ([]v1.ShipSummary, error) {
	recs, err := b.vault.Ships(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]v1.ShipSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, b.summary(r.Name))
	}
	return out, nil
}

// addShip verifies the login material against the ship before sealing it.
func (b *Broker) addShip(ctx context.Context, r AddShipRequest) (v1.ShipSummary, error) {
	const op = "broker.add_ship"

	u, err := vault.NormalizeShipURL(r.URL)
	if err != nil {
		return v1.ShipSummary{}, err
	}
	if r.Code == "" || r.Password == "" {
		return v1.ShipSummary{}, fault.E(op, fault.ErrInvalidInput, "missing code or password")
	}
	st, err := b.vault.State(ctx)
	if err != nil {
		return v1.ShipSummary{}, err
	}
	if st.Locked {
		return v1.ShipSummary{}, fault.E(op, fault.ErrVaultLocked, "")
	}

	name, err := b.probe(ctx, u, r.Code)
	if err != nil {
		return v1.ShipSummary{}, err
	}
	if name, err = vault.NormalizeShipName(name); err != nil {
		return v1.ShipSummary{}, fault.E(op, fault.ErrConnectionFailed, "ship reported an invalid name")
	}
	if r.Ship != "" {
		want, err := vault.NormalizeShipName(r.Ship)
		if err != nil {
			return v1.ShipSummary{}, err
		}
		if want != name {
			return v1.ShipSummary{}, fault.Ef(op, fault.ErrInvalidInput, "code belongs to %s", name)
		}
	}

	rec, err := b.vault.AddShip(ctx, name, u, r.Code, r.Password)
	if err != nil {
		return v1.ShipSummary{}, err
	}

	b.mu.Lock()
	b.cachedURL = ""
	b.mu.Unlock()
	b.stateChanged(ctx)
	return b.summary(rec.Name), nil
}

// connectShip opens the session and makes the ship active.
func (b *Broker) connectShip(ctx context.Context, r ConnectShipRequest) (v1.StatePayload, error) {
	rec, err := b.vault.Ship(ctx, r.Ship)
	if err != nil {
		return v1.StatePayload{}, err
	}
	if _, err := b.conns.EnsureSession(ctx, rec.Name); err != nil {
		return v1.StatePayload{}, err
	}
	b.conns.SetActive(rec.Name)

	b.mu.Lock()
	b.selected = rec.Name
	b.mu.Unlock()
	return b.stateChanged(ctx), nil
}

func (b *Broker) changePopup(ctx context.Context, r ChangePopupPreferenceRequest) (v1.StatePayload, error) {
	if r.Preference != PopupModal && r.Preference != PopupWindow {
		return v1.StatePayload{}, fault.Ef("broker.change_popup_preference", fault.ErrInvalidInput, "unknown preference %q", r.Preference)
	}
	raw, err := codec.Marshal(r.Preference)
	if err != nil {
		return v1.StatePayload{}, err
	}
	if err := b.kv.Put(ctx, keyPopupPreference, raw); err != nil {
		return v1.StatePayload{}, err
	}
	b.mu.Lock()
	b.popup = r.Preference
	b.mu.Unlock()
	return b.stateChanged(ctx), nil
}

// resetApp disconnects everything, then wipes grants, preferences and the vault.
func (b *Broker) resetApp(ctx context.Context) (v1.StatePayload, error) {
	b.conns.Reset()
	if err := b.ledger.Reset(ctx); err != nil {
		return v1.StatePayload{}, err
	}
	if err := store.DeletePrefix(ctx, b.kv, prefsPrefix); err != nil {
		return v1.StatePayload{}, err
	}
	if err := b.vault.Reset(ctx); err != nil {
		return v1.StatePayload{}, err
	}

	b.mu.Lock()
	b.selected = ""
	b.cachedURL = ""
	b.popup = PopupModal
	b.mu.Unlock()

	b.log.Warn("broker.reset")
	return b.stateChanged(ctx), nil
}

func pair(op, requester, name string) (string, string, error) {
	r, err := consumer.NormalizeOrigin(requester)
	if err != nil {
		return "", "", fault.E(op, fault.ErrInvalidInput, "bad requester")
	}
	n, err := vault.NormalizeShipName(name)
	if err != nil {
		return "", "", err
	}
	return r, n, nil
}
