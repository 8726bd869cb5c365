package broker

import (
	"bytes"
	"encoding/json"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
)

// Action names (wire-stable).
const (
	ActionSetup                 = "setup"
	ActionUnlock                = "unlock"
	ActionLock                  = "lock"
	ActionChangeMasterPassword  = "change_master_password"
	ActionGetState              = "get_state"
	ActionResetApp              = "reset_app"
	ActionGetShips              = "get_ships"
	ActionAddShip               = "add_ship"
	ActionRemoveShip            = "remove_ship"
	ActionSelectShip            = "select_ship"
	ActionConnectShip           = "connect_ship"
	ActionDisconnectShip        = "disconnect_ship"
	ActionCacheFormURL          = "cache_form_url"
	ActionChangePopupPreference = "change_popup_preference"
	ActionRequestPerms          = "request_perms"
	ActionGrantPerms            = "grant_perms"
	ActionDenyPerms             = "deny_perms"
	ActionRevokePerm            = "revoke_perm"
	ActionRevokeDomain          = "revoke_domain"
	ActionGetPerms              = "get_perms"
	ActionCheckPerms            = "check_perms"
	ActionIsConnected           = "is_connected"
	ActionGetShipName           = "get_ship_name"
	ActionGetShipURL            = "get_ship_url"
	ActionGetAuth               = "get_auth"
	ActionPoke                  = "poke"
	ActionScry                  = "scry"
	ActionThread                = "thread"
	ActionSubscribe             = "subscribe"
	ActionUnsubscribe           = "unsubscribe"
)

// Request is one decoded action. The set of implementations is closed.
type Request interface {
	Action() string
}

type (
	SetupRequest struct {
		Password string `json:"password"`
	}
	UnlockRequest struct {
		Password string `json:"password"`
	}
	LockRequest                 struct{}
	ChangeMasterPasswordRequest struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	GetStateRequest struct{}
	ResetAppRequest struct{}
	GetShipsRequest struct{}
	AddShipRequest  struct {
		// Ship is optional; the ship is asked for its name when empty.
		Ship     string `json:"ship,omitempty"`
		URL      string `json:"url"`
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	RemoveShipRequest struct {
		Ship string `json:"ship"`
	}
	SelectShipRequest struct {
		Ship string `json:"ship"`
	}
	ConnectShipRequest struct {
		Ship string `json:"ship"`
	}
	DisconnectShipRequest struct {
		// Ship defaults to the active ship.
		Ship string `json:"ship,omitempty"`
	}
	CacheFormURLRequest struct {
		URL string `json:"url"`
	}
	ChangePopupPreferenceRequest struct {
		Preference string `json:"preference"`
	}
	RequestPermsRequest struct {
		Ship        string   `json:"ship,omitempty"`
		Name        string   `json:"name,omitempty"`
		Permissions []string `json:"permissions"`
	}
	GrantPermsRequest struct {
		RequestID string `json:"request_id,omitempty"`
		// Direct grants name the pair explicitly instead of a pending prompt.
		Requester   string   `json:"requester,omitempty"`
		Ship        string   `json:"ship,omitempty"`
		Permissions []string `json:"permissions,omitempty"`
	}
	DenyPermsRequest struct {
		RequestID string `json:"request_id"`
	}
	RevokePermRequest struct {
		Requester   string   `json:"requester"`
		Ship        string   `json:"ship"`
		Permissions []string `json:"permissions"`
	}
	RevokeDomainRequest struct {
		Requester string `json:"requester"`
		Ship      string `json:"ship"`
	}
	GetPermsRequest struct {
		Ship string `json:"ship,omitempty"`
	}
	CheckPermsRequest struct {
		Permissions []string `json:"permissions"`
	}
	IsConnectedRequest struct{}
	GetShipNameRequest struct{}
	GetShipURLRequest  struct{}
	GetAuthRequest     struct{}
	PokeRequest        struct {
		App  string          `json:"app"`
		Mark string          `json:"mark"`
		JSON json.RawMessage `json:"json"`
	}
	ScryRequest struct {
		App  string `json:"app"`
		Path string `json:"path"`
	}
	ThreadRequest struct {
		Desk       string          `json:"desk,omitempty"`
		InputMark  string          `json:"inputMark"`
		ThreadName string          `json:"threadName"`
		OutputMark string          `json:"outputMark"`
		Body       json.RawMessage `json:"body"`
	}
	SubscribeRequest struct {
		App  string `json:"app"`
		Path string `json:"path"`
	}
	UnsubscribeRequest struct {
		SubscriptionID string `json:"subscription_id"`
	}
)

func (SetupRequest) Action() string                 { return ActionSetup }
func (UnlockRequest) Action() string                { return ActionUnlock }
func (LockRequest) Action() string                  { return ActionLock }
func (ChangeMasterPasswordRequest) Action() string  { return ActionChangeMasterPassword }
func (GetStateRequest) Action() string              { return ActionGetState }
func (ResetAppRequest) Action() string              { return ActionResetApp }
func (GetShipsRequest) Action() string              { return ActionGetShips }
func (AddShipRequest) Action() string               { return ActionAddShip }
func (RemoveShipRequest) Action() string            { return ActionRemoveShip }
func (SelectShipRequest) Action() string            { return ActionSelectShip }
func (ConnectShipRequest) Action() string           { return ActionConnectShip }
func (DisconnectShipRequest) Action() string        { return ActionDisconnectShip }
func (CacheFormURLRequest) Action() string          { return ActionCacheFormURL }
func (ChangePopupPreferenceRequest) Action() string { return ActionChangePopupPreference }
func (RequestPermsRequest) Action() string          { return ActionRequestPerms }
func (GrantPermsRequest) Action() string            { return ActionGrantPerms }
func (DenyPermsRequest) Action() string             { return ActionDenyPerms }
func (RevokePermRequest) Action() string            { return ActionRevokePerm }
func (RevokeDomainRequest) Action() string          { return ActionRevokeDomain }
func (GetPermsRequest) Action() string              { return ActionGetPerms }
func (CheckPermsRequest) Action() string            { return ActionCheckPerms }
func (IsConnectedRequest) Action() string           { return ActionIsConnected }
func (GetShipNameRequest) Action() string           { return ActionGetShipName }
func (GetShipURLRequest) Action() string            { return ActionGetShipURL }
func (GetAuthRequest) Action() string               { return ActionGetAuth }
func (PokeRequest) Action() string                  { return ActionPoke }
func (ScryRequest) Action() string                  { return ActionScry }
func (ThreadRequest) Action() string                { return ActionThread }
func (SubscribeRequest) Action() string             { return ActionSubscribe }
func (UnsubscribeRequest) Action() string           { return ActionUnsubscribe }

var decoders = map[string]func(json.RawMessage) (Request, error){
	ActionSetup:                 decodeAs[SetupRequest],
	ActionUnlock:                decodeAs[UnlockRequest],
	ActionLock:                  decodeAs[LockRequest],
	ActionChangeMasterPassword:  decodeAs[ChangeMasterPasswordRequest],
	ActionGetState:              decodeAs[GetStateRequest],
	ActionResetApp:              decodeAs[ResetAppRequest],
	ActionGetShips:              decodeAs[GetShipsRequest],
	ActionAddShip:               decodeAs[AddShipRequest],
	ActionRemoveShip:            decodeAs[RemoveShipRequest],
	ActionSelectShip:            decodeAs[SelectShipRequest],
	ActionConnectShip:           decodeAs[ConnectShipRequest],
	ActionDisconnectShip:        decodeAs[DisconnectShipRequest],
	ActionCacheFormURL:          decodeAs[CacheFormURLRequest],
	ActionChangePopupPreference: decodeAs[ChangePopupPreferenceRequest],
	ActionRequestPerms:          decodeAs[RequestPermsRequest],
	ActionGrantPerms:            decodeAs[GrantPermsRequest],
	ActionDenyPerms:             decodeAs[DenyPermsRequest],
	ActionRevokePerm:            decodeAs[RevokePermRequest],
	ActionRevokeDomain:          decodeAs[RevokeDomainRequest],
	ActionGetPerms:              decodeAs[GetPermsRequest],
	ActionCheckPerms:            decodeAs[CheckPermsRequest],
	ActionIsConnected:           decodeAs[IsConnectedRequest],
	ActionGetShipName:           decodeAs[GetShipNameRequest],
	ActionGetShipURL:            decodeAs[GetShipURLRequest],
	ActionGetAuth:               decodeAs[GetAuthRequest],
	ActionPoke:                  decodeAs[PokeRequest],
	ActionScry:                  decodeAs[ScryRequest],
	ActionThread:                decodeAs[ThreadRequest],
	ActionSubscribe:             decodeAs[SubscribeRequest],
	ActionUnsubscribe:           decodeAs[UnsubscribeRequest],
}

// Decode turns a tagged {action, data} pair into its Request.
func Decode(action string, data json.RawMessage) (Request, error) {
	dec, ok := decoders[action]
	if !ok {
		return nil, fault.Ef("broker.Decode", fault.ErrUnrecognizedAction, "unrecognized action %q", action)
	}
	return dec(data)
}

func decodeAs[T Request](data json.RawMessage) (Request, error) {
	var v T
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fault.E("broker.Decode", fault.ErrInvalidInput, "malformed request data")
	}
	return v, nil
}
