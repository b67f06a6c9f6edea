package entity

// User statuses.
const (
	UserStatusCreated    = "CREATED"
	UserStatusActivating = "ACTIVATING"
	UserStatusActivated  = "ACTIVATED"
)

// Device statuses. Transitions are monotonic along this lattice; the
// workflow layer rejects operations whose preconditions need a different
// position in it.
const (
	DeviceStatusCreated     = "CREATED"
	DeviceStatusRegistered  = "REGISTERED"
	DeviceStatusAuthorizing = "AUTHORIZING"
	DeviceStatusAuthorized  = "AUTHORIZED"
	DeviceStatusRevoking    = "REVOKING"
	DeviceStatusRevoked     = "REVOKED"
	DeviceStatusRecovering  = "RECOVERING"
)

// Session statuses.
const (
	SessionStatusCreated     = "CREATED"
	SessionStatusAuthorizing = "AUTHORIZING"
	SessionStatusAuthorized  = "AUTHORIZED"
	SessionStatusRevoked     = "REVOKED"
)

// Transaction statuses.
const (
	TransactionStatusSuccess = "SUCCESS"
	TransactionStatusFailed  = "FAILED"
)

// User wraps a user entity.
type User struct{ *Entity }

// AsUser casts an entity to User.
func AsUser(e *Entity) User { return User{e} }

func (u User) TokenID() string              { return u.GetString("token_id") }
func (u User) TokenHolderAddress() string   { return u.GetString("token_holder_address") }
func (u User) DeviceManagerAddress() string { return u.GetString("device_manager_address") }
func (u User) RecoveryOwnerAddress() string { return u.GetString("recovery_owner_address") }

// RecoveryAddress is the delayed-recovery contract address, distinct from
// the PIN-derived recovery owner.
func (u User) RecoveryAddress() string { return u.GetString("recovery_address") }

func (u User) IsActivated() bool  { return u.Status() == UserStatusActivated }
func (u User) IsActivating() bool { return u.Status() == UserStatusActivating }

// Device wraps a device entity.
type Device struct{ *Entity }

// AsDevice casts an entity to Device.
func AsDevice(e *Entity) Device { return Device{e} }

func (d Device) Address() string          { return d.ID() }
func (d Device) UserID() string           { return d.GetString("user_id") }
func (d Device) APISignerAddress() string { return d.GetString("api_signer_address") }
func (d Device) LinkedAddress() string    { return d.GetString("linked_address") }

func (d Device) IsRegistered() bool  { return d.Status() == DeviceStatusRegistered }
func (d Device) IsAuthorized() bool  { return d.Status() == DeviceStatusAuthorized }
func (d Device) IsAuthorizing() bool { return d.Status() == DeviceStatusAuthorizing }
func (d Device) IsRevoking() bool    { return d.Status() == DeviceStatusRevoking }
func (d Device) IsRevoked() bool     { return d.Status() == DeviceStatusRevoked }
func (d Device) IsRecovering() bool  { return d.Status() == DeviceStatusRecovering }

// CanMakeAPICall reports whether the device is in a position to talk to the
// platform API at all.
func (d Device) CanMakeAPICall() bool {
	switch d.Status() {
	case DeviceStatusRegistered, DeviceStatusAuthorizing, DeviceStatusAuthorized,
		DeviceStatusRecovering, DeviceStatusRevoking:
		return true
	}
	return false
}

// Session wraps a session entity.
type Session struct{ *Entity }

// AsSession casts an entity to Session.
func AsSession(e *Entity) Session { return Session{e} }

func (s Session) Address() string          { return s.ID() }
func (s Session) UserID() string           { return s.GetString("user_id") }
func (s Session) SpendingLimit() string    { return s.GetString("spending_limit") }
func (s Session) ExpirationHeight() int64  { return s.GetInt64("expiration_height") }
func (s Session) Nonce() int64             { return s.GetInt64("nonce") }
func (s Session) IsAuthorized() bool       { return s.Status() == SessionStatusAuthorized }

// Token wraps a token entity.
type Token struct{ *Entity }

// AsToken casts an entity to Token.
func AsToken(e *Entity) Token { return Token{e} }

func (t Token) Symbol() string           { return t.GetString("symbol") }
func (t Token) Decimals() int64          { return t.GetInt64("decimals") }
func (t Token) ConversionFactor() string { return t.GetString("conversion_factor") }

// AuxiliaryChainID names the chain the token's economy runs on; chain-scoped
// resources (block height, price points) are fetched against it.
func (t Token) AuxiliaryChainID() string { return t.GetString("auxiliary_chain_id") }

// Transaction wraps a transaction entity.
type Transaction struct{ *Entity }

// AsTransaction casts an entity to Transaction.
func AsTransaction(e *Entity) Transaction { return Transaction{e} }

// Rule wraps a rule entity: a named, address-identified contract entry point.
type Rule struct{ *Entity }

// AsRule casts an entity to Rule.
func AsRule(e *Entity) Rule { return Rule{e} }

func (r Rule) Name() string    { return r.GetString("name") }
func (r Rule) Address() string { return r.GetString("address") }
func (r Rule) TokenID() string { return r.GetString("token_id") }
