package walletkit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/walletkit/api"
	"github.com/mesmerverse/walletkit/config"
	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
	"github.com/mesmerverse/walletkit/keystore"
	"github.com/mesmerverse/walletkit/workflow"
)

// Sealer protects the vault's data encryption key with platform key
// material. Pass nil to use the software fallback.
type Sealer = keystore.Sealer

// eventBuffer sizes the shared workflow event channel.
const eventBuffer = 16

// SDK owns the shared infrastructure: the encrypted vault, the entity
// repository and the workflow engine. One SDK serves any number of users.
type SDK struct {
	cfg    *config.Config
	store  *keystore.Store
	repo   *entity.Repository
	engine *workflow.Engine
	caller api.Caller
}

// New opens the SDK. vaultPath is the SQLite vault location (":memory:" for
// ephemeral use), namespace scopes this install's secrets, sealer may be nil.
func New(cfg *config.Config, vaultPath, namespace string, sealer Sealer) (*SDK, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := keystore.Open(vaultPath, namespace, sealer)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	sdk := &SDK{
		cfg:    cfg,
		store:  store,
		repo:   entity.NewRepository(),
		engine: workflow.NewEngine(eventBuffer),
		caller: api.NewHTTPCaller(cfg.API.Endpoint, time.Duration(cfg.API.TimeoutMS)*time.Millisecond),
	}
	log.Info().Str("endpoint", cfg.API.Endpoint).Msg("Wallet SDK initialized")
	return sdk, nil
}

// Events is the single channel every workflow event is delivered on.
func (s *SDK) Events() <-chan workflow.Event { return s.engine.Events() }

// Repository exposes the entity store for read access by consumers.
func (s *SDK) Repository() *entity.Repository { return s.repo }

// Close waits for in-flight workflows and closes the vault.
func (s *SDK) Close() error {
	s.engine.Wait()
	return s.store.Close()
}

// Wallet is the per-user handle: it binds the user's key manager and signed
// API access and constructs the user's workflows.
type Wallet struct {
	sdk  *SDK
	keys *keys.Manager
	deps *workflow.Deps
}

// Wallet returns the handle for one user of the given token economy.
func (s *SDK) Wallet(userID, tokenID string) *Wallet {
	km := keys.NewManager(s.store, userID, keys.ScryptParams{
		N:    s.cfg.Recovery.ScryptN,
		R:    s.cfg.Recovery.ScryptR,
		P:    s.cfg.Recovery.ScryptP,
		Size: s.cfg.Recovery.OutputSize,
	})
	signer := api.NewSigner(km, userID, tokenID, s.cfg.API.SignatureKind)
	service := api.NewService(s.caller, signer, s.repo, userID)

	return &Wallet{
		sdk:  s,
		keys: km,
		deps: &workflow.Deps{
			Config:  s.cfg,
			Repo:    s.repo,
			Keys:    km,
			API:     service,
			UserID:  userID,
			TokenID: tokenID,
		},
	}
}

// SetupDevice ensures this install has a device key and an API key,
// creating them on first call. The returned addresses are what the host
// application registers with the platform.
func (w *Wallet) SetupDevice() (deviceAddress, apiAddress string, err error) {
	deviceAddress, err = w.keys.DeviceAddress()
	if err != nil {
		return "", "", err
	}
	if deviceAddress == "" {
		if deviceAddress, err = w.keys.CreateDeviceKey(); err != nil {
			return "", "", err
		}
	}
	apiAddress, err = w.keys.APIAddress()
	if err != nil {
		return "", "", err
	}
	if apiAddress == "" {
		if apiAddress, err = w.keys.CreateAPIKey(); err != nil {
			return "", "", err
		}
	}
	return deviceAddress, apiAddress, nil
}

// DeviceAddress returns the current device address, or "".
func (w *Wallet) DeviceAddress() (string, error) { return w.keys.DeviceAddress() }

// APIAddress returns the current API signer address, or "".
func (w *Wallet) APIAddress() (string, error) { return w.keys.APIAddress() }

// DeviceMnemonics returns the paper-wallet words backing the device key.
func (w *Wallet) DeviceMnemonics() ([]string, error) { return w.keys.DeviceMnemonics() }

// SetBiometricPreference records whether the user wants biometric unlock.
func (w *Wallet) SetBiometricPreference(enabled bool) error {
	return w.keys.SetBiometricPreference(enabled)
}

// BiometricEnabled reports the stored biometric preference.
func (w *Wallet) BiometricEnabled() (bool, error) { return w.keys.BiometricEnabled() }

// DeviceQRCode builds the payload another device scans to authorize this one.
func (w *Wallet) DeviceQRCode() (string, error) {
	addr, err := w.keys.DeviceAddress()
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", fmt.Errorf("walletkit: no device key, call SetupDevice first")
	}
	return workflow.AuthorizeDeviceQRPayload(addr)
}

// ActivateUser starts the activation workflow.
func (w *Wallet) ActivateUser(ctx context.Context, spendingLimit string, expireAfterBlocks int64) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewActivateUser(w.deps, spendingLimit, expireAfterBlocks))
}

// AddSession starts the session provisioning workflow.
func (w *Wallet) AddSession(ctx context.Context, spendingLimit string, expireAfterBlocks int64) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewAddSession(w.deps, spendingLimit, expireAfterBlocks))
}

// AddDeviceWithMnemonics authorizes this device with another device's words.
func (w *Wallet) AddDeviceWithMnemonics(ctx context.Context, mnemonics []string) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewAddDeviceWithMnemonics(w.deps, mnemonics))
}

// ExecuteTransaction starts a token transfer through the named rule.
func (w *Wallet) ExecuteTransaction(ctx context.Context, ruleName string, toAddresses, amounts []string, meta map[string]string) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewExecuteTransaction(w.deps, ruleName, toAddresses, amounts, meta))
}

// Perform dispatches a scanned QR payload to the matching workflow.
func (w *Wallet) Perform(ctx context.Context, qrPayload string) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewPerform(w.deps, qrPayload))
}

// InitiateDeviceRecovery starts replacing a lost device with this one.
func (w *Wallet) InitiateDeviceRecovery(ctx context.Context, oldDeviceAddress string) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewInitiateDeviceRecovery(w.deps, oldDeviceAddress))
}

// AbortDeviceRecovery cancels an in-flight device recovery.
func (w *Wallet) AbortDeviceRecovery(ctx context.Context, recoveringDeviceAddress string) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewAbortDeviceRecovery(w.deps, recoveringDeviceAddress))
}

// RevokeDevice revokes another device of this user.
func (w *Wallet) RevokeDevice(ctx context.Context, deviceAddress string) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewRevokeDevice(w.deps, deviceAddress))
}

// ResetPin rotates the recovery owner to one derived from a new PIN.
func (w *Wallet) ResetPin(ctx context.Context) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewResetPin(w.deps))
}

// LogoutAllSessions revokes every session of this user.
func (w *Wallet) LogoutAllSessions(ctx context.Context) (workflow.Ref, error) {
	return w.sdk.engine.Start(ctx, workflow.NewLogoutAllSessions(w.deps))
}
