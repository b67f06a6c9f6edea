package workflow

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/walletkit/entity"
)

// ActivateUser deploys the user's token holder: it derives the recovery
// owner from the PIN, provisions the initial session keys and submits the
// activation, then polls until the user settles on ACTIVATED.
type ActivateUser struct {
	base

	spendingLimit     string
	expireAfterBlocks int64

	user   entity.User
	device entity.Device
}

// NewActivateUser creates the flow. spendingLimit bounds the initial
// sessions in token wei; expireAfterBlocks is their lifetime relative to the
// chain head at submission.
func NewActivateUser(deps *Deps, spendingLimit string, expireAfterBlocks int64) *ActivateUser {
	return &ActivateUser{
		base:              newBase(deps),
		spendingLimit:     spendingLimit,
		expireAfterBlocks: expireAfterBlocks,
	}
}

func (w *ActivateUser) Kind() Kind { return KindActivateUser }

func (w *ActivateUser) ValidateParams() error {
	if _, err := parseAmount(w.spendingLimit); err != nil {
		return err
	}
	if w.expireAfterBlocks <= 0 {
		return invalidInput("INVALID_EXPIRATION", "expiration must be a positive block count")
	}
	return nil
}

func (w *ActivateUser) Prepare(ctx context.Context) error {
	user, err := w.loadUser(ctx)
	if err != nil {
		return err
	}
	v := w.validator()
	if err := v.UserNotActivated(user); err != nil {
		return err
	}
	if user.IsActivating() {
		return invalidState("USER_ACTIVATING", "user %s activation is already in progress", w.deps.UserID)
	}

	device, err := w.loadCurrentDevice(ctx)
	if err != nil {
		return err
	}
	if err := v.DeviceRegistered(device); err != nil {
		return err
	}

	w.user = user
	w.device = device
	return nil
}

func (w *ActivateUser) Process(ctx context.Context) (*entity.Entity, error) {
	input, salt, err := w.pinForActivation(ctx)
	if err != nil {
		return nil, err
	}
	recoveryOwner, err := w.deps.Keys.RecoveryOwnerAddress(input.PassphrasePrefix, input.Pin, salt)
	if err != nil {
		return nil, err
	}

	token, err := w.loadToken(ctx)
	if err != nil {
		return nil, err
	}
	height, err := w.deps.API.CurrentBlockHeight(ctx, token.AuxiliaryChainID())
	if err != nil {
		return nil, err
	}

	sessionCount := w.deps.Config.Sessions.CountOnActivation
	if sessionCount < 1 {
		sessionCount = 1
	}
	sessionAddresses := make([]string, 0, sessionCount)
	for i := 0; i < sessionCount; i++ {
		addr, err := w.deps.Keys.CreateSessionKey()
		if err != nil {
			return nil, err
		}
		sessionAddresses = append(sessionAddresses, addr)
	}

	params := map[string]any{
		"spending_limit":         w.spendingLimit,
		"recovery_owner_address": recoveryOwner,
		"expiration_height":      strconv.FormatInt(height+w.expireAfterBlocks, 10),
		"session_addresses":      sessionAddresses,
		"device_address":         w.device.Address(),
	}
	acked, err := w.deps.API.ActivateUser(ctx, params)
	if err != nil {
		return nil, err
	}
	w.acknowledged(acked)

	// Activation chains several transactions: token holder, device
	// manager and session authorizations.
	settled, err := w.poller(3).WaitForStatus(ctx,
		func(ctx context.Context) (*entity.Entity, error) { return w.deps.API.User(ctx) },
		entity.UserStatusActivated, entity.UserStatusCreated)
	if err != nil {
		return nil, err
	}

	w.refreshEntities(ctx, sessionAddresses)
	return settled, nil
}

// pinForActivation collects the PIN without verifying it: before activation
// there is no recovery owner on record to verify against.
func (w *ActivateUser) pinForActivation(ctx context.Context) (PinInput, string, error) {
	input, err := w.requestPin(ctx)
	if err != nil {
		return PinInput{}, "", err
	}
	if len(input.Pin) < w.deps.Config.Recovery.PinLength {
		return PinInput{}, "", invalidInput(CodeInvalidPin, "PIN must be at least %d characters", w.deps.Config.Recovery.PinLength)
	}
	salt, err := w.deps.API.RecoveryKeySalt(ctx)
	if err != nil {
		return PinInput{}, "", err
	}
	return input, salt, nil
}

// refreshEntities pulls the entities activation created. Failures here do
// not fail the flow; the entities resync on next use.
func (w *ActivateUser) refreshEntities(ctx context.Context, sessionAddresses []string) {
	if _, err := w.deps.API.DeviceManager(ctx); err != nil {
		log.Debug().Err(err).Msg("Device manager refresh failed after activation")
	}
	if _, err := w.deps.API.Device(ctx, w.device.Address()); err != nil {
		log.Debug().Err(err).Msg("Device refresh failed after activation")
	}
	for _, addr := range sessionAddresses {
		if _, err := w.deps.API.Session(ctx, addr); err != nil {
			log.Debug().Str("session", addr).Err(err).Msg("Session refresh failed after activation")
		}
	}
}
