package workflow

import (
	"context"

	"github.com/mesmerverse/walletkit/entity"
)

// ResetPin rotates the user's recovery owner to one derived from a new PIN.
// The flow asks for the PIN twice: the first NeedPin event collects the
// current PIN, the second collects the new one.
type ResetPin struct {
	base

	user entity.User
}

// NewResetPin creates the flow.
func NewResetPin(deps *Deps) *ResetPin {
	return &ResetPin{base: newBase(deps)}
}

func (w *ResetPin) Kind() Kind { return KindResetPin }

func (w *ResetPin) ValidateParams() error { return nil }

func (w *ResetPin) Prepare(ctx context.Context) error {
	user, err := w.loadUser(ctx)
	if err != nil {
		return err
	}
	device, err := w.loadCurrentDevice(ctx)
	if err != nil {
		return err
	}
	v := w.validator()
	if err := v.UserActivated(user); err != nil {
		return err
	}
	if err := v.DeviceRegistered(device); err != nil {
		return err
	}
	w.user = user
	return nil
}

func (w *ResetPin) Process(ctx context.Context) (*entity.Entity, error) {
	oldInput, salt, err := w.verifiedPin(ctx, w.user)
	if err != nil {
		return nil, err
	}

	newInput, err := w.requestPin(ctx)
	if err != nil {
		return nil, err
	}
	if len(newInput.Pin) < w.deps.Config.Recovery.PinLength {
		return nil, invalidInput(CodeInvalidPin,
			"PIN must be at least %d characters", w.deps.Config.Recovery.PinLength)
	}
	if newInput.Pin == oldInput.Pin {
		return nil, invalidInput(CodeInvalidPin, "new PIN must differ from the current one")
	}

	newOwner, err := w.deps.Keys.RecoveryOwnerAddress(newInput.PassphrasePrefix, newInput.Pin, salt)
	if err != nil {
		return nil, err
	}

	calldata, err := encodeAddresses(sigResetRecoveryOwner, w.user.RecoveryOwnerAddress(), newOwner)
	if err != nil {
		return nil, err
	}
	hash, err := operationHash(w.user.RecoveryAddress(), calldata, 0)
	if err != nil {
		return nil, err
	}
	signer, signature, err := w.deps.Keys.SignHashWithRecoveryKey(
		oldInput.PassphrasePrefix, oldInput.Pin, salt, hash)
	if err != nil {
		return nil, err
	}

	if _, err := w.deps.API.ResetRecoveryOwner(ctx, map[string]any{
		"to":                         w.user.RecoveryAddress(),
		"new_recovery_owner_address": newOwner,
		"signer":                     signer,
		"signature":                  signature,
	}); err != nil {
		return nil, err
	}

	// The old cached hash would keep fast-verifying the old PIN.
	if err := w.deps.Keys.DeletePinHash(); err != nil {
		return nil, err
	}

	return w.deps.API.User(ctx)
}
