package workflow

import (
	"context"

	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
)

// InitiateDeviceRecovery starts replacing a lost (authorized) device with
// this registered one. The PIN-derived recovery owner signs the request; the
// chain enforces a waiting period before the swap finalizes.
type InitiateDeviceRecovery struct {
	base

	oldDeviceAddress string

	user   entity.User
	device entity.Device
}

// NewInitiateDeviceRecovery creates the flow for the address of the device
// being recovered away from.
func NewInitiateDeviceRecovery(deps *Deps, oldDeviceAddress string) *InitiateDeviceRecovery {
	return &InitiateDeviceRecovery{base: newBase(deps), oldDeviceAddress: oldDeviceAddress}
}

func (w *InitiateDeviceRecovery) Kind() Kind { return KindInitiateDeviceRecovery }

func (w *InitiateDeviceRecovery) ValidateParams() error {
	if !keys.IsValidAddress(w.oldDeviceAddress) {
		return invalidInput("INVALID_ADDRESS", "%q is not a valid device address", w.oldDeviceAddress)
	}
	return nil
}

func (w *InitiateDeviceRecovery) Prepare(ctx context.Context) error {
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
	if err := v.DeviceNotRevoked(device); err != nil {
		return err
	}
	if !device.IsRegistered() {
		return invalidState("DEVICE_NOT_REGISTERED", "recovery must run from a registered device")
	}
	if keys.SameAddress(w.oldDeviceAddress, device.Address()) {
		return invalidState("SAME_DEVICE", "cannot recover a device onto itself")
	}
	w.user = user
	w.device = device
	return nil
}

func (w *InitiateDeviceRecovery) Process(ctx context.Context) (*entity.Entity, error) {
	input, salt, err := w.verifiedPin(ctx, w.user)
	if err != nil {
		return nil, err
	}

	oldDevice, err := w.deps.API.Device(ctx, w.oldDeviceAddress)
	if err != nil {
		return nil, err
	}
	old := entity.AsDevice(oldDevice)
	if !old.IsAuthorized() {
		return nil, invalidState("DEVICE_NOT_AUTHORIZED",
			"device %s is not authorized, nothing to recover", w.oldDeviceAddress)
	}

	prevOwner := old.LinkedAddress()
	if prevOwner == "" {
		prevOwner = w.user.DeviceManagerAddress()
	}
	calldata, err := encodeAddresses(sigInitiateRecovery, prevOwner, w.oldDeviceAddress, w.device.Address())
	if err != nil {
		return nil, err
	}
	hash, err := operationHash(w.user.RecoveryAddress(), calldata, 0)
	if err != nil {
		return nil, err
	}
	signer, signature, err := w.deps.Keys.SignHashWithRecoveryKey(
		input.PassphrasePrefix, input.Pin, salt, hash)
	if err != nil {
		return nil, err
	}

	acked, err := w.deps.API.InitiateRecovery(ctx, map[string]any{
		"to":                 w.user.RecoveryAddress(),
		"old_linked_address": prevOwner,
		"old_device_address": w.oldDeviceAddress,
		"new_device_address": w.device.Address(),
		"signer":             signer,
		"signature":          signature,
	})
	if err != nil {
		return nil, err
	}
	w.acknowledged(acked)

	return w.poller(1).WaitForStatus(ctx,
		func(ctx context.Context) (*entity.Entity, error) {
			return w.deps.API.Device(ctx, w.device.Address())
		},
		entity.DeviceStatusRecovering, entity.DeviceStatusRevoked)
}

// AbortDeviceRecovery cancels an in-flight device recovery before its
// waiting period elapses. The recovery owner signs the abort.
type AbortDeviceRecovery struct {
	base

	recoveringDeviceAddress string

	user   entity.User
	device entity.Device
}

// NewAbortDeviceRecovery creates the flow for the address of the device the
// pending recovery would install.
func NewAbortDeviceRecovery(deps *Deps, recoveringDeviceAddress string) *AbortDeviceRecovery {
	return &AbortDeviceRecovery{base: newBase(deps), recoveringDeviceAddress: recoveringDeviceAddress}
}

func (w *AbortDeviceRecovery) Kind() Kind { return KindAbortDeviceRecovery }

func (w *AbortDeviceRecovery) ValidateParams() error {
	if !keys.IsValidAddress(w.recoveringDeviceAddress) {
		return invalidInput("INVALID_ADDRESS", "%q is not a valid device address", w.recoveringDeviceAddress)
	}
	return nil
}

func (w *AbortDeviceRecovery) Prepare(ctx context.Context) error {
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
	w.device = device
	return nil
}

func (w *AbortDeviceRecovery) Process(ctx context.Context) (*entity.Entity, error) {
	input, salt, err := w.verifiedPin(ctx, w.user)
	if err != nil {
		return nil, err
	}

	recovering, err := w.deps.API.Device(ctx, w.recoveringDeviceAddress)
	if err != nil {
		return nil, err
	}
	rec := entity.AsDevice(recovering)
	if !rec.IsRecovering() {
		return nil, invalidState("NO_PENDING_RECOVERY",
			"device %s has no recovery in flight", w.recoveringDeviceAddress)
	}

	prevOwner := rec.LinkedAddress()
	if prevOwner == "" {
		prevOwner = w.user.DeviceManagerAddress()
	}
	calldata, err := encodeAddresses(sigAbortRecovery, prevOwner, w.recoveringDeviceAddress, w.device.Address())
	if err != nil {
		return nil, err
	}
	hash, err := operationHash(w.user.RecoveryAddress(), calldata, 0)
	if err != nil {
		return nil, err
	}
	signer, signature, err := w.deps.Keys.SignHashWithRecoveryKey(
		input.PassphrasePrefix, input.Pin, salt, hash)
	if err != nil {
		return nil, err
	}

	acked, err := w.deps.API.AbortRecovery(ctx, map[string]any{
		"to":                        w.user.RecoveryAddress(),
		"old_linked_address":        prevOwner,
		"recovering_device_address": w.recoveringDeviceAddress,
		"signer":                    signer,
		"signature":                 signature,
	})
	if err != nil {
		return nil, err
	}
	w.acknowledged(acked)

	return w.poller(1).WaitForStatus(ctx,
		func(ctx context.Context) (*entity.Entity, error) {
			return w.deps.API.Device(ctx, w.recoveringDeviceAddress)
		},
		entity.DeviceStatusRegistered, entity.DeviceStatusRevoked)
}
