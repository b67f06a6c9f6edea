package workflow

import (
	"context"
	"strconv"

	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
)

// deviceOwnershipThreshold is the device manager's signature threshold;
// every owner signs alone.
const deviceOwnershipThreshold = 1

// AddDeviceWithMnemonics authorizes this (registered) device using the
// mnemonics of an already-authorized device: the mnemonic-derived key signs
// the device-manager operation adding this device as an owner.
type AddDeviceWithMnemonics struct {
	base

	mnemonics []string

	user   entity.User
	device entity.Device
}

// NewAddDeviceWithMnemonics creates the flow with the 12 words of an
// authorized device.
func NewAddDeviceWithMnemonics(deps *Deps, mnemonics []string) *AddDeviceWithMnemonics {
	return &AddDeviceWithMnemonics{base: newBase(deps), mnemonics: mnemonics}
}

func (w *AddDeviceWithMnemonics) Kind() Kind { return KindAddDeviceWithMnemonics }

func (w *AddDeviceWithMnemonics) ValidateParams() error {
	if len(w.mnemonics) != 12 {
		return invalidInput("INVALID_MNEMONICS", "expected 12 mnemonic words, got %d", len(w.mnemonics))
	}
	return nil
}

func (w *AddDeviceWithMnemonics) Prepare(ctx context.Context) error {
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
	if device.IsAuthorized() {
		return invalidState("DEVICE_ALREADY_AUTHORIZED", "device %s is already authorized", device.Address())
	}
	if !device.IsRegistered() {
		return invalidState("DEVICE_NOT_REGISTERED", "device %s is not registered", device.Address())
	}
	w.user = user
	w.device = device
	return nil
}

func (w *AddDeviceWithMnemonics) Process(ctx context.Context) (*entity.Entity, error) {
	signerAddress, err := keys.AddressFromMnemonics(w.mnemonics)
	if err != nil {
		return nil, invalidInput("INVALID_MNEMONICS", "mnemonic words do not form a valid wallet")
	}
	if keys.SameAddress(signerAddress, w.device.Address()) {
		return nil, invalidState("SAME_DEVICE", "mnemonics belong to this device itself")
	}

	signerDevice, err := w.deps.API.Device(ctx, signerAddress)
	if err != nil {
		return nil, err
	}
	if !entity.AsDevice(signerDevice).IsAuthorized() {
		return nil, invalidState("SIGNER_NOT_AUTHORIZED", "mnemonic device %s is not authorized", signerAddress)
	}

	dm, err := w.deviceManager(ctx, w.user)
	if err != nil {
		return nil, err
	}
	nonce := dm.GetInt64("nonce")

	calldata, err := encodeAddOwner(w.device.Address(), deviceOwnershipThreshold)
	if err != nil {
		return nil, err
	}
	raw, err := rawCalldata("addOwnerWithThreshold",
		w.device.Address(), strconv.Itoa(deviceOwnershipThreshold))
	if err != nil {
		return nil, err
	}
	opHash, err := operationHash(dm.ID(), calldata, nonce)
	if err != nil {
		return nil, err
	}
	signer, signature, err := w.deps.Keys.SignHashWithMnemonics(w.mnemonics, opHash)
	if err != nil {
		return nil, err
	}

	acked, err := w.deps.API.AuthorizeDevice(ctx, map[string]any{
		"to":           dm.ID(),
		"value":        "0",
		"calldata":     calldata,
		"raw_calldata": raw,
		"nonce":        strconv.FormatInt(nonce, 10),
		"signers":      []string{signer},
		"signatures":   []string{signature},
	})
	if err != nil {
		return nil, err
	}
	w.acknowledged(acked)

	return w.poller(1).WaitForStatus(ctx,
		func(ctx context.Context) (*entity.Entity, error) {
			return w.deps.API.Device(ctx, w.device.Address())
		},
		entity.DeviceStatusAuthorized, entity.DeviceStatusRevoked)
}
