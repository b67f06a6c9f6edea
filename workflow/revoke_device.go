package workflow

import (
	"context"
	"strconv"

	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
)

// RevokeDevice removes another device's ownership of the token holder: this
// (authorized) device signs the owner removal and the flow polls the target
// until it settles on REVOKED.
type RevokeDevice struct {
	base

	revokeAddress string

	user   entity.User
	device entity.Device
}

// NewRevokeDevice creates the flow for the device address being revoked.
func NewRevokeDevice(deps *Deps, revokeAddress string) *RevokeDevice {
	return &RevokeDevice{base: newBase(deps), revokeAddress: revokeAddress}
}

func (w *RevokeDevice) Kind() Kind { return KindRevokeDevice }

func (w *RevokeDevice) ValidateParams() error {
	if !keys.IsValidAddress(w.revokeAddress) {
		return invalidInput("INVALID_ADDRESS", "%q is not a valid device address", w.revokeAddress)
	}
	return nil
}

func (w *RevokeDevice) Prepare(ctx context.Context) error {
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
	if err := v.DeviceAuthorized(device); err != nil {
		return err
	}
	if keys.SameAddress(w.revokeAddress, device.Address()) {
		return invalidState("SAME_DEVICE", "a device cannot revoke itself")
	}
	w.user = user
	w.device = device
	return nil
}

func (w *RevokeDevice) Process(ctx context.Context) (*entity.Entity, error) {
	targetEntity, err := w.deps.API.Device(ctx, w.revokeAddress)
	if err != nil {
		return nil, err
	}
	target := entity.AsDevice(targetEntity)
	if !target.IsAuthorized() && !target.IsAuthorizing() {
		return nil, invalidState("DEVICE_NOT_AUTHORIZED",
			"device %s is not authorized, nothing to revoke", w.revokeAddress)
	}

	prevOwner := target.LinkedAddress()
	if prevOwner == "" {
		prevOwner = w.device.Address()
	}

	dm, err := w.deviceManager(ctx, w.user)
	if err != nil {
		return nil, err
	}
	nonce := dm.GetInt64("nonce")

	calldata, err := encodeRemoveOwner(prevOwner, w.revokeAddress, deviceOwnershipThreshold)
	if err != nil {
		return nil, err
	}
	raw, err := rawCalldata("removeOwner",
		prevOwner, w.revokeAddress, strconv.Itoa(deviceOwnershipThreshold))
	if err != nil {
		return nil, err
	}
	opHash, err := operationHash(dm.ID(), calldata, nonce)
	if err != nil {
		return nil, err
	}
	signature, err := w.deps.Keys.SignHashWithDeviceKey(opHash)
	if err != nil {
		return nil, err
	}

	acked, err := w.deps.API.RevokeDevice(ctx, map[string]any{
		"to":           dm.ID(),
		"value":        "0",
		"calldata":     calldata,
		"raw_calldata": raw,
		"nonce":        strconv.FormatInt(nonce, 10),
		"signers":      []string{w.device.Address()},
		"signatures":   []string{signature},
	})
	if err != nil {
		return nil, err
	}
	w.acknowledged(acked)

	return w.poller(1).WaitForStatus(ctx,
		func(ctx context.Context) (*entity.Entity, error) {
			return w.deps.API.Device(ctx, w.revokeAddress)
		},
		entity.DeviceStatusRevoked, "")
}
