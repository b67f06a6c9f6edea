package workflow

import (
	"context"
	"strconv"

	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
)

// AuthorizeDeviceWithQR authorizes another user's device scanned from a QR
// code: this (authorized) device signs the owner addition after the consumer
// confirms the decoded payload.
type AuthorizeDeviceWithQR struct {
	base

	deviceAddress string

	user   entity.User
	device entity.Device
}

// NewAuthorizeDeviceWithQR creates the flow for the device address decoded
// from the QR payload.
func NewAuthorizeDeviceWithQR(deps *Deps, deviceAddress string) *AuthorizeDeviceWithQR {
	return &AuthorizeDeviceWithQR{base: newBase(deps), deviceAddress: deviceAddress}
}

func (w *AuthorizeDeviceWithQR) Kind() Kind { return KindAuthorizeDeviceWithQR }

func (w *AuthorizeDeviceWithQR) ValidateParams() error {
	if !keys.IsValidAddress(w.deviceAddress) {
		return invalidInput("INVALID_ADDRESS", "%q is not a valid device address", w.deviceAddress)
	}
	return nil
}

func (w *AuthorizeDeviceWithQR) Prepare(ctx context.Context) error {
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
	w.user = user
	w.device = device
	return nil
}

func (w *AuthorizeDeviceWithQR) Process(ctx context.Context) (*entity.Entity, error) {
	if err := w.confirmData(ctx, map[string]any{"device_address": w.deviceAddress}); err != nil {
		return nil, err
	}

	target, err := w.deps.API.Device(ctx, w.deviceAddress)
	if err != nil {
		return nil, err
	}
	if !entity.AsDevice(target).IsRegistered() {
		return nil, invalidState("DEVICE_NOT_REGISTERED",
			"device %s must be registered before authorization", w.deviceAddress)
	}

	dm, err := w.deviceManager(ctx, w.user)
	if err != nil {
		return nil, err
	}
	nonce := dm.GetInt64("nonce")

	calldata, err := encodeAddOwner(w.deviceAddress, deviceOwnershipThreshold)
	if err != nil {
		return nil, err
	}
	raw, err := rawCalldata("addOwnerWithThreshold",
		w.deviceAddress, strconv.Itoa(deviceOwnershipThreshold))
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

	acked, err := w.deps.API.AuthorizeDevice(ctx, map[string]any{
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
			return w.deps.API.Device(ctx, w.deviceAddress)
		},
		entity.DeviceStatusAuthorized, entity.DeviceStatusRevoked)
}

// AuthorizeDeviceQRPayload builds the QR JSON a registered device displays
// so an authorized device can scan and authorize it.
func AuthorizeDeviceQRPayload(deviceAddress string) (string, error) {
	return qrEnvelope(qrDefinitionAuthorizeDevice, map[string]any{
		"da": deviceAddress,
	})
}
