package workflow

import (
	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
)

// Validator holds the pure precondition checks workflows run before doing
// any signing or I/O. Every check returns a classified, non-retryable error.
type Validator struct {
	repo    *entity.Repository
	userID  string
	tokenID string
}

// UserPresent requires the user entity to exist.
func (v *Validator) UserPresent(user entity.User) error {
	if user.Entity == nil {
		return entityNotFound("USER_NOT_FOUND", "user %s is not known", v.userID)
	}
	return nil
}

// UserActivated requires the user to be ACTIVATED.
func (v *Validator) UserActivated(user entity.User) error {
	if err := v.UserPresent(user); err != nil {
		return err
	}
	if !user.IsActivated() {
		return invalidState(CodeUserNotActivated, "user %s is not activated", v.userID)
	}
	return nil
}

// UserNotActivated requires the user to still be activatable.
func (v *Validator) UserNotActivated(user entity.User) error {
	if err := v.UserPresent(user); err != nil {
		return err
	}
	if user.IsActivated() {
		return invalidState(CodeUserAlreadyActivated, "user %s is already activated", v.userID)
	}
	return nil
}

// DevicePresent requires the device entity to exist.
func (v *Validator) DevicePresent(device entity.Device) error {
	if device.Entity == nil {
		return entityNotFound("DEVICE_NOT_FOUND", "current device is not known")
	}
	return nil
}

// DeviceRegistered requires the device to have reached REGISTERED (or any
// later non-revoked status). A device mid-revocation does not qualify even
// though it can still talk to the API.
func (v *Validator) DeviceRegistered(device entity.Device) error {
	if err := v.DeviceNotRevoked(device); err != nil {
		return err
	}
	if !device.CanMakeAPICall() {
		return invalidState("DEVICE_NOT_REGISTERED", "device %s is not registered", device.Address())
	}
	return nil
}

// DeviceAuthorized requires the device to be AUTHORIZED.
func (v *Validator) DeviceAuthorized(device entity.Device) error {
	if err := v.DevicePresent(device); err != nil {
		return err
	}
	if !device.IsAuthorized() {
		return invalidState("DEVICE_NOT_AUTHORIZED", "device %s is not authorized", device.Address())
	}
	return nil
}

// DeviceNotRevoked rejects revoked or revoking devices.
func (v *Validator) DeviceNotRevoked(device entity.Device) error {
	if err := v.DevicePresent(device); err != nil {
		return err
	}
	if device.IsRevoked() || device.IsRevoking() {
		return invalidState("DEVICE_REVOKED", "device %s is revoked", device.Address())
	}
	return nil
}

// ValidAddress requires a well-formed hex account address.
func (v *Validator) ValidAddress(address string) error {
	if !keys.IsValidAddress(address) {
		return invalidInput("INVALID_ADDRESS", "%q is not a valid address", address)
	}
	return nil
}
