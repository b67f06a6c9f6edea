package workflow

import (
	"context"

	"github.com/mesmerverse/walletkit/entity"
)

// LogoutAllSessions revokes every session of the user, server-side and
// locally: the token holder logout is submitted, then all session keys and
// session entities on this device are deleted.
type LogoutAllSessions struct {
	base

	user entity.User
}

// NewLogoutAllSessions creates the flow.
func NewLogoutAllSessions(deps *Deps) *LogoutAllSessions {
	return &LogoutAllSessions{base: newBase(deps)}
}

func (w *LogoutAllSessions) Kind() Kind { return KindLogoutAllSessions }

func (w *LogoutAllSessions) ValidateParams() error { return nil }

func (w *LogoutAllSessions) Prepare(ctx context.Context) error {
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
	return nil
}

func (w *LogoutAllSessions) Process(ctx context.Context) (*entity.Entity, error) {
	if _, err := w.deps.API.LogoutAllSessions(ctx); err != nil {
		return nil, err
	}

	// Server first, vault second: a failed request must not strand the
	// user with sessions the server still honors.
	addresses, err := w.deps.Keys.SessionAddresses()
	if err != nil {
		return nil, err
	}
	if err := w.deps.Keys.DeleteAllSessions(); err != nil {
		return nil, err
	}
	for _, addr := range addresses {
		w.deps.Repo.Delete(entity.KindSession, addr)
	}

	return w.deps.API.User(ctx)
}
