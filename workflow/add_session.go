package workflow

import (
	"context"
	"strconv"

	"github.com/mesmerverse/walletkit/entity"
)

// AddSession provisions one new session key: a CREATED session entity is
// written optimistically, the authorization is signed with the device key
// and submitted as a device-manager operation, and the flow polls until the
// session is AUTHORIZED.
type AddSession struct {
	base

	spendingLimit     string
	expireAfterBlocks int64

	user   entity.User
	device entity.Device
}

// NewAddSession creates the flow.
func NewAddSession(deps *Deps, spendingLimit string, expireAfterBlocks int64) *AddSession {
	return &AddSession{
		base:              newBase(deps),
		spendingLimit:     spendingLimit,
		expireAfterBlocks: expireAfterBlocks,
	}
}

func (w *AddSession) Kind() Kind { return KindAddSession }

func (w *AddSession) ValidateParams() error {
	if _, err := parseAmount(w.spendingLimit); err != nil {
		return err
	}
	if w.expireAfterBlocks <= 0 {
		return invalidInput("INVALID_EXPIRATION", "expiration must be a positive block count")
	}
	return nil
}

func (w *AddSession) Prepare(ctx context.Context) error {
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

func (w *AddSession) Process(ctx context.Context) (*entity.Entity, error) {
	token, err := w.loadToken(ctx)
	if err != nil {
		return nil, err
	}
	height, err := w.deps.API.CurrentBlockHeight(ctx, token.AuxiliaryChainID())
	if err != nil {
		return nil, err
	}
	expirationHeight := height + w.expireAfterBlocks

	sessionAddress, err := w.deps.Keys.CreateSessionKey()
	if err != nil {
		return nil, err
	}

	// Optimistic local write. No uts is set so the server's copy, whose
	// timestamps are epoch seconds, always supersedes it in the merge.
	if _, err := w.deps.Repo.InsertOrUpdate(entity.KindSession, map[string]any{
		"address":           sessionAddress,
		"user_id":           w.deps.UserID,
		"spending_limit":    w.spendingLimit,
		"expiration_height": expirationHeight,
		"nonce":             int64(0),
		"status":            entity.SessionStatusCreated,
	}); err != nil {
		return nil, err
	}

	dm, err := w.deviceManager(ctx, w.user)
	if err != nil {
		return nil, err
	}
	nonce := dm.GetInt64("nonce")

	limit, err := parseAmount(w.spendingLimit)
	if err != nil {
		return nil, err
	}
	calldata, err := encodeAuthorizeSession(sessionAddress, limit, expirationHeight)
	if err != nil {
		return nil, err
	}
	raw, err := rawCalldata("authorizeSession",
		sessionAddress, w.spendingLimit, strconv.FormatInt(expirationHeight, 10))
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

	acked, err := w.deps.API.AuthorizeSession(ctx, map[string]any{
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
			return w.deps.API.Session(ctx, sessionAddress)
		},
		entity.SessionStatusAuthorized, entity.SessionStatusRevoked)
}
