package workflow

import (
	"context"
	"time"

	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/polling"
)

// base carries the shared plumbing every concrete workflow embeds.
type base struct {
	deps   *Deps
	ref    Ref
	events chan<- Event
}

func newBase(deps *Deps) base { return base{deps: deps} }

func (b *base) UserID() string { return b.deps.UserID }

func (b *base) bind(ref Ref, events chan<- Event) {
	b.ref = ref
	b.events = events
}

func (b *base) emit(ev Event) { b.events <- ev }

// acknowledged tells the consumer the server accepted the request and
// polling is about to begin.
func (b *base) acknowledged(e *entity.Entity) {
	b.emit(RequestAcknowledged{Ref: b.ref, Entity: e})
}

// requestPin blocks the flow until the consumer answers the NeedPin event.
// Cancellation surfaces as UserCanceled.
func (b *base) requestPin(ctx context.Context) (PinInput, error) {
	responder := newPinResponder()
	b.emit(NeedPin{Ref: b.ref, Responder: responder})
	select {
	case <-ctx.Done():
		return PinInput{}, newError(KindUserCanceled, "CONTEXT_CANCELED", "workflow context canceled")
	case reply := <-responder.ch:
		if reply.canceled {
			return PinInput{}, newError(KindUserCanceled, "PIN_CANCELED", "user canceled PIN entry")
		}
		return reply.input, nil
	}
}

// confirmData blocks the flow until the consumer confirms or rejects the
// shown data.
func (b *base) confirmData(ctx context.Context, data map[string]any) error {
	responder := newVerifyResponder()
	b.emit(VerifyData{Ref: b.ref, Data: data, Responder: responder})
	select {
	case <-ctx.Done():
		return newError(KindUserCanceled, "CONTEXT_CANCELED", "workflow context canceled")
	case ok := <-responder.ch:
		if !ok {
			return newError(KindUserCanceled, "DATA_REJECTED", "user rejected the shown data")
		}
		return nil
	}
}

// verifiedPin asks for the PIN and verifies it against the user's recovery
// owner address, fetching the scrypt salt from the server.
func (b *base) verifiedPin(ctx context.Context, user entity.User) (PinInput, string, error) {
	input, err := b.requestPin(ctx)
	if err != nil {
		return PinInput{}, "", err
	}
	salt, err := b.deps.API.RecoveryKeySalt(ctx)
	if err != nil {
		return PinInput{}, "", err
	}
	ok, err := b.deps.Keys.VerifyPin(input.PassphrasePrefix, input.Pin, salt, user.RecoveryOwnerAddress())
	if err != nil {
		return PinInput{}, "", err
	}
	if !ok {
		return PinInput{}, "", invalidInput(CodeInvalidPin, "PIN verification failed")
	}
	return input, salt, nil
}

// poller builds a chain-paced poller; txCount scales the first delay by the
// number of chained transactions the flow submitted.
func (b *base) poller(txCount int) *polling.Poller {
	chain := b.deps.Config.Chain
	return &polling.Poller{
		BlockTime:     time.Duration(chain.BlockGenerationTimeSec) * time.Second,
		Confirmations: chain.ConfirmationBlocks,
		MaxAttempts:   chain.MaxPollRetries,
		TxCount:       txCount,
	}
}

func (b *base) validator() *Validator {
	return &Validator{repo: b.deps.Repo, userID: b.deps.UserID, tokenID: b.deps.TokenID}
}

// loadUser returns the user entity, fetching it from the server when the
// repository has no copy yet.
func (b *base) loadUser(ctx context.Context) (entity.User, error) {
	if e := b.deps.Repo.GetByID(entity.KindUser, b.deps.UserID); e != nil {
		return entity.AsUser(e), nil
	}
	e, err := b.deps.API.User(ctx)
	if err != nil {
		return entity.User{}, err
	}
	return entity.AsUser(e), nil
}

// loadCurrentDevice returns the device entity for this install's device key,
// fetching from the server when absent locally.
func (b *base) loadCurrentDevice(ctx context.Context) (entity.Device, error) {
	addr, err := b.deps.Keys.DeviceAddress()
	if err != nil {
		return entity.Device{}, err
	}
	if addr == "" {
		return entity.Device{}, entityNotFound("DEVICE_KEY_MISSING", "no device key has been created")
	}
	if e := b.deps.Repo.GetByID(entity.KindDevice, addr); e != nil {
		return entity.AsDevice(e), nil
	}
	e, err := b.deps.API.Device(ctx, addr)
	if err != nil {
		return entity.Device{}, err
	}
	return entity.AsDevice(e), nil
}

// loadToken returns the token entity, fetching it when absent locally.
func (b *base) loadToken(ctx context.Context) (entity.Token, error) {
	if e := b.deps.Repo.GetByID(entity.KindToken, b.deps.TokenID); e != nil {
		return entity.AsToken(e), nil
	}
	e, err := b.deps.API.Token(ctx)
	if err != nil {
		return entity.Token{}, err
	}
	return entity.AsToken(e), nil
}

// deviceManagerNonce reads the device manager's operation nonce, fetching
// the entity when absent locally.
func (b *base) deviceManager(ctx context.Context, user entity.User) (*entity.Entity, error) {
	if addr := user.DeviceManagerAddress(); addr != "" {
		if e := b.deps.Repo.GetByID(entity.KindDeviceManager, addr); e != nil {
			return e, nil
		}
	}
	return b.deps.API.DeviceManager(ctx)
}
