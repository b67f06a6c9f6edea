package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesmerverse/walletkit/entity"
)

// Sync errors.
var (
	// ErrInvalidResponse is returned when a successful response carries no
	// recognizable entity payload.
	ErrInvalidResponse = errors.New("api: invalid response payload")
)

// resultKinds maps the result_type discriminator to the repository kind.
var resultKinds = map[string]entity.Kind{
	"token":          entity.KindToken,
	"user":           entity.KindUser,
	"device":         entity.KindDevice,
	"device_manager": entity.KindDeviceManager,
	"session":        entity.KindSession,
	"transaction":    entity.KindTransaction,
}

// Service exposes the platform resources for one user. Every successful
// entity response is merged into the repository before being returned.
type Service struct {
	caller Caller
	signer *Signer
	repo   *entity.Repository
	userID string
}

// NewService creates the resource layer for one user.
func NewService(caller Caller, signer *Signer, repo *entity.Repository, userID string) *Service {
	return &Service{caller: caller, signer: signer, repo: repo, userID: userID}
}

func (s *Service) get(ctx context.Context, resource string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	if err := s.signer.Sign(resource, params); err != nil {
		return nil, err
	}
	return s.caller.Get(ctx, resource, params)
}

func (s *Service) post(ctx context.Context, resource string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	if err := s.signer.Sign(resource, params); err != nil {
		return nil, err
	}
	return s.caller.Post(ctx, resource, params)
}

// payloadOf unwraps the data envelope when present.
func payloadOf(resp map[string]any) map[string]any {
	if data, ok := resp["data"].(map[string]any); ok {
		return data
	}
	return resp
}

// Sync merges the result_type-discriminated payload of resp into the
// repository and returns the synced entity. A "rules" payload stores every
// rule and returns nil; use Rules for the list.
func (s *Service) Sync(resp map[string]any) (*entity.Entity, error) {
	payload := payloadOf(resp)
	resultType, _ := payload["result_type"].(string)

	if resultType == "rules" {
		rules, ok := payload["rules"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: missing rules array", ErrInvalidResponse)
		}
		for _, r := range rules {
			data, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: malformed rule entry", ErrInvalidResponse)
			}
			if _, err := s.repo.InsertOrUpdate(entity.KindRule, data); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	kind, ok := resultKinds[resultType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown result_type %q", ErrInvalidResponse, resultType)
	}
	data, ok := payload[resultType].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s payload", ErrInvalidResponse, resultType)
	}
	return s.repo.InsertOrUpdate(kind, data)
}

func (s *Service) getSynced(ctx context.Context, resource string, params map[string]any) (*entity.Entity, error) {
	resp, err := s.get(ctx, resource, params)
	if err != nil {
		return nil, err
	}
	return s.Sync(resp)
}

func (s *Service) postSynced(ctx context.Context, resource string, params map[string]any) (*entity.Entity, error) {
	resp, err := s.post(ctx, resource, params)
	if err != nil {
		return nil, err
	}
	return s.Sync(resp)
}

// Token fetches the token the user belongs to.
func (s *Service) Token(ctx context.Context) (*entity.Entity, error) {
	return s.getSynced(ctx, "/tokens", nil)
}

// User fetches the current user.
func (s *Service) User(ctx context.Context) (*entity.Entity, error) {
	return s.getSynced(ctx, "/users/"+s.userID, nil)
}

// Device fetches one of the user's devices by address.
func (s *Service) Device(ctx context.Context, address string) (*entity.Entity, error) {
	return s.getSynced(ctx, "/users/"+s.userID+"/devices/"+address, nil)
}

// DeviceManager fetches the user's device manager contract entity.
func (s *Service) DeviceManager(ctx context.Context) (*entity.Entity, error) {
	return s.getSynced(ctx, "/users/"+s.userID+"/device-managers", nil)
}

// ActivateUser submits the activation request: deploys the token holder with
// the given recovery owner, device and initial sessions.
func (s *Service) ActivateUser(ctx context.Context, params map[string]any) (*entity.Entity, error) {
	return s.postSynced(ctx, "/users/"+s.userID+"/activate-user", params)
}

// Session fetches one session by address.
func (s *Service) Session(ctx context.Context, address string) (*entity.Entity, error) {
	return s.getSynced(ctx, "/users/"+s.userID+"/sessions/"+address, nil)
}

// AuthorizeSession submits a device-manager operation adding a session key.
func (s *Service) AuthorizeSession(ctx context.Context, params map[string]any) (*entity.Entity, error) {
	return s.postSynced(ctx, "/users/"+s.userID+"/sessions", params)
}

// AuthorizeDevice submits a device-manager operation authorizing a device.
func (s *Service) AuthorizeDevice(ctx context.Context, params map[string]any) (*entity.Entity, error) {
	return s.postSynced(ctx, "/users/"+s.userID+"/devices/authorize", params)
}

// RevokeDevice submits a device-manager operation revoking a device.
func (s *Service) RevokeDevice(ctx context.Context, params map[string]any) (*entity.Entity, error) {
	return s.postSynced(ctx, "/users/"+s.userID+"/devices/revoke", params)
}

// InitiateRecovery starts replacing a lost device with this one.
func (s *Service) InitiateRecovery(ctx context.Context, params map[string]any) (*entity.Entity, error) {
	return s.postSynced(ctx, "/users/"+s.userID+"/devices/initiate-recovery", params)
}

// AbortRecovery cancels an in-flight device recovery.
func (s *Service) AbortRecovery(ctx context.Context, params map[string]any) (*entity.Entity, error) {
	return s.postSynced(ctx, "/users/"+s.userID+"/devices/abort-recovery", params)
}

// ResetRecoveryOwner rotates the user's recovery owner address. The
// response's recovery-owner payload is not a repository kind, so the raw
// response is returned.
func (s *Service) ResetRecoveryOwner(ctx context.Context, params map[string]any) (map[string]any, error) {
	return s.post(ctx, "/users/"+s.userID+"/recovery-owners", params)
}

// LogoutAllSessions revokes every authorized session server-side.
func (s *Service) LogoutAllSessions(ctx context.Context) (map[string]any, error) {
	return s.post(ctx, "/users/"+s.userID+"/token-holder/logout", nil)
}

// ExecuteTransaction submits a session-signed executable transaction.
func (s *Service) ExecuteTransaction(ctx context.Context, params map[string]any) (*entity.Entity, error) {
	return s.postSynced(ctx, "/users/"+s.userID+"/transactions", params)
}

// Transaction fetches one transaction by id.
func (s *Service) Transaction(ctx context.Context, id string) (*entity.Entity, error) {
	return s.getSynced(ctx, "/users/"+s.userID+"/transactions/"+id, nil)
}

// Rules fetches and stores the token's rules, returning the synced list.
func (s *Service) Rules(ctx context.Context) ([]*entity.Entity, error) {
	resp, err := s.get(ctx, "/rules", nil)
	if err != nil {
		return nil, err
	}
	payload := payloadOf(resp)
	raw, ok := payload["rules"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing rules array", ErrInvalidResponse)
	}
	out := make([]*entity.Entity, 0, len(raw))
	for _, r := range raw {
		data, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: malformed rule entry", ErrInvalidResponse)
		}
		e, err := s.repo.InsertOrUpdate(entity.KindRule, data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// RecoveryKeySalt fetches the per-user scrypt salt used for PIN derivation.
func (s *Service) RecoveryKeySalt(ctx context.Context) (string, error) {
	resp, err := s.get(ctx, "/users/"+s.userID+"/salts", nil)
	if err != nil {
		return "", err
	}
	payload := payloadOf(resp)
	saltObj, ok := payload["salt"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: missing salt payload", ErrInvalidResponse)
	}
	salt, ok := saltObj["scrypt_salt"].(string)
	if !ok || salt == "" {
		return "", fmt.Errorf("%w: missing scrypt_salt", ErrInvalidResponse)
	}
	return salt, nil
}

// CurrentBlockHeight fetches the chain head height used to convert relative
// session expirations into absolute heights.
func (s *Service) CurrentBlockHeight(ctx context.Context, chainID string) (int64, error) {
	resp, err := s.get(ctx, "/chains/"+chainID, nil)
	if err != nil {
		return 0, err
	}
	payload := payloadOf(resp)
	chainObj, ok := payload["chain"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("%w: missing chain payload", ErrInvalidResponse)
	}
	height, ok := chainObj["block_height"].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: missing block_height", ErrInvalidResponse)
	}
	return int64(height), nil
}

// PricePoints fetches the fiat conversion rates for the chain's base token.
func (s *Service) PricePoints(ctx context.Context, chainID string) (map[string]any, error) {
	resp, err := s.get(ctx, "/chains/"+chainID+"/price-points", nil)
	if err != nil {
		return nil, err
	}
	payload := payloadOf(resp)
	points, ok := payload["price_point"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing price_point payload", ErrInvalidResponse)
	}
	return points, nil
}
