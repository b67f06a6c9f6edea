package api

import (
	"context"
	"errors"
	"testing"

	"github.com/mesmerverse/walletkit/entity"
)

// stubCaller answers every request with a fixed response.
type stubCaller struct {
	resp     map[string]any
	err      error
	requests []string
}

func (s *stubCaller) Get(ctx context.Context, resource string, params map[string]any) (map[string]any, error) {
	s.requests = append(s.requests, "GET "+resource)
	return s.resp, s.err
}

func (s *stubCaller) Post(ctx context.Context, resource string, params map[string]any) (map[string]any, error) {
	s.requests = append(s.requests, "POST "+resource)
	return s.resp, s.err
}

func newTestService(caller Caller) (*Service, *entity.Repository) {
	repo := entity.NewRepository()
	signer := NewSigner(&fakeKeys{device: "0xdevice", api: "0xapikey"}, "user-1", "token-1", "OST1-PS")
	return NewService(caller, signer, repo, "user-1"), repo
}

func TestSync_EntityPayload(t *testing.T) {
	svc, repo := newTestService(&stubCaller{})

	e, err := svc.Sync(map[string]any{
		"success": true,
		"data": map[string]any{
			"result_type": "user",
			"user": map[string]any{
				"id": "user-1", "status": "ACTIVATED", "uts": float64(100),
			},
		},
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if e.Kind() != entity.KindUser || e.ID() != "user-1" {
		t.Errorf("Unexpected synced entity: %s %s", e.Kind(), e.ID())
	}
	if repo.GetByID(entity.KindUser, "user-1") == nil {
		t.Error("Synced entity not stored in the repository")
	}
}

func TestSync_StaleDataDoesNotOverwrite(t *testing.T) {
	svc, repo := newTestService(&stubCaller{})

	if _, err := repo.InsertOrUpdate(entity.KindUser, map[string]any{
		"id": "user-1", "status": "ACTIVATED", "uts": int64(200),
	}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	e, err := svc.Sync(map[string]any{
		"data": map[string]any{
			"result_type": "user",
			"user":        map[string]any{"id": "user-1", "status": "CREATED", "uts": float64(100)},
		},
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if e.Status() != "ACTIVATED" {
		t.Errorf("Stale payload overwrote the repository, status %s", e.Status())
	}
}

func TestSync_UnknownResultType(t *testing.T) {
	svc, _ := newTestService(&stubCaller{})

	_, err := svc.Sync(map[string]any{
		"data": map[string]any{
			"result_type":    "recovery_owner",
			"recovery_owner": map[string]any{"id": "0xabc"},
		},
	})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestSync_MissingPayload(t *testing.T) {
	svc, _ := newTestService(&stubCaller{})

	_, err := svc.Sync(map[string]any{
		"data": map[string]any{"result_type": "device"},
	})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestRules_StoresEveryRule(t *testing.T) {
	caller := &stubCaller{resp: map[string]any{
		"success": true,
		"data": map[string]any{
			"result_type": "rules",
			"rules": []any{
				map[string]any{"id": "1", "token_id": "token-1", "name": "Direct Transfer", "address": "0xaa", "uts": float64(1)},
				map[string]any{"id": "2", "token_id": "token-1", "name": "Pricer", "address": "0xbb", "uts": float64(1)},
			},
		},
	}}
	svc, repo := newTestService(caller)

	rules, err := svc.Rules(context.Background())
	if err != nil {
		t.Fatalf("Rules failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(rules))
	}
	stored := repo.GetByParentID(entity.KindRule, "token-1")
	if len(stored) != 2 {
		t.Errorf("Expected 2 stored rules, got %d", len(stored))
	}
}

func TestRecoveryKeySalt(t *testing.T) {
	caller := &stubCaller{resp: map[string]any{
		"success": true,
		"data":    map[string]any{"salt": map[string]any{"scrypt_salt": "abc123"}},
	}}
	svc, _ := newTestService(caller)

	salt, err := svc.RecoveryKeySalt(context.Background())
	if err != nil {
		t.Fatalf("RecoveryKeySalt failed: %v", err)
	}
	if salt != "abc123" {
		t.Errorf("Expected abc123, got %s", salt)
	}

	// Missing salt payload is an invalid response
	caller.resp = map[string]any{"success": true, "data": map[string]any{}}
	if _, err := svc.RecoveryKeySalt(context.Background()); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestCurrentBlockHeight(t *testing.T) {
	caller := &stubCaller{resp: map[string]any{
		"success": true,
		"data":    map[string]any{"chain": map[string]any{"block_height": float64(123456)}},
	}}
	svc, _ := newTestService(caller)

	height, err := svc.CurrentBlockHeight(context.Background(), "2000")
	if err != nil {
		t.Fatalf("CurrentBlockHeight failed: %v", err)
	}
	if height != 123456 {
		t.Errorf("Expected 123456, got %d", height)
	}
	if caller.requests[0] != "GET /chains/2000" {
		t.Errorf("Unexpected resource %s", caller.requests[0])
	}
}

func TestService_CallerErrorsPropagate(t *testing.T) {
	boom := &ServerError{Code: "NOT_FOUND", Msg: "no such user"}
	svc, _ := newTestService(&stubCaller{err: boom})

	_, err := svc.User(context.Background())
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != "NOT_FOUND" {
		t.Errorf("Expected the server error, got %v", err)
	}
}
