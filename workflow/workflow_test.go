package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mesmerverse/walletkit/api"
	"github.com/mesmerverse/walletkit/config"
	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
	"github.com/mesmerverse/walletkit/keystore"
)

const (
	testUserID  = "user-1"
	testTokenID = "token-1"
)

// fakeCaller records every request and answers from a pluggable handler.
type fakeCaller struct {
	mu     sync.Mutex
	calls  []string
	handle func(method, resource string, params map[string]any) (map[string]any, error)
}

func (f *fakeCaller) Get(ctx context.Context, resource string, params map[string]any) (map[string]any, error) {
	return f.call("GET", resource, params)
}

func (f *fakeCaller) Post(ctx context.Context, resource string, params map[string]any) (map[string]any, error) {
	return f.call("POST", resource, params)
}

func (f *fakeCaller) call(method, resource string, params map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+resource)
	f.mu.Unlock()
	if f.handle == nil {
		return nil, fmt.Errorf("unexpected %s %s", method, resource)
	}
	return f.handle(method, resource, params)
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCaller) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// newTestDeps wires a full dependency set over an in-memory vault and the
// given caller. Chain pacing is zeroed so polls run back to back.
func newTestDeps(t *testing.T, caller *fakeCaller) *Deps {
	t.Helper()

	cfg := config.Default()
	cfg.Chain.BlockGenerationTimeSec = 0
	cfg.Chain.MaxPollRetries = 3

	store, err := keystore.Open(":memory:", "test-app", nil)
	if err != nil {
		t.Fatalf("Failed to open keystore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	km := keys.NewManager(store, testUserID, keys.ScryptParams{N: 16, R: 8, P: 1, Size: 32})
	repo := entity.NewRepository()
	signer := api.NewSigner(km, testUserID, testTokenID, cfg.API.SignatureKind)

	return &Deps{
		Config:  cfg,
		Repo:    repo,
		Keys:    km,
		API:     api.NewService(caller, signer, repo, testUserID),
		UserID:  testUserID,
		TokenID: testTokenID,
	}
}

func seed(t *testing.T, deps *Deps, kind entity.Kind, data map[string]any) *entity.Entity {
	t.Helper()
	if _, ok := data["uts"]; !ok {
		data["uts"] = int64(1)
	}
	e, err := deps.Repo.InsertOrUpdate(kind, data)
	if err != nil {
		t.Fatalf("Failed to seed %s: %v", kind, err)
	}
	return e
}

// provisionDeviceKeys creates the device and API keys and returns the device
// address.
func provisionDeviceKeys(t *testing.T, deps *Deps) string {
	t.Helper()
	addr, err := deps.Keys.CreateDeviceKey()
	if err != nil {
		t.Fatalf("CreateDeviceKey failed: %v", err)
	}
	if _, err := deps.Keys.CreateAPIKey(); err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}
	return addr
}

func testAddr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

// runStages drives a workflow through its lifecycle without the engine,
// collecting every event it emits.
func runStages(ctx context.Context, w Workflow) (*entity.Entity, []Event, error) {
	events := make(chan Event, 32)
	w.bind(Ref{Kind: w.Kind(), UserID: w.UserID()}, events)

	if err := w.ValidateParams(); err != nil {
		return nil, drain(events), err
	}
	if err := w.Prepare(ctx); err != nil {
		return nil, drain(events), err
	}
	result, err := w.Process(ctx)
	return result, drain(events), err
}

func drain(events chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func workflowCode(t *testing.T, err error) string {
	t.Helper()
	wfErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("Expected *Error, got %T: %v", err, err)
	}
	return wfErr.Code
}
