package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keystore"
)

// stubWorkflow drives the engine without any real flow logic.
type stubWorkflow struct {
	base

	kind        Kind
	validateErr error
	processErr  error
	release     chan struct{}
	result      *entity.Entity
}

func newStubWorkflow(userID string, kind Kind) *stubWorkflow {
	return &stubWorkflow{
		base: newBase(&Deps{UserID: userID}),
		kind: kind,
	}
}

func (s *stubWorkflow) Kind() Kind                        { return s.kind }
func (s *stubWorkflow) ValidateParams() error             { return s.validateErr }
func (s *stubWorkflow) Prepare(ctx context.Context) error { return nil }

func (s *stubWorkflow) Process(ctx context.Context) (*entity.Entity, error) {
	if s.release != nil {
		<-s.release
	}
	return s.result, s.processErr
}

func TestEngine_SingleFlightPerUserAndKind(t *testing.T) {
	e := NewEngine(16)

	first := newStubWorkflow("user-1", KindAddSession)
	first.release = make(chan struct{})
	if _, err := e.Start(context.Background(), first); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}

	// Same (user, kind) while in flight is rejected
	_, err := e.Start(context.Background(), newStubWorkflow("user-1", KindAddSession))
	if code := workflowCode(t, err); code != CodeWorkflowInFlight {
		t.Errorf("Expected %s, got %s", CodeWorkflowInFlight, code)
	}

	// A different kind or a different user may run concurrently
	if _, err := e.Start(context.Background(), newStubWorkflow("user-1", KindExecuteTransaction)); err != nil {
		t.Errorf("Different kind was rejected: %v", err)
	}
	if _, err := e.Start(context.Background(), newStubWorkflow("user-2", KindAddSession)); err != nil {
		t.Errorf("Different user was rejected: %v", err)
	}

	close(first.release)
	e.Wait()

	// The slot frees up once the workflow terminates
	if _, err := e.Start(context.Background(), newStubWorkflow("user-1", KindAddSession)); err != nil {
		t.Errorf("Start after completion was rejected: %v", err)
	}
	e.Wait()
}

func TestEngine_TerminalEventExactlyOnce(t *testing.T) {
	e := NewEngine(16)

	w := newStubWorkflow("user-1", KindAddSession)
	w.result = sessionEntity(t, "0xa1", "AUTHORIZED")
	ref, err := e.Start(context.Background(), w)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.Wait()

	var terminals int
	for _, ev := range drain(e.events) {
		switch tev := ev.(type) {
		case FlowComplete:
			terminals++
			if tev.Ref.ID != ref.ID {
				t.Error("Terminal event carries a foreign ref")
			}
			if tev.Entity.Status() != "AUTHORIZED" {
				t.Errorf("Unexpected result entity status %s", tev.Entity.Status())
			}
		case FlowInterrupted:
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("Expected exactly one terminal event, got %d", terminals)
	}
}

func TestEngine_ValidateFailureInterrupts(t *testing.T) {
	e := NewEngine(16)

	w := newStubWorkflow("user-1", KindAddSession)
	w.validateErr = invalidInput("INVALID_EXPIRATION", "expiration must be positive")
	if _, err := e.Start(context.Background(), w); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.Wait()

	events := drain(e.events)
	if len(events) != 1 {
		t.Fatalf("Expected one event, got %d", len(events))
	}
	interrupted, ok := events[0].(FlowInterrupted)
	if !ok {
		t.Fatalf("Expected FlowInterrupted, got %T", events[0])
	}
	if interrupted.Err.Code != "INVALID_EXPIRATION" || interrupted.Err.Kind != KindInvalidInput {
		t.Errorf("Unexpected error classification: %+v", interrupted.Err)
	}
}

func TestEngine_UnclassifiedErrorsAreNormalized(t *testing.T) {
	e := NewEngine(16)

	w := newStubWorkflow("user-1", KindAddSession)
	w.processErr = errors.New("something low level")
	ref, err := e.Start(context.Background(), w)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.Wait()

	events := drain(e.events)
	if len(events) != 1 {
		t.Fatalf("Expected one event, got %d", len(events))
	}
	interrupted := events[0].(FlowInterrupted)
	if interrupted.Ref.ID != ref.ID {
		t.Error("Event ref mismatch")
	}
	if interrupted.Err.Code != "UNKNOWN" {
		t.Errorf("Expected UNKNOWN code, got %s", interrupted.Err.Code)
	}
	if !errors.Is(interrupted.Err, w.processErr) {
		t.Error("Original error not preserved in the chain")
	}
}

func TestEngine_UnreadableKeyMaterialIsAKeyError(t *testing.T) {
	e := NewEngine(16)

	w := newStubWorkflow("user-1", KindExecuteTransaction)
	w.processErr = fmt.Errorf("load session key: %w", keystore.ErrInvalidData)
	if _, err := e.Start(context.Background(), w); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.Wait()

	events := drain(e.events)
	if len(events) != 1 {
		t.Fatalf("Expected one event, got %d", len(events))
	}
	interrupted := events[0].(FlowInterrupted)
	if interrupted.Err.Kind != KindKeyError {
		t.Errorf("Expected %s, got %s", KindKeyError, interrupted.Err.Kind)
	}
	if !errors.Is(interrupted.Err, keystore.ErrInvalidData) {
		t.Error("Original error not preserved in the chain")
	}
}

func TestRef_Populated(t *testing.T) {
	e := NewEngine(16)

	ref, err := e.Start(context.Background(), newStubWorkflow("user-1", KindResetPin))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if ref.Kind != KindResetPin || ref.UserID != "user-1" {
		t.Errorf("Ref not populated: %+v", ref)
	}
	if ref.ID == uuid.Nil {
		t.Error("Ref has a zero id")
	}
	e.Wait()
}

func sessionEntity(t *testing.T, address, status string) *entity.Entity {
	t.Helper()
	e, err := entity.New(entity.KindSession, map[string]any{
		"address": address, "status": status, "uts": int64(1),
	})
	if err != nil {
		t.Fatalf("Failed to build entity: %v", err)
	}
	return e
}
