package workflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/walletkit/api"
	"github.com/mesmerverse/walletkit/config"
	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
)

// Deps bundles everything a workflow needs: explicit dependency injection
// instead of ambient singletons, so several users can run side by side.
type Deps struct {
	Config  *config.Config
	Repo    *entity.Repository
	Keys    *keys.Manager
	API     *api.Service
	UserID  string
	TokenID string
}

// Workflow is one runnable flow instance. Implementations embed base and
// override the three lifecycle stages.
type Workflow interface {
	Kind() Kind
	UserID() string

	// ValidateParams checks caller-supplied arguments before any I/O.
	ValidateParams() error
	// Prepare loads the user and device entities and checks the status
	// preconditions this flow needs.
	Prepare(ctx context.Context) error
	// Process runs the flow's business logic and returns the terminal
	// entity.
	Process(ctx context.Context) (*entity.Entity, error)

	bind(ref Ref, events chan<- Event)
}

type flightKey struct {
	userID string
	kind   Kind
}

// Engine runs workflows and fans their events into one channel. At most one
// workflow per (user, kind) may be in flight; a second Start for the same
// pair is rejected before any stage runs.
type Engine struct {
	events chan Event

	mu       sync.Mutex
	inFlight map[flightKey]struct{}
	wg       sync.WaitGroup
}

// NewEngine creates an engine whose event channel buffers up to buffer
// events before workflow goroutines block.
func NewEngine(buffer int) *Engine {
	return &Engine{
		events:   make(chan Event, buffer),
		inFlight: make(map[flightKey]struct{}),
	}
}

// Events is the single channel every workflow event is delivered on.
// Consume it from one goroutine to get the ordering guarantee.
func (e *Engine) Events() <-chan Event { return e.events }

// Start launches the workflow. The returned Ref tags every event the
// instance emits. Terminal events (FlowComplete or FlowInterrupted) are
// delivered exactly once per instance.
func (e *Engine) Start(ctx context.Context, w Workflow) (Ref, error) {
	key := flightKey{userID: w.UserID(), kind: w.Kind()}

	e.mu.Lock()
	if _, busy := e.inFlight[key]; busy {
		e.mu.Unlock()
		return Ref{}, invalidState(CodeWorkflowInFlight,
			"a %s workflow is already in flight for this user", w.Kind())
	}
	e.inFlight[key] = struct{}{}
	e.mu.Unlock()

	ref := Ref{ID: uuid.New(), Kind: w.Kind(), UserID: w.UserID()}
	w.bind(ref, e.events)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, key)
			e.mu.Unlock()
		}()
		e.run(ctx, ref, w)
	}()
	return ref, nil
}

// Wait blocks until every started workflow has delivered its terminal event.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) run(ctx context.Context, ref Ref, w Workflow) {
	logger := log.With().
		Str("workflow_id", ref.ID.String()).
		Str("kind", string(ref.Kind)).
		Str("user_id", ref.UserID).
		Logger()

	fail := func(err error) {
		wfErr := asWorkflowError(err)
		logger.Warn().Str("code", wfErr.Code).Str("error_kind", string(wfErr.Kind)).Msg("Workflow interrupted")
		e.events <- FlowInterrupted{Ref: ref, Err: wfErr}
	}

	if err := w.ValidateParams(); err != nil {
		fail(err)
		return
	}
	if err := w.Prepare(ctx); err != nil {
		fail(err)
		return
	}
	result, err := w.Process(ctx)
	if err != nil {
		fail(err)
		return
	}

	logger.Info().Msg("Workflow complete")
	e.events <- FlowComplete{Ref: ref, Entity: result}
}
