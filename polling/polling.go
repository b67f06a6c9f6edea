// Package polling waits for server-side status convergence. The platform
// settles entity status asynchronously as blocks confirm; the poller refetches
// an entity on a chain-paced schedule until it reaches a terminal status or
// the retry budget runs out.
package polling

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/walletkit/api"
	"github.com/mesmerverse/walletkit/entity"
)

// Sentinel errors.
var (
	// ErrMaxRetryExceeded is returned when the entity did not reach a
	// terminal status within the attempt budget.
	ErrMaxRetryExceeded = errors.New("polling: max retry count exceeded")
	// ErrFailureStatus is returned when the entity settled on the failure
	// status. The settled entity is returned alongside it.
	ErrFailureStatus = errors.New("polling: entity reached failure status")
)

// Fetch retrieves the current server-side view of the watched entity.
type Fetch func(ctx context.Context) (*entity.Entity, error)

// Poller paces refetches against chain timing. The first wait spans the
// expected confirmation window; each later attempt waits one block.
type Poller struct {
	// BlockTime is the chain's block generation time.
	BlockTime time.Duration
	// Confirmations is how many blocks must confirm the mined transaction.
	Confirmations int
	// MaxAttempts bounds the total number of fetches.
	MaxAttempts int
	// TxCount scales the first wait when a workflow submitted several
	// chained transactions.
	TxCount int
}

// FirstDelay is the initial wait before the first fetch:
// blockTime x (confirmations + 1) x txCount.
func (p *Poller) FirstDelay() time.Duration {
	txCount := p.TxCount
	if txCount < 1 {
		txCount = 1
	}
	return p.BlockTime * time.Duration(p.Confirmations+1) * time.Duration(txCount)
}

// WaitForStatus polls fetch until the entity's status equals successStatus
// (entity returned, nil error) or failureStatus (entity returned with
// ErrFailureStatus). Fetch errors are treated as transient, consume an
// attempt and retry; only definitive rejections abort immediately.
// Exhausting the budget returns ErrMaxRetryExceeded.
func (p *Poller) WaitForStatus(ctx context.Context, fetch Fetch, successStatus, failureStatus string) (*entity.Entity, error) {
	delay := p.FirstDelay()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = p.BlockTime

		e, err := fetch(ctx)
		if err != nil {
			if isDefinitive(err) {
				return nil, err
			}
			log.Debug().Int("attempt", attempt).Err(err).Msg("Poll fetch failed, retrying")
			continue
		}

		switch e.Status() {
		case successStatus:
			return e, nil
		case failureStatus:
			if failureStatus == "" {
				continue
			}
			return e, ErrFailureStatus
		}
	}
	return nil, ErrMaxRetryExceeded
}

// isDefinitive reports whether a fetch error rules out convergence: the
// watched entity does not exist or the caller may not read it. Everything
// else, including transient server-side failures, stays within the retry
// budget.
func isDefinitive(err error) bool {
	var serverErr *api.ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	switch serverErr.Code {
	case "NOT_FOUND", "ENTITY_NOT_FOUND", "UNAUTHORIZED", "AUTHENTICATION_ERROR":
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
