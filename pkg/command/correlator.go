package command

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/log"
	"github.com/hearthlink/hearthlink/pkg/metrics"
	"github.com/hearthlink/hearthlink/pkg/types"
)

// Publisher is the slice of the session manager the correlator consumes.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Result is a resolved command response.
type Result struct {
	RequestID string
	Body      map[string]any
}

// pending is one in-flight command. Exactly one response, timeout, or
// session loss resolves it, after which it is removed.
type pending struct {
	requestID string
	sentAt    time.Time
	resultCh  chan Result
}

// Correlator matches outbound command messages to inbound responses by
// requestId, with timeout, cancellation, and fail-fast on disconnect.
type Correlator struct {
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
}

// NewCorrelator creates a correlator publishing through p.
func NewCorrelator(p Publisher) *Correlator {
	return &Correlator{
		publisher: p,
		logger:    log.WithComponent("command"),
		now:       time.Now,
		pending:   make(map[string]*pending),
	}
}

// Send issues one command: a fresh requestId is generated, the envelope is
// published, and the call blocks until the matching response arrives, the
// timeout elapses (CommandTimeout), the session drops (SessionLost), or ctx
// is cancelled. Cancellation removes the registration but does not un-send;
// a late response then takes the unknown-requestId discard path.
func (c *Correlator) Send(ctx context.Context, topic string, commandBody map[string]any, timeout time.Duration) (Result, error) {
	requestID := uuid.NewString()
	sentAt := c.now()

	env := types.Envelope{
		RequestID: requestID,
		Timestamp: sentAt.UnixMilli(),
		Payload:   commandBody,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.CodeInternal, "failed to encode command envelope")
	}

	p := &pending{
		requestID: requestID,
		sentAt:    sentAt,
		resultCh:  make(chan Result, 1),
	}
	c.mu.Lock()
	c.pending[requestID] = p
	c.mu.Unlock()
	defer c.remove(requestID)

	// Registration happens before publish so a fast response cannot race
	// the pending entry.
	if err := c.publisher.Publish(ctx, topic, payload); err != nil {
		metrics.Commands.WithLabelValues("publish_error").Inc()
		return Result{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-p.resultCh:
		if !ok {
			metrics.Commands.WithLabelValues("session_lost").Inc()
			return Result{}, apperrors.New(apperrors.CodeSessionLost,
				"command invalidated by disconnect")
		}
		metrics.Commands.WithLabelValues("ok").Inc()
		metrics.CommandDuration.Observe(c.now().Sub(sentAt).Seconds())
		return res, nil
	case <-timer.C:
		metrics.Commands.WithLabelValues("timeout").Inc()
		return Result{}, apperrors.Newf(apperrors.CodeCommandTimeout,
			"no response within %s", timeout)
	case <-ctx.Done():
		metrics.Commands.WithLabelValues("cancelled").Inc()
		return Result{}, ctx.Err()
	}
}

// Resolve delivers a response to the matching pending command. Responses
// with unknown or already-resolved requestIds are discarded: duplicate
// delivery is expected, first match wins.
func (c *Correlator) Resolve(requestID string, body map[string]any) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Msg("discarding response with unknown requestId")
		return
	}
	p.resultCh <- Result{RequestID: requestID, Body: body}
}

// FailAll fails every pending command immediately. The session manager
// calls this on disconnect so callers never wait out their timeouts during
// a reconnect storm.
func (c *Correlator) FailAll(cause error) {
	c.mu.Lock()
	failed := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range failed {
		close(p.resultCh)
	}
	if len(failed) > 0 {
		c.logger.Warn().Err(cause).Int("count", len(failed)).Msg("failed pending commands on disconnect")
	}
}

// PendingCount reports the number of in-flight commands.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}
