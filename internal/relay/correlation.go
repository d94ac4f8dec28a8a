// ABOUTME: Correlation table matching asynchronous agent responses to waiting callers.
// ABOUTME: Guarantees exactly-once resolution per request via atomic remove-then-fulfill.

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gymline/relay-gateway/internal/metrics"
)

// Result is the single outcome of a pending command: either a raw result
// payload or an error, never both.
type Result struct {
	Value []byte
	Err   error
}

type pendingRequest struct {
	agentID string
	done    chan Result
	timer   *time.Timer
}

// Table tracks in-flight commands by request ID and enforces their deadlines.
// Resolve, Reject, FailAll and timer firings race freely; removal under the
// mutex is what makes resolution exactly-once.
type Table struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	logger  *slog.Logger
}

// NewTable creates an empty correlation table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		pending: make(map[string]*pendingRequest),
		logger:  logger,
	}
}

// Create allocates a request ID for a command addressed to agentID and arms a
// timer that fails the request with ErrTimeout after timeout. The returned
// channel receives exactly one Result.
func (t *Table) Create(agentID string, timeout time.Duration) (string, <-chan Result) {
	requestID := uuid.New().String()

	p := &pendingRequest{
		agentID: agentID,
		done:    make(chan Result, 1),
	}

	// Insert before arming the timer, both under the mutex. A timer armed
	// first could fire before the entry exists: the timeout would no-op and
	// the insert would then land an entry nothing ever expires. Holding the
	// mutex across the arming also keeps fulfill from observing a nil timer.
	t.mu.Lock()
	t.pending[requestID] = p
	p.timer = time.AfterFunc(timeout, func() {
		t.fulfill(requestID, Result{Err: ErrTimeout})
	})
	t.mu.Unlock()

	metrics.Get().PendingCommands.Inc()
	return requestID, p.done
}

// Resolve fulfills the request with a successful result. Unknown, already
// resolved, or timed-out request IDs are a silent no-op: the network may
// legitimately deliver stray or duplicate frames.
func (t *Table) Resolve(requestID string, result []byte) {
	if !t.fulfill(requestID, Result{Value: result}) {
		t.logger.Debug("response for unknown request dropped", "request_id", requestID)
	}
}

// Reject fulfills the request with a failure, with the same no-op discipline
// as Resolve.
func (t *Table) Reject(requestID string, err error) {
	if !t.fulfill(requestID, Result{Err: err}) {
		t.logger.Debug("rejection for unknown request dropped", "request_id", requestID)
	}
}

// FailAll rejects every pending request addressed to agentID. Used by the
// registry when a connection drops or is superseded so callers never wait out
// their full timeout against a dead channel.
func (t *Table) FailAll(agentID string, err error) {
	t.mu.Lock()
	var matched []*pendingRequest
	for id, p := range t.pending {
		if p.agentID == agentID {
			delete(t.pending, id)
			matched = append(matched, p)
		}
	}
	t.mu.Unlock()

	for _, p := range matched {
		p.timer.Stop()
		p.done <- Result{Err: err}
		metrics.Get().PendingCommands.Dec()
	}
	if len(matched) > 0 {
		t.logger.Debug("failed pending requests", "agent_id", agentID, "count", len(matched), "reason", err)
	}
}

// Len reports the number of currently pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// fulfill removes the entry and delivers the result. Returns false if the
// request was not pending (already resolved or never existed). A timer that
// fires after resolution lands here and no-ops.
func (t *Table) fulfill(requestID string, res Result) bool {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	p.timer.Stop()
	p.done <- res
	metrics.Get().PendingCommands.Dec()
	return true
}
