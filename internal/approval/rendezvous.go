// Package approval implements the tool-approval rendezvous (C4): a
// single-shot synchronization point between an agent requesting permission
// to run a tool and a user granting or denying it.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/notify"
	"github.com/kandev/agentgw/internal/stream"
)

// ErrUnknownApproval is returned when an approval id is expired or never
// existed.
var ErrUnknownApproval = errors.New("approval: unknown approval id")

// Result is the outcome of an approval rendezvous.
type Result int

const (
	// Rejected is the zero value so a zero-initialized Result never reads
	// as silently approved.
	Rejected Result = iota
	Approved
	AutoApproved
)

func (r Result) String() string {
	switch r {
	case Approved:
		return "approved"
	case AutoApproved:
		return "auto_approved"
	default:
		return "rejected"
	}
}

// Request is one tool the agent wants permission to run.
type Request struct {
	ToolName  string
	Arguments map[string]interface{}
}

// Config exposes the approval timeout, defaulting to 2 minutes.
type Config struct {
	Timeout time.Duration
}

// DefaultConfig returns a 2-minute approval timeout.
func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Minute}
}

type pending struct {
	done      chan Result
	closeOnce sync.Once
	topicID   string
	cancel    context.CancelFunc
}

// resolve fills the result slot on the first call only and reports whether
// this call was that first one; every later call is a no-op, matching the
// single-shot promise a pending approval makes.
func (p *pending) resolve(result Result) bool {
	won := false
	p.closeOnce.Do(func() {
		p.done <- result
		close(p.done)
		won = true
	})
	return won
}

// Rendezvous holds the ApprovalID -> PendingApproval map.
type Rendezvous struct {
	mu       sync.Mutex
	pending  map[string]*pending
	requests map[string][]Request // ApprovalID -> requests, for GetPendingForTopic reconstruction
	byTopic  map[string]string    // TopicID -> ApprovalID of the most recently registered pending request

	broker   *stream.Broker
	notifier *notify.Notifier
	cfg      Config
	logger   *logger.Logger
}

// NewRendezvous creates a Rendezvous backed by broker (for writing
// ApprovalRequest frames) and notifier (for OnApprovalResolved).
func NewRendezvous(broker *stream.Broker, notifier *notify.Notifier, cfg Config, log *logger.Logger) *Rendezvous {
	if log == nil {
		log = logger.Default()
	}
	return &Rendezvous{
		pending:  make(map[string]*pending),
		requests: make(map[string][]Request),
		byTopic:  make(map[string]string),
		broker:   broker,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "approval_rendezvous")),
	}
}

// newApprovalID generates an 8-hex-char random id.
func newApprovalID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RequestApproval registers a pending approval for topicID, writes an
// ApprovalRequest frame into the owning stream so the UI can render the
// prompt, and suspends until Respond is called, ctx is cancelled (result
// Rejected), or the configured timeout elapses (result Rejected, with a
// timeout frame emitted via the notifier).
//
// Only the first request's ToolName/Arguments populate the wire frame;
// callers only ever pass a single request even though the signature
// accepts a slice.
func (r *Rendezvous) RequestApproval(ctx context.Context, topicID string, requests []Request) (Result, error) {
	if len(requests) == 0 {
		return Rejected, errors.New("approval: RequestApproval requires at least one request")
	}

	id, err := newApprovalID()
	if err != nil {
		return Rejected, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout())

	p := &pending{
		done:    make(chan Result, 1),
		topicID: topicID,
		cancel:  cancel,
	}

	r.mu.Lock()
	r.pending[id] = p
	r.requests[id] = requests
	r.byTopic[topicID] = id
	r.mu.Unlock()

	defer r.remove(id)
	defer cancel()

	if r.broker != nil {
		r.broker.WriteMessage(ctx, topicID, stream.Message{
			ApprovalRequest: &stream.ApprovalRequest{
				ApprovalID: id,
				ToolName:   requests[0].ToolName,
				Arguments:  requests[0].Arguments,
			},
		})
	}

	select {
	case result := <-p.done:
		return result, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return Rejected, nil
		}
		r.logger.Info("approval timed out", zap.String("approval_id", id), zap.String("topic_id", topicID))
		if r.notifier != nil {
			r.notifier.ApprovalResolved(topicID, id, Rejected.String(), "")
		}
		const timeoutText = "Approval request timed out."
		if r.broker != nil {
			r.broker.WriteMessage(ctx, topicID, stream.Message{
				UserMessage: timeoutText,
			})
		}
		if r.notifier != nil {
			r.notifier.UserMessage(topicID, timeoutText, "")
		}
		return Rejected, nil
	}
}

// Respond fills id's result slot if still pending. It returns false only
// if id is unknown; every call after the first winner still returns true
// and is a no-op, since resolution is idempotent.
func (r *Rendezvous) Respond(id string, result Result) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if p.resolve(result) && r.notifier != nil {
		r.notifier.ApprovalResolved(p.topicID, id, result.String(), "")
	}
	return true
}

// NotifyAutoApproved writes an informational frame into the stream without
// creating a PendingApproval, and always returns AutoApproved immediately.
func (r *Rendezvous) NotifyAutoApproved(ctx context.Context, topicID string, requests []Request) Result {
	if len(requests) > 0 {
		text := "Auto-approved: " + requests[0].ToolName
		if r.broker != nil {
			r.broker.WriteMessage(ctx, topicID, stream.Message{
				UserMessage: text,
			})
		}
		if r.notifier != nil {
			r.notifier.UserMessage(topicID, text, "")
		}
	}
	return AutoApproved
}

// IsApprovalPending reports whether id still has an outstanding waiter.
func (r *Rendezvous) IsApprovalPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// GetPendingForTopic returns the first request of the pending approval for
// topicID, if any, for reconnecting clients to reconstruct UI state.
func (r *Rendezvous) GetPendingForTopic(topicID string) (Request, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byTopic[topicID]
	if !ok {
		return Request{}, "", false
	}
	reqs, ok := r.requests[id]
	if !ok || len(reqs) == 0 {
		return Request{}, "", false
	}
	return reqs[0], id, true
}

// CancelAllForTopic resolves every pending approval for topicID with
// Rejected. Called by the gateway orchestrator's EndSession composition.
func (r *Rendezvous) CancelAllForTopic(topicID string) {
	r.mu.Lock()
	var ids []string
	for id, p := range r.pending {
		if p.topicID == topicID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Respond(id, Rejected)
	}
}

func (r *Rendezvous) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[id]; ok {
		if r.byTopic[p.topicID] == id {
			delete(r.byTopic, p.topicID)
		}
	}
	delete(r.pending, id)
	delete(r.requests, id)
}

func (r *Rendezvous) timeout() time.Duration {
	if r.cfg.Timeout <= 0 {
		return 2 * time.Minute
	}
	return r.cfg.Timeout
}
