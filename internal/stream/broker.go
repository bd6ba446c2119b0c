// Package stream implements the stream broker (C3): for each topic with an
// in-progress agent response it owns a replay buffer, a fan-out to
// concurrent live subscribers, a pending-writes counter, and a
// cancellation token, tearing the state down deterministically on
// completion, cancellation, or session end. This is the dense heart of the
// gateway core.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/pkg/acp/protocol"
)

// ToolCall mirrors protocol.ToolCall for the domain-level StreamMessage.
type ToolCall struct {
	ToolName string
	Args     map[string]interface{}
	Status   string
	Result   string
}

// ApprovalRequest is the payload an approval rendezvous writes into the
// owning stream so the UI can render the prompt. It duplicates the handful
// of fields approval.Request needs on the wire, rather than importing the
// approval package, so that approval can depend on stream without a cycle.
type ApprovalRequest struct {
	ApprovalID string
	ToolName   string
	Arguments  map[string]interface{}
}

// Error is an agent-surfaced failure, carried as the terminal frame's
// payload.
type Error struct {
	Message string
	Details string
}

// Message is the domain-level StreamMessage: a tagged record where
// normally at most one of the optional fields is populated.
// SequenceNumber is assigned by the broker at write time.
type Message struct {
	Content         string
	Reasoning       string
	ToolCalls       []ToolCall
	ApprovalRequest *ApprovalRequest
	UserMessage     string
	Error           *Error

	MessageIndex   int
	SequenceNumber int
	IsComplete     bool
}

// State is the atomic snapshot returned by GetStreamState.
type State struct {
	IsProcessing     bool
	BufferedMessages []Message
	LastIndex        int
	LastSequence     int
}

// Config exposes buffer size and grace window as configuration rather
// than fixed constants.
type Config struct {
	BufferSize      int
	SubscriberQueue int
	GraceWindow     time.Duration
}

// DefaultConfig returns sensible defaults (100-entry buffer, 5-second
// grace window).
func DefaultConfig() Config {
	return Config{
		BufferSize:      100,
		SubscriberQueue: 256,
		GraceWindow:     5 * time.Second,
	}
}

type subscriber struct {
	ch        chan Message
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// send performs a non-blocking enqueue. Terminal frames get a brief
// fallback spin so a transiently full queue does not silently drop the
// end-of-stream marker.
func (s *subscriber) send(msg Message) {
	select {
	case s.ch <- msg:
		return
	default:
	}
	if !msg.IsComplete {
		return
	}
	for i := 0; i < 3; i++ {
		select {
		case s.ch <- msg:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

type topicStream struct {
	mu sync.Mutex

	buffer          []Message
	pendingWrites   int
	isProcessing    bool
	terminalWritten bool
	seqCounter      int
	lastSequence    int
	msgIndex        int

	subscribers map[*subscriber]struct{}

	cancel context.CancelFunc
	ctx    context.Context

	graceTimer *time.Timer
}

// Broker owns one topicStream per topic with an active or recently
// completed response.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topicStream
	cfg    Config
	logger *logger.Logger
}

// NewBroker creates a Broker with the given configuration.
func NewBroker(cfg Config, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Default()
	}
	return &Broker{
		topics: make(map[string]*topicStream),
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "stream_broker")),
	}
}

// CreateStream creates Active state for topicID if none exists, or returns
// the existing handle with isNew=false if a stream is already in flight —
// the broker does not guarantee per-topic prompt ordering across
// concurrent CreateStream calls.
func (b *Broker) CreateStream(topicID string) (isNew bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ts, ok := b.topics[topicID]; ok {
		ts.mu.Lock()
		active := ts.isProcessing
		ts.mu.Unlock()
		if active {
			return false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.topics[topicID] = &topicStream{
		isProcessing: true,
		subscribers:  make(map[*subscriber]struct{}),
		cancel:       cancel,
		ctx:          ctx,
	}
	return true
}

// Subscribe adds a bounded queue to topicID's subscriber set and returns a
// channel yielding messages emitted from now onward. It returns ok=false if
// no stream exists. The subscriber's effective lifetime is the shorter of
// ctx, the stream's own cancellation, and stream completion.
func (b *Broker) Subscribe(ctx context.Context, topicID string) (<-chan Message, bool) {
	b.mu.Lock()
	ts, ok := b.topics[topicID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}

	sub := &subscriber{ch: make(chan Message, b.subscriberQueueSize())}

	ts.mu.Lock()
	if !ts.isProcessing {
		ts.mu.Unlock()
		// Completing stream: caller sees an already-ended sequence but can
		// still read GetStreamState.
		ch := make(chan Message)
		close(ch)
		return ch, true
	}
	ts.subscribers[sub] = struct{}{}
	topicDone := ts.ctx.Done()
	ts.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-topicDone:
		}
		ts.mu.Lock()
		delete(ts.subscribers, sub)
		ts.mu.Unlock()
		sub.close()
	}()

	return sub.ch, true
}

func (b *Broker) subscriberQueueSize() int {
	if b.cfg.SubscriberQueue <= 0 {
		return 256
	}
	return b.cfg.SubscriberQueue
}

func (b *Broker) bufferSize() int {
	if b.cfg.BufferSize <= 0 {
		return 100
	}
	return b.cfg.BufferSize
}

// GetStreamState returns an atomic snapshot of topicID's state, or
// ok=false if no state exists.
func (b *Broker) GetStreamState(topicID string) (State, bool) {
	b.mu.Lock()
	ts, ok := b.topics[topicID]
	b.mu.Unlock()
	if !ok {
		return State{}, false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	buffered := make([]Message, len(ts.buffer))
	copy(buffered, ts.buffer)

	return State{
		IsProcessing:     ts.isProcessing,
		BufferedMessages: buffered,
		LastIndex:        ts.msgIndex,
		LastSequence:     ts.lastSequence,
	}, true
}

// WriteMessage assigns msg.SequenceNumber, appends it to the replay
// buffer (evicting the oldest entry past capacity), and fans it out
// non-blockingly to every subscriber. A write after CancelStream or
// CompleteStream is a silent no-op, reported by a returned sequence number
// of 0.
func (b *Broker) WriteMessage(ctx context.Context, topicID string, msg Message) (sequenceNumber int) {
	b.mu.Lock()
	ts, ok := b.topics[topicID]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	select {
	case <-ts.ctx.Done():
		return 0
	default:
	}
	select {
	case <-ctx.Done():
		return 0
	default:
	}

	ts.mu.Lock()
	if !ts.isProcessing {
		ts.mu.Unlock()
		return 0
	}

	ts.seqCounter++
	msg.SequenceNumber = ts.seqCounter
	ts.lastSequence = ts.seqCounter
	ts.msgIndex++
	msg.MessageIndex = ts.msgIndex

	ts.buffer = append(ts.buffer, msg)
	if over := len(ts.buffer) - b.bufferSize(); over > 0 {
		ts.buffer = ts.buffer[over:]
	}

	subs := make([]*subscriber, 0, len(ts.subscribers))
	for s := range ts.subscribers {
		subs = append(subs, s)
	}

	if msg.IsComplete {
		ts.terminalWritten = true
	}
	shouldComplete := ts.terminalWritten && ts.pendingWrites == 0
	ts.mu.Unlock()

	for _, s := range subs {
		s.send(msg)
	}

	if shouldComplete {
		b.CompleteStream(topicID)
	}
	return msg.SequenceNumber
}

// TryIncrementPending increments topicID's pending-write counter. The
// agent calls this before each async emission. Returns false if no stream
// exists or the stream is no longer processing.
func (b *Broker) TryIncrementPending(topicID string) bool {
	b.mu.Lock()
	ts, ok := b.topics[topicID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.isProcessing {
		return false
	}
	ts.pendingWrites++
	return true
}

// DecrementPendingAndCheckComplete decrements the pending-write counter
// and reports whether it hit zero with a terminal message already
// written; the caller must then call CompleteStream.
func (b *Broker) DecrementPendingAndCheckComplete(topicID string) bool {
	b.mu.Lock()
	ts, ok := b.topics[topicID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	ts.mu.Lock()
	if ts.pendingWrites > 0 {
		ts.pendingWrites--
	}
	ready := ts.terminalWritten && ts.pendingWrites == 0 && ts.isProcessing
	ts.mu.Unlock()

	return ready
}

// CompleteStream marks the stream no longer processing, closes every
// subscriber queue, and schedules state removal after the configured
// grace window so a client subscribing milliseconds later can still read
// the final buffer via GetStreamState.
func (b *Broker) CompleteStream(topicID string) {
	b.mu.Lock()
	ts, ok := b.topics[topicID]
	b.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	if !ts.isProcessing {
		ts.mu.Unlock()
		return
	}
	ts.isProcessing = false
	subs := make([]*subscriber, 0, len(ts.subscribers))
	for s := range ts.subscribers {
		subs = append(subs, s)
	}
	ts.subscribers = make(map[*subscriber]struct{})
	grace := b.cfg.GraceWindow
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ts.graceTimer = time.AfterFunc(grace, func() {
		b.removeIfStillComplete(topicID, ts)
	})
	ts.mu.Unlock()

	for _, s := range subs {
		s.close()
	}

	b.logger.Debug("stream completed, grace window started",
		zap.String("topic_id", topicID))
}

func (b *Broker) removeIfStillComplete(topicID string, ts *topicStream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.topics[topicID]; ok && current == ts {
		delete(b.topics, topicID)
	}
}

// CancelStream fires the topic's cancellation token, closes every
// subscriber queue, and removes state immediately.
func (b *Broker) CancelStream(topicID string) {
	b.mu.Lock()
	ts, ok := b.topics[topicID]
	if ok {
		delete(b.topics, topicID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	ts.isProcessing = false
	if ts.graceTimer != nil {
		ts.graceTimer.Stop()
	}
	subs := make([]*subscriber, 0, len(ts.subscribers))
	for s := range ts.subscribers {
		subs = append(subs, s)
	}
	ts.subscribers = make(map[*subscriber]struct{})
	ts.mu.Unlock()

	ts.cancel()
	for _, s := range subs {
		s.close()
	}
}

// Done returns a channel closed when topicID's cancellation token fires,
// so the AgentWorker can pass it into a model call. It returns nil if no
// stream exists.
func (b *Broker) Done(topicID string) <-chan struct{} {
	b.mu.Lock()
	ts, ok := b.topics[topicID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return ts.ctx.Done()
}
