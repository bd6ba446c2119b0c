// Package session implements the session registry (C1): the mapping from a
// transport-facing topic to the agent/chat/thread triple it belongs to, and
// the reverse chat-to-topic index used to route incoming transport events
// back to an existing topic.
package session

import (
	"errors"
	"sync"
)

// ErrUnknownSession is returned when a lookup finds no session for a topic.
var ErrUnknownSession = errors.New("session: unknown topic")

// ErrUnknownAgent is returned by StartSession when the agent id is not
// recognized by the configured AgentValidator.
var ErrUnknownAgent = errors.New("session: unknown agent")

// Session is the immutable record bound to a TopicID.
type Session struct {
	TopicID   string
	AgentID   string
	ChatID    int64
	ThreadID  int64
	GroupSlug string
}

// AgentValidator reports whether an agent id is known to the gateway. It is
// satisfied by whatever component owns the set of configured agents; the
// registry does not assume anything beyond this single method.
type AgentValidator interface {
	IsRegistered(agentID string) bool
}

// Registry holds two indexes: topic to session and chat to topic. Both
// indexes are guarded by a single lock; a failure to update one rolls back
// the other, so readers never observe a torn state.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]Session // TopicID -> Session
	byChatID  map[int64]string   // ChatID -> TopicID (bare ChatID, see DESIGN.md)
	validator AgentValidator
}

// NewRegistry creates an empty Registry. validator may be nil, in which case
// every agent id is accepted (used by tests and by transports that validate
// agents upstream).
func NewRegistry(validator AgentValidator) *Registry {
	return &Registry{
		sessions:  make(map[string]Session),
		byChatID:  make(map[int64]string),
		validator: validator,
	}
}

// StartSession inserts (topicId -> Session) and (chatId -> topicId).
// Re-inserting an identical triple is a no-op that still returns true.
// Fails only if the agent id is not recognized.
func (r *Registry) StartSession(topicID, agentID string, chatID, threadID int64, groupSlug string) (bool, error) {
	if r.validator != nil && !r.validator.IsRegistered(agentID) {
		return false, ErrUnknownAgent
	}

	sess := Session{
		TopicID:   topicID,
		AgentID:   agentID,
		ChatID:    chatID,
		ThreadID:  threadID,
		GroupSlug: groupSlug,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[topicID]; ok && existing == sess {
		return true, nil
	}

	// A prior chatID entry pointing at a different topic is overwritten
	// last-writer-wins: GetTopicIDByChatID takes only a chatID, so only one
	// topic can be addressable per chat at a time.
	r.sessions[topicID] = sess
	r.byChatID[chatID] = topicID

	return true, nil
}

// TryGetSession returns the session bound to topicID, if any.
func (r *Registry) TryGetSession(topicID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[topicID]
	return sess, ok
}

// GetTopicIDByChatID resolves the topic currently bound to chatID.
func (r *Registry) GetTopicIDByChatID(chatID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topicID, ok := r.byChatID[chatID]
	return topicID, ok
}

// EndSession removes both indexes for topicID. It is a no-op if the topic
// is not known. Stream cleanup and approval cancellation are the caller's
// responsibility (see internal/gateway, which composes this with C3/C4 to
// resolve the registry/broker teardown order).
func (r *Registry) EndSession(topicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[topicID]
	if !ok {
		return
	}
	delete(r.sessions, topicID)
	if r.byChatID[sess.ChatID] == topicID {
		delete(r.byChatID, sess.ChatID)
	}
}

// Len returns the number of active sessions, for diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
