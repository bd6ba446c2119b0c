// Package gatewaytest provides deterministic AgentWorker and HistoryStore
// test doubles for driving internal/gateway's end-to-end scenarios without
// a real agent runtime or persistence layer.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kandev/agentgw/internal/approval"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/promptqueue"
	"github.com/kandev/agentgw/internal/stream"
)

// Step is one scripted action a Worker performs during a turn.
type Step struct {
	// Message, when non-nil, is written via turn.WriteMessage.
	Message *stream.Message
	// ApprovalRequests, when non-empty, is passed to turn.RequestApproval
	// and the result is recorded in the Worker's Results.
	ApprovalRequests []approval.Request
	// AutoApprove behaves like ApprovalRequests but calls
	// NotifyAutoApproved instead.
	AutoApprove []approval.Request
}

// Script is the sequence of steps a Worker runs for every prompt it
// receives, in order.
type Script []Step

// Worker is a scripted AgentWorker: it runs Script for each prompt,
// honoring the turn's pending-writes gate exactly like a real worker would.
type Worker struct {
	mu      sync.Mutex
	agents  []gateway.AgentDescriptor
	known   map[string]bool
	script  Script
	Results []approval.Result
	Turns   int

	// Ready, when non-nil, gates HandleTurn until closed — lets a test
	// subscribe every reader before the worker starts writing frames.
	Ready chan struct{}
}

// NewWorker builds a Worker that knows the given agent ids and runs script
// for every HandleTurn call.
func NewWorker(agentIDs []string, script Script) *Worker {
	known := make(map[string]bool, len(agentIDs))
	agents := make([]gateway.AgentDescriptor, 0, len(agentIDs))
	for _, id := range agentIDs {
		known[id] = true
		agents = append(agents, gateway.AgentDescriptor{ID: id, Name: id})
	}
	return &Worker{agents: agents, known: known, script: script}
}

func (w *Worker) GetAgents() []gateway.AgentDescriptor {
	return w.agents
}

func (w *Worker) ValidateAgent(agentID string) bool {
	return w.known[agentID]
}

// HandleTurn runs the Worker's script, wrapping every message write in the
// TryIncrementPending/DecrementPendingAndCheckComplete gate and finishing
// with a terminal IsComplete frame.
func (w *Worker) HandleTurn(ctx context.Context, prompt promptqueue.Prompt, turn gateway.TurnContext) {
	w.mu.Lock()
	w.Turns++
	ready := w.Ready
	w.mu.Unlock()

	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
	}

	idx := 0
	for _, step := range w.script {
		if step.Message != nil {
			if !turn.TryIncrementPending() {
				continue
			}
			msg := *step.Message
			msg.MessageIndex = idx
			idx++
			turn.WriteMessage(msg)
			turn.DecrementPendingAndCheckComplete()
		}
		if len(step.ApprovalRequests) > 0 {
			res := turn.RequestApproval(ctx, step.ApprovalRequests)
			w.mu.Lock()
			w.Results = append(w.Results, res)
			w.mu.Unlock()
		}
		if len(step.AutoApprove) > 0 {
			res := turn.NotifyAutoApproved(ctx, step.AutoApprove)
			w.mu.Lock()
			w.Results = append(w.Results, res)
			w.mu.Unlock()
		}
	}

	turn.TryIncrementPending()
	turn.WriteMessage(stream.Message{MessageIndex: idx, IsComplete: true})
	turn.DecrementPendingAndCheckComplete()
}

// Store is an in-memory HistoryStore double.
type Store struct {
	mu     sync.Mutex
	msgs   map[string][]gateway.HistoryMessage
	topics map[string]gateway.TopicMetadata
}

// NewStore builds an empty in-memory HistoryStore.
func NewStore() *Store {
	return &Store{
		msgs:   make(map[string][]gateway.HistoryMessage),
		topics: make(map[string]gateway.TopicMetadata),
	}
}

func (s *Store) GetMessages(key string) ([]gateway.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.HistoryMessage(nil), s.msgs[key]...), nil
}

func (s *Store) AddMessages(key string, messages []gateway.HistoryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[key] = append(s.msgs[key], messages...)
	return nil
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, key)
	return nil
}

func (s *Store) GetAllTopics(agentID, groupSlug string) ([]gateway.TopicMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.TopicMetadata
	for _, t := range s.topics {
		if t.AgentID != agentID {
			continue
		}
		if groupSlug != "" && t.GroupSlug != groupSlug {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) SaveTopic(topic gateway.TopicMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic.TopicID] = topic
	return nil
}

func (s *Store) DeleteTopic(agentID string, chatID int64, topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[topicID]
	if !ok {
		return fmt.Errorf("gatewaytest: unknown topic %s", topicID)
	}
	if t.AgentID != agentID || t.ChatID != chatID {
		return fmt.Errorf("gatewaytest: topic %s does not match agent/chat", topicID)
	}
	delete(s.topics, topicID)
	return nil
}
