// Package memory records published report summaries in memory.
package memory

import (
	"context"
	"strconv"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher stores messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records payload and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "memory-" + strconv.Itoa(len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
