package bus

import (
	"context"
	"fmt"
	"sync"
)

// Message is one delivery captured by the local sink.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
	Attrs   map[string]string
}

// LocalSink is an in-process Sink for tests and local development.
type LocalSink struct {
	mu   sync.Mutex
	msgs []Message
	// FailWith, when set, makes the next Publish calls fail.
	failWith error
}

func NewLocalSink() *LocalSink {
	return &LocalSink{}
}

// FailWith makes subsequent publishes fail with err; pass nil to recover.
func (s *LocalSink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *LocalSink) Publish(_ context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return "", s.failWith
	}
	m := Message{
		ID:      fmt.Sprintf("local-%d", len(s.msgs)+1),
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		Attrs:   attrs,
	}
	s.msgs = append(s.msgs, m)
	return m.ID, nil
}

// Messages returns a copy of everything published so far.
func (s *LocalSink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}
