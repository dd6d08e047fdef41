package publisher

import (
	"context"
	"errors"
	"sync"
)

// Message is one publication recorded by MemoryBroker.
type Message struct {
	Subject string
	Data    []byte
	MsgID   string
}

// MemoryBroker is an in-process broker for development and tests. It drops
// duplicate msg ids like JetStream does and can forward every accepted
// message to Deliver.
type MemoryBroker struct {
	mu      sync.Mutex
	msgs    []Message
	seen    map[string]bool
	failing error

	// Deliver, when set, receives every accepted message synchronously.
	Deliver func(ctx context.Context, m Message) error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{seen: make(map[string]bool)}
}

// Fail makes every subsequent Publish and Ping return err; nil restores it.
func (b *MemoryBroker) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = err
}

func (b *MemoryBroker) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.failing != nil {
		err := b.failing
		b.mu.Unlock()
		return err
	}
	if msgID != "" && b.seen[msgID] {
		b.mu.Unlock()
		return nil
	}
	b.seen[msgID] = true
	m := Message{Subject: subject, Data: append([]byte(nil), data...), MsgID: msgID}
	b.msgs = append(b.msgs, m)
	deliver := b.Deliver
	b.mu.Unlock()

	if deliver != nil {
		return deliver(ctx, m)
	}
	return nil
}

func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing != nil {
		return errors.Join(errors.New("memory broker unavailable"), b.failing)
	}
	return nil
}

// Messages returns a copy of everything accepted so far.
func (b *MemoryBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.msgs...)
}
