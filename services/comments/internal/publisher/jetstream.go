package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/comment-tree/internal/platform/natsconn"
	"github.com/example/comment-tree/services/comments/internal/events"
)

// StreamSpec is the JetStream stream carrying comment events. The
// duplicate window covers outbox re-publication after a crash between
// publish and the published_at update.
var StreamSpec = natsconn.StreamSpec{
	Name:       events.StreamName,
	Subjects:   []string{events.StreamSubjects},
	MaxAge:     7 * 24 * time.Hour,
	Duplicates: 10 * time.Minute,
}

// JetStreamBroker publishes to NATS JetStream and waits for the ack.
type JetStreamBroker struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewJetStreamBroker(nc *nats.Conn) (*JetStreamBroker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &JetStreamBroker{nc: nc, js: js}, nil
}

// EnsureStream creates or widens the comment event stream.
func (b *JetStreamBroker) EnsureStream() error {
	return natsconn.EnsureStream(b.js, StreamSpec)
}

func (b *JetStreamBroker) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	_, err := b.js.PublishMsg(msg, nats.MsgId(msgID), nats.Context(ctx))
	return err
}

func (b *JetStreamBroker) Ping(context.Context) error {
	if !b.nc.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}
