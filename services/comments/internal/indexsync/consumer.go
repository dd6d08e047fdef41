package indexsync

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/comment-tree/services/comments/internal/events"
)

// Durable is the JetStream consumer name shared by every indexer replica.
const Durable = "comment_indexer"

// Delivery is one broker message plus its acknowledgement hooks.
type Delivery struct {
	Subject string
	Data    []byte
	Ack     func() error
	Term    func() error
}

func fromNATS(m *nats.Msg) Delivery {
	return Delivery{
		Subject: m.Subject,
		Data:    m.Data,
		Ack:     func() error { return m.Ack() },
		Term:    func() error { return m.Term() },
	}
}

// Handler applies a batch of deliveries. Events and index requests for the
// same comment are applied in order, one at a time; different comments run
// concurrently.
type Handler struct {
	applier   *Applier
	reindexer *Reindexer
	syncer    *Syncer
	lanes     int
	log       *zap.Logger
}

func NewHandler(applier *Applier, reindexer *Reindexer, syncer *Syncer, lanes int, log *zap.Logger) *Handler {
	if lanes < 1 {
		lanes = 1
	}
	return &Handler{applier: applier, reindexer: reindexer, syncer: syncer, lanes: lanes, log: log.Named("consumer")}
}

type decoded struct {
	commentID string
	apply     func(ctx context.Context) error
	d         Delivery
}

// Handle acknowledges every delivery once its apply attempt finishes.
// Undecodable payloads are terminated so they are never redelivered.
func (h *Handler) Handle(ctx context.Context, ds []Delivery) {
	batch := make([]decoded, 0, len(ds))
	for _, d := range ds {
		switch d.Subject {
		case events.SubjectSyncRequested:
			h.handleSync(d)
		case events.SubjectIndexRequested:
			if x, ok := h.decodeIndexRequest(d); ok {
				batch = append(batch, x)
			}
		default:
			ev, err := events.Decode(d.Data)
			if err != nil {
				h.log.Warn("dropping undecodable event", zap.String("subject", d.Subject), zap.Error(err))
				h.settle(d.Term, d.Subject)
				continue
			}
			batch = append(batch, decoded{
				commentID: ev.CommentID,
				apply:     func(ctx context.Context) error { return h.applier.Apply(ctx, ev) },
				d:         d,
			})
		}
	}

	runLanes(ctx, h.lanes, batch,
		func(x decoded) string { return x.commentID },
		func(ctx context.Context, x decoded) {
			// failures are logged by the applier and repaired by the next sync;
			// an apply cut short by shutdown is left for redelivery
			if err := x.apply(ctx); err != nil && ctx.Err() != nil {
				return
			}
			h.settle(x.d.Ack, x.d.Subject)
		})
}

func (h *Handler) decodeIndexRequest(d Delivery) (decoded, bool) {
	req, err := events.DecodeIndexRequest(d.Data)
	if err != nil {
		h.log.Warn("dropping undecodable index request", zap.Error(err))
		h.settle(d.Term, d.Subject)
		return decoded{}, false
	}
	if h.reindexer == nil {
		h.log.Warn("index request ignored, no store configured", zap.String("request_id", req.ID))
		h.settle(d.Ack, d.Subject)
		return decoded{}, false
	}
	return decoded{
		commentID: req.CommentID,
		apply: func(ctx context.Context) error {
			err := h.reindexer.Reindex(ctx, req)
			if err != nil {
				h.log.Warn("index request failed",
					zap.String("request_id", req.ID),
					zap.String("comment_id", req.CommentID),
					zap.String("action", string(req.Action)),
					zap.Error(err))
			}
			return err
		},
		d: d,
	}, true
}

// HandleMessage applies a single in-process message.
func (h *Handler) HandleMessage(ctx context.Context, subject string, data []byte) error {
	nop := func() error { return nil }
	h.Handle(ctx, []Delivery{{Subject: subject, Data: data, Ack: nop, Term: nop}})
	return nil
}

func (h *Handler) handleSync(d Delivery) {
	req, err := events.DecodeSyncRequest(d.Data)
	if err != nil {
		h.log.Warn("dropping undecodable sync request", zap.Error(err))
		h.settle(d.Term, d.Subject)
		return
	}
	h.settle(d.Ack, d.Subject)
	if h.syncer == nil {
		return
	}
	if !h.syncer.Enqueue(req) {
		h.log.Info("sync request coalesced with pending run", zap.String("request_id", req.ID))
	}
}

func (h *Handler) settle(fn func() error, subject string) {
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		h.log.Warn("ack failed", zap.String("subject", subject), zap.Error(err))
	}
}

type ConsumerOptions struct {
	BatchSize int
	MaxWait   time.Duration
}

// Consumer pulls from the comment event stream and feeds Handler.
type Consumer struct {
	sub     *nats.Subscription
	handler *Handler
	opts    ConsumerOptions
	log     *zap.Logger
}

func NewConsumer(js nats.JetStreamContext, h *Handler, opts ConsumerOptions, log *zap.Logger) (*Consumer, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 2 * time.Second
	}
	sub, err := js.PullSubscribe(events.StreamSubjects, Durable,
		nats.BindStream(events.StreamName),
		nats.AckExplicit(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{sub: sub, handler: h, opts: opts, log: log.Named("consumer")}, nil
}

func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.sub.Drain() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := c.sub.Fetch(c.opts.BatchSize, nats.MaxWait(c.opts.MaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		ds := make([]Delivery, 0, len(msgs))
		for _, m := range msgs {
			ds = append(ds, fromNATS(m))
		}
		c.handler.Handle(ctx, ds)
	}
}
