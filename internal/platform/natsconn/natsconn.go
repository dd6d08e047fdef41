// Package natsconn provides the shared NATS connection factory and the
// JetStream stream bootstrap used by publishers and consumers.
package natsconn

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
)

// Options configures the NATS connection behaviour.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 5
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	return o
}

// Connect establishes a NATS connection with the configured retry policy.
// A failed initial connect is returned so the caller can fail fast.
func Connect(opts Options) (*nats.Conn, error) {
	opts = opts.withDefaults()

	natsOpts := []nats.Option{
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(false),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			opts.URL, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}

// StreamSpec describes a JetStream stream owned by a service.
type StreamSpec struct {
	Name       string
	Subjects   []string
	MaxAge     time.Duration
	Duplicates time.Duration
}

// EnsureStream creates the stream, or widens an existing one so it
// captures every subject in spec.
func EnsureStream(js nats.JetStreamManager, spec StreamSpec) error {
	info, err := js.StreamInfo(spec.Name)
	if err == nil {
		missing := false
		for _, s := range spec.Subjects {
			if !slices.Contains(info.Config.Subjects, s) {
				missing = true
				break
			}
		}
		if !missing {
			return nil
		}
		cfg := info.Config
		cfg.Subjects = spec.Subjects
		_, err = js.UpdateStream(&cfg)
		return err
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       spec.Name,
		Subjects:   spec.Subjects,
		Storage:    nats.FileStorage,
		MaxAge:     spec.MaxAge,
		Duplicates: spec.Duplicates,
	})
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	return err
}
