package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream holding binding events.
const StreamName = "QRSEAL_BINDINGS"

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	// Issue events for the same document within dedupWindow are dropped.
	dedup map[string]time.Time
	mutex sync.Mutex
}

const dedupWindow = 2 * time.Minute

// NewNATS connects to url and ensures the binding stream exists.
func NewNATS(url string) (Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("qrseald"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := initStream(js); err != nil {
		nc.Close()
		return nil, err
	}
	return &natsPub{nc: nc, js: js, dedup: make(map[string]time.Time)}, nil
}

// NewPublisher returns a NATS publisher for url, or a Noop publisher when
// url is empty or the connection fails.
func NewPublisher(url string, logger *slog.Logger) Publisher {
	if url == "" {
		return Noop{}
	}
	p, err := NewNATS(url)
	if err != nil {
		logger.Warn("NATS unavailable, using noop publisher", "error", err)
		return Noop{}
	}
	return p
}

func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"qrseal.binding.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// seen reports whether key was published within the dedup window and
// otherwise marks it as published now.
func (p *natsPub) seen(key string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	for k, t := range p.dedup {
		if now.Sub(t) > 2*dedupWindow {
			delete(p.dedup, k)
		}
	}
	if last, ok := p.dedup[key]; ok && now.Sub(last) < dedupWindow {
		return true
	}
	p.dedup[key] = now
	return false
}

func (p *natsPub) publish(ctx context.Context, typ string, payload interface{}) error {
	env, b, err := marshal(ctx, typ, payload)
	if err != nil {
		return err
	}
	// The envelope id doubles as the JetStream message id.
	_, err = p.js.Publish(typ, b, nats.Context(ctx), nats.MsgId(env.ID))
	return err
}

func (p *natsPub) PublishBindingIssued(ctx context.Context, ev BindingIssued) error {
	if p.seen(ev.DocumentID) {
		return nil
	}
	return p.publish(ctx, TypeBindingIssued, ev)
}

func (p *natsPub) PublishBindingVerified(ctx context.Context, ev BindingVerified) error {
	return p.publish(ctx, TypeBindingVerified, ev)
}
