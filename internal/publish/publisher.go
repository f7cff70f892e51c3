package publish

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"memdiag/internal/config"
	"memdiag/internal/diag"
	"memdiag/internal/logging"
)

// IssueSource is the slice of the manager facade the publisher needs.
type IssueSource interface {
	GetMemoryIssues() diag.IssueReport
}

// Publisher periodically pushes the derived issue list to a redis channel
// so fleet-level tooling can subscribe to diagnostics from many processes.
// Publishing is best effort: the first failure logs once and disables the
// publisher without touching the analyzers.
type Publisher struct {
	cfg    *config.PublishConfig
	logger *logging.Logger
	source IssueSource
	client *redis.Client

	mu       sync.Mutex
	disabled bool
	running  bool
	stopCh   chan struct{}
	done     chan struct{}
}

// NewPublisher creates a publisher. The redis connection is established
// lazily on first publish.
func NewPublisher(cfg *config.PublishConfig, source IssueSource, logger *logging.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		logger: logger.WithComponent("publish"),
		source: source,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Start launches the publish loop. A disabled config is a no-op.
func (p *Publisher) Start() {
	p.mu.Lock()
	if p.running || !p.cfg.Enabled {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	p.logger.Info("issue publisher started",
		"addr", p.cfg.Addr,
		"channel", p.cfg.Channel,
		"interval", p.cfg.Interval.String())

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				p.PublishOnce(context.Background())
			}
		}
	}()
}

// Stop halts the loop and closes the client. Idempotent.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		_ = p.client.Close()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		p.logger.Warn("issue publisher did not stop within join timeout")
	}
	_ = p.client.Close()
	p.logger.Info("issue publisher stopped")
}

// PublishOnce sends the current issue report. Returns whether a message
// was sent.
func (p *Publisher) PublishOnce(ctx context.Context) bool {
	p.mu.Lock()
	disabled := p.disabled
	p.mu.Unlock()
	if disabled {
		return false
	}

	report := p.source.GetMemoryIssues()
	payload, err := json.Marshal(report)
	if err != nil {
		p.logger.WithError(err).Error("failed to encode issue report")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.cfg.Channel, payload).Err(); err != nil {
		p.mu.Lock()
		p.disabled = true
		p.mu.Unlock()
		p.logger.WithError(err).Error("redis publish failed, publisher disabled")
		return false
	}
	return true
}

// Disabled reports whether the publisher shut itself off after a failure.
func (p *Publisher) Disabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled
}
