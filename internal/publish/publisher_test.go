package publish

import (
	"context"
	"testing"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/diag"
	"memdiag/internal/logging"
)

type staticSource struct {
	report diag.IssueReport
}

func (s *staticSource) GetMemoryIssues() diag.IssueReport {
	return s.report
}

func testLogger() *logging.Logger {
	return logging.NewLogger(&config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
}

func TestPublisherDisabledConfigIsNoop(t *testing.T) {
	cfg := &config.PublishConfig{
		Enabled:  false,
		Addr:     "localhost:1", // never dialed
		Channel:  "memdiag:issues",
		Interval: time.Second,
	}
	p := NewPublisher(cfg, &staticSource{}, testLogger())

	p.Start()
	p.Stop()
	p.Stop()
}

func TestPublisherDisablesItselfOnFailure(t *testing.T) {
	cfg := &config.PublishConfig{
		Enabled:  true,
		Addr:     "localhost:1", // nothing listening
		Channel:  "memdiag:issues",
		Interval: time.Hour,
	}
	p := NewPublisher(cfg, &staticSource{report: diag.IssueReport{Timestamp: time.Now()}}, testLogger())
	defer p.Stop()

	if ok := p.PublishOnce(context.Background()); ok {
		t.Fatal("expected publish to fail against closed port")
	}
	if !p.Disabled() {
		t.Error("expected publisher disabled after failure")
	}
	if ok := p.PublishOnce(context.Background()); ok {
		t.Error("expected disabled publisher to stay off")
	}
}
