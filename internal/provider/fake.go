package provider

import (
	"context"
	"sync"
	"time"
)

// FakeProvider scripts resource usage for tests. Each call to Snapshot
// evaluates the profile function against the elapsed time since the first
// call, so pollers at any interval observe the same shape.
type FakeProvider struct {
	mu      sync.Mutex
	start   time.Time
	profile func(elapsed time.Duration) Usage
}

// NewFakeProvider creates a fake provider driven by a usage profile.
func NewFakeProvider(profile func(elapsed time.Duration) Usage) *FakeProvider {
	return &FakeProvider{profile: profile}
}

// NewStaticProvider creates a fake provider that always reports the same
// process size.
func NewStaticProvider(processBytes uint64) *FakeProvider {
	return NewFakeProvider(func(time.Duration) Usage {
		return Usage{ProcessBytes: processBytes}
	})
}

// NewRampProvider builds a profile ramping from base to peak over rampUp,
// then back down to base over the following rampUp period. Useful for
// driving the pressure analyzer through a full normal-pressure-normal cycle.
func NewRampProvider(baseBytes, peakBytes uint64, rampUp time.Duration) *FakeProvider {
	return NewFakeProvider(func(elapsed time.Duration) Usage {
		var current uint64
		switch {
		case elapsed <= 0:
			current = baseBytes
		case elapsed < rampUp:
			frac := float64(elapsed) / float64(rampUp)
			current = baseBytes + uint64(frac*float64(peakBytes-baseBytes))
		case elapsed < 2*rampUp:
			frac := float64(elapsed-rampUp) / float64(rampUp)
			current = peakBytes - uint64(frac*float64(peakBytes-baseBytes))
		default:
			current = baseBytes
		}
		return Usage{ProcessBytes: current}
	})
}

// Snapshot evaluates the scripted profile. It never fails.
func (f *FakeProvider) Snapshot(ctx context.Context) (Usage, error) {
	f.mu.Lock()
	if f.start.IsZero() {
		f.start = time.Now()
	}
	elapsed := time.Since(f.start)
	profile := f.profile
	f.mu.Unlock()

	u := profile(elapsed)
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	return u, nil
}

// Reset restarts the profile clock.
func (f *FakeProvider) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.start = time.Time{}
}
