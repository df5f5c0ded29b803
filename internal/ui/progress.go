package ui

import (
	"sync"
	"time"
)

const (
	// speedInterval is the minimum gap between throughput samples.
	speedInterval = 500 * time.Millisecond
	// speedSmoothing weights a new sample against the running average.
	speedSmoothing = 0.2
)

// SpeedStats contains throughput in tasks per second.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// ProgressStats is a snapshot of the tracker.
type ProgressStats struct {
	Stage      Stage
	Current    int
	Total      int
	Progress   float64
	ETA        time.Duration
	Document   string
	ErrorCount int
	WarnCount  int
	Speed      SpeedStats
}

// ProgressTracker accumulates progress events for the TUI, which reads it
// on every tick. It is safe for concurrent use.
type ProgressTracker struct {
	mu         sync.RWMutex
	now        func() time.Time
	stage      Stage
	current    int
	total      int
	document   string
	stageStart time.Time
	errors     int
	warnings   int

	lastCurrent int
	lastSample  time.Time
	speed       SpeedStats
	samples     int
}

// NewProgressTracker creates a tracker in StageListing.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	start := now()
	return &ProgressTracker{now: now, stageStart: start, lastSample: start}
}

// Apply records an event. A new stage resets counters and throughput.
func (p *ProgressTracker) Apply(event ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if event.Stage != p.stage {
		p.stage = event.Stage
		p.stageStart = now
		p.lastCurrent = 0
		p.lastSample = now
		p.speed = SpeedStats{}
		p.samples = 0
	}
	p.current = event.Current
	p.total = event.Total
	if event.Document != "" {
		p.document = event.Document
	}

	elapsed := now.Sub(p.lastSample)
	if elapsed < speedInterval {
		return
	}
	if delta := p.current - p.lastCurrent; delta > 0 {
		rate := float64(delta) / elapsed.Seconds()
		p.speed.Current = rate
		p.samples++
		if p.samples == 1 {
			p.speed.Avg = rate
		} else {
			p.speed.Avg = speedSmoothing*rate + (1-speedSmoothing)*p.speed.Avg
		}
		if rate > p.speed.Peak {
			p.speed.Peak = rate
		}
	}
	p.lastCurrent = p.current
	p.lastSample = now
}

// AddError counts an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event.IsWarn {
		p.warnings++
	} else {
		p.errors++
	}
}

// Stats returns a snapshot.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := ProgressStats{
		Stage:      p.stage,
		Current:    p.current,
		Total:      p.total,
		Document:   p.document,
		ErrorCount: p.errors,
		WarnCount:  p.warnings,
		Speed:      p.speed,
	}
	if p.total > 0 {
		stats.Progress = min(float64(p.current)/float64(p.total), 1)
	}
	if stats.Progress > 0 && stats.Progress < 1 {
		elapsed := p.now().Sub(p.stageStart)
		stats.ETA = time.Duration(float64(elapsed)/stats.Progress) - elapsed
	}
	return stats
}
