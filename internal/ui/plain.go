package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// plainSteps is how many progress lines a stage prints at most.
const plainSteps = 10

// PlainRenderer writes progress as plain lines, throttled to one line per
// tenth of the stage.
type PlainRenderer struct {
	mu       sync.Mutex
	out      io.Writer
	stage    Stage
	lastStep int
	failed   int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output, stage: -1, lastStep: -1}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Stage != r.stage {
		r.stage = event.Stage
		r.lastStep = -1
	}

	if event.Total <= 0 {
		if event.Message != "" {
			_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), event.Message)
		}
		return
	}

	step := event.Current * plainSteps / event.Total
	if step == r.lastStep && event.Current != event.Total {
		return
	}
	r.lastStep = step

	msg := event.Message
	if msg == "" {
		msg = event.Document
	}
	_, _ = fmt.Fprintf(r.out, "[%s] %d/%d %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := "WARN"
	if !event.IsWarn {
		prefix = "ERROR"
		r.failed++
	}
	if event.Document != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.Document, event.Err)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d task(s) committed, %d failed in %s",
		stats.Committed, stats.Failed, stats.Duration.Round(100*time.Millisecond))
	if len(stats.Roles) > 0 {
		_, _ = fmt.Fprintf(r.out, " (%s)", strings.Join(stats.Roles, ", "))
	}
	_, _ = fmt.Fprintln(r.out)
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

var _ Renderer = (*PlainRenderer)(nil)
