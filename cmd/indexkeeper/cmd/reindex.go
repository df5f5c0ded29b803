package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexkeeper/internal/content"
	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/output"
	"github.com/Aman-CERP/indexkeeper/internal/reindex"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
	"github.com/Aman-CERP/indexkeeper/internal/ui"
	"github.com/Aman-CERP/indexkeeper/internal/watcher"
)

// stopTimeout bounds how long a command waits for queued batches on exit.
const stopTimeout = 2 * time.Minute

// newScheduler wires the content source, bulk worker and scheduler from
// config. The scheduler is not started.
func (a *app) newScheduler(reg prometheus.Registerer, listener func(reindex.Outcome)) (*reindex.Scheduler, *content.DirSource, error) {
	cfg := a.cfg
	source := content.NewDirSource(cfg.Content.Dir, cfg.Content.Extension)

	interval, timeout := cfg.Breaker.Durations()
	worker, err := reindex.NewWorker(reindex.WorkerOptions{
		Store:        a.store,
		Content:      source,
		Resolver:     a.registry,
		Journal:      a.catalog,
		ReindexOnly:  cfg.Reindex.ReindexOnly,
		BatchTimeout: cfg.Reindex.BatchTimeoutDuration(),
		Breaker: reindex.BreakerConfig{
			MaxRequests:  cfg.Breaker.MaxRequests,
			Interval:     interval,
			Timeout:      timeout,
			FailureRatio: cfg.Breaker.FailureRatio,
			MinRequests:  cfg.Breaker.MinRequests,
		},
		Logger: a.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	initial, maxBackoff := cfg.Reindex.Backoff()
	sched, err := reindex.NewScheduler(reindex.Options{
		Executor:       worker,
		BatchSize:      cfg.Reindex.BatchSize,
		FlushInterval:  cfg.Reindex.FlushIntervalDuration(),
		QueueLimit:     cfg.Reindex.QueueLimit,
		EnqueueWait:    cfg.Reindex.EnqueueWaitDuration(),
		Workers:        cfg.Reindex.Workers,
		MaxAttempts:    cfg.Reindex.MaxAttempts,
		InitialBackoff: initial,
		MaxBackoff:     maxBackoff,
		HistorySize:    cfg.Reindex.HistorySize,
		Listener:       listener,
		Metrics:        reindex.NewMetrics(reg),
		Logger:         a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return sched, source, nil
}

// outcomeTally counts terminal outcomes reported by the scheduler and
// forwards each one to onOutcome.
type outcomeTally struct {
	mu        sync.Mutex
	done      int
	committed int
	failed    map[string]error
	onOutcome func(done int, o reindex.Outcome)
}

func newOutcomeTally() *outcomeTally {
	return &outcomeTally{failed: make(map[string]error)}
}

func (t *outcomeTally) record(o reindex.Outcome) {
	t.mu.Lock()
	key := string(o.Role) + "/" + o.ID
	switch o.State {
	case reindex.StateCommitted:
		t.committed++
		delete(t.failed, key)
	case reindex.StateFailed:
		t.failed[key] = o.Err
	default:
		t.mu.Unlock()
		return
	}
	t.done++
	done, hook := t.done, t.onOutcome
	t.mu.Unlock()

	if hook != nil {
		hook(done, o)
	}
}

func (t *outcomeTally) counts() (committed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed, len(t.failed)
}

// report lists failed tasks and returns an error when there are any.
func (t *outcomeTally) report(out *output.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.failed))
	for k := range t.failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out.Errorf("%d task(s) failed", len(keys))
	for i, k := range keys {
		if i == 10 {
			out.Statusf("", "... and %d more", len(keys)-i)
			break
		}
		out.Statusf("", "%s: %v", k, t.failed[k])
	}
	return fmt.Errorf("%d reindex task(s) failed", len(keys))
}

func newReindexCmd() *cobra.Command {
	var (
		roleNames []string
		action    string
		all       bool
		plain     bool
	)

	cmd := &cobra.Command{
		Use:   "reindex [document-id...]",
		Short: "Reindex documents from the content directory",
		Long: `Reindex documents into the indices holding the given roles and wait for
the batches to finish.

Documents are read from content.dir; a document's identifier is its path
relative to that directory without the extension. ADAPTIVE (the default)
upserts documents that exist and removes those that do not.`,
		Example: `  # Reindex two documents into WORKING
  indexkeeper reindex blog/intro blog/outro

  # Rebuild LIVE and WORKING from every document on disk
  indexkeeper reindex --all --role LIVE --role WORKING

  # Remove a document from LIVE
  indexkeeper reindex old/page --action REMOVE --role LIVE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return kerrors.ValidationError("give document identifiers or --all, not both", nil)
			}
			act, err := reindex.ParseAction(action)
			if err != nil {
				return err
			}
			targets, err := parseRoles(roleNames)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			return withApp(ctx, func(a *app) error {
				if len(roleNames) == 0 {
					if targets, err = parseRoles(a.cfg.Content.Roles); err != nil {
						return err
					}
				}
				tally := newOutcomeTally()
				sched, source, err := a.newScheduler(nil, tally.record)
				if err != nil {
					return err
				}

				renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
					ui.WithForcePlain(plain),
					ui.WithNoColor(ui.DetectNoColor()),
					ui.WithTitle("indexkeeper reindex • "+joinRoles(targets)),
					ui.WithInterrupt(cancel),
				))
				if err := renderer.Start(ctx); err != nil {
					return err
				}
				defer func() { _ = renderer.Stop() }()
				start := time.Now()

				ids := args
				if all {
					renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageListing, Message: "listing " + source.Dir()})
					if ids, err = source.List(ctx); err != nil {
						return err
					}
				}
				ids = dedupe(ids)

				total := len(ids) * len(targets)
				renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageIndexing, Total: total})
				tally.onOutcome = func(done int, o reindex.Outcome) {
					renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageIndexing, Current: done, Total: total, Document: o.ID})
					if o.State == reindex.StateFailed {
						renderer.AddError(ui.ErrorEvent{Document: string(o.Role) + "/" + o.ID, Err: o.Err})
					}
				}

				if err := sched.Start(ctx); err != nil {
					return err
				}
				enqueueErr := enqueueAll(ctx, sched, ids, act, targets)

				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				stopErr := sched.Stop(stopCtx)

				committed, failed := tally.counts()
				renderer.Complete(ui.CompletionStats{
					Committed: committed,
					Failed:    failed,
					Duration:  time.Since(start),
					Roles:     roleNamesOf(targets),
				})
				_ = renderer.Stop()

				if enqueueErr != nil {
					return enqueueErr
				}
				if stopErr != nil {
					return fmt.Errorf("reindex interrupted: %w", stopErr)
				}
				return tally.report(output.NewAuto(cmd.OutOrStdout()))
			})
		},
	}

	cmd.Flags().StringSliceVar(&roleNames, "role", nil, "Target role, repeatable (default content.roles)")
	cmd.Flags().StringVar(&action, "action", string(reindex.ActionAdaptive), "ADD, REMOVE or ADAPTIVE")
	cmd.Flags().BoolVar(&all, "all", false, "Reindex every document in the content directory")
	cmd.Flags().BoolVar(&plain, "plain", false, "Plain progress lines even on a terminal")
	return cmd
}

// enqueueAll submits one task per identifier and role, waiting out queue
// saturation while workers drain the buffer.
func enqueueAll(ctx context.Context, sched *reindex.Scheduler, ids []string, act reindex.Action, targets []roles.Role) error {
	retry := kerrors.EnqueueRetryConfig(10)
	for _, id := range ids {
		for _, role := range targets {
			task := reindex.Task{ID: id, Action: act, Role: role}
			if err := kerrors.Retry(ctx, retry, func() error { return sched.Enqueue(ctx, task) }); err != nil {
				return err
			}
		}
	}
	return nil
}

func newWatchCmd() *cobra.Command {
	var (
		roleNames   []string
		metricsAddr string
		resync      bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reindex documents as files in the content directory change",
		Long: `Watch content.dir and enqueue an ADAPTIVE reindex task for every changed
document until interrupted. Deleting a file removes the document from the
index. With --metrics-addr, Prometheus metrics are served at /metrics.`,
		Example: `  indexkeeper watch
  indexkeeper watch --resync --metrics-addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, func(a *app) error {
				if len(roleNames) == 0 {
					roleNames = a.cfg.Content.Roles
				}
				targets, err := parseRoles(roleNames)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(a.cfg.Content.Dir, 0o755); err != nil {
					return fmt.Errorf("failed to create content directory: %w", err)
				}

				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				tally := newOutcomeTally()
				sched, source, err := a.newScheduler(reg, tally.record)
				if err != nil {
					return err
				}

				debounce, poll := a.cfg.Content.WatchDurations()
				w, err := watcher.New(watcher.Options{
					DebounceWindow: debounce,
					PollInterval:   poll,
					Extension:      a.cfg.Content.Extension,
					ForcePolling:   a.cfg.Content.ForcePolling,
					Logger:         a.logger,
				})
				if err != nil {
					return err
				}
				feed, err := content.NewFeed(content.FeedOptions{
					Source:  source,
					Events:  w,
					Enqueue: sched,
					Roles:   targets,
					Logger:  a.logger,
				})
				if err != nil {
					return err
				}

				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
					defer cancel()
					_ = sched.Stop(stopCtx)
				}()

				if metricsAddr != "" {
					srv := serveMetrics(metricsAddr, reg, a.logger)
					defer func() {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = srv.Shutdown(shutdownCtx)
					}()
				}

				out := output.NewAuto(cmd.OutOrStdout())
				if resync {
					n, err := feed.Resync(ctx)
					if err != nil {
						return err
					}
					out.Statusf(">", "Queued %d task(s) for existing documents", n)
				}
				out.Statusf(">", "Watching %s (%s, roles %s)", source.Dir(), w.WatcherType(), joinRoles(targets))

				if err := feed.Run(ctx); err != nil {
					return err
				}
				fed, dropped := feed.Stats()
				committed, failed := tally.counts()
				out.Statusf("", "Stopped: %d task(s) queued, %d not accepted, %d committed, %d failed",
					fed, dropped, committed, failed)
				if n := w.DroppedBatches(); n > 0 {
					out.Warningf("%d watcher event batch(es) dropped; run with --resync to catch up", n)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&roleNames, "role", nil, "Target role, repeatable (default content.roles)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&resync, "resync", false, "Reindex every existing document before watching")
	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics_server_started", slog.String("addr", addr))
	return srv
}

func newJournalCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal [document-id]",
		Short: "Show committed reindex tasks",
		Long: `Show the reindex journal: committed tasks with their batch and target
index, oldest first. Without an identifier the most recent entries are
shown. Nothing is journaled when reindex.reindex_only is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd.Context(), func(a *app) error {
				entries, err := a.catalog.Journal(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				out := output.NewAuto(cmd.OutOrStdout())
				if len(entries) == 0 {
					out.Status("", "Journal is empty")
					return nil
				}
				rows := make([][]string, len(entries))
				for i, e := range entries {
					rows[i] = []string{
						e.CommittedAt.Local().Format("2006-01-02 15:04:05"),
						e.Identifier, e.Action, e.Role, e.Index, e.BatchID,
					}
				}
				out.Table([]string{"COMMITTED", "DOCUMENT", "ACTION", "ROLE", "INDEX", "BATCH"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	return cmd
}

func parseRoles(names []string) ([]roles.Role, error) {
	var out []roles.Role
	seen := make(map[roles.Role]bool)
	for _, name := range names {
		role, err := roles.ParseRole(name)
		if err != nil {
			return nil, err
		}
		if role == roles.None {
			return nil, kerrors.ValidationError("reindex targets LIVE or WORKING, not NONE", nil)
		}
		if !seen[role] {
			seen[role] = true
			out = append(out, role)
		}
	}
	return out, nil
}

func roleNamesOf(rs []roles.Role) []string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = string(r)
	}
	return names
}

func joinRoles(rs []roles.Role) string {
	return strings.Join(roleNamesOf(rs), ",")
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
