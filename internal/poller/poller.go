// Package poller drives the pipeline: list open tickets, hand each to the
// processor, sleep, repeat until the context is cancelled.
package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/planetwars/evalbot/internal/github"
	"github.com/planetwars/evalbot/internal/telemetry"
)

const (
	// DefaultInterval is the pause between cycles.
	DefaultInterval = 60 * time.Second

	scopeName = "github.com/planetwars/evalbot/poller"
)

// Lister lists the tickets to consider in one cycle.
type Lister interface {
	ListOpenIssues(ctx context.Context) ([]github.Issue, error)
}

// Processor handles one ticket.
type Processor interface {
	Process(ctx context.Context, issue github.Issue) error
}

// State is the poller's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateListing
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListing:
		return "listing"
	case StateDispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds poller settings.
type Config struct {
	Interval time.Duration
	// Concurrency bounds tickets processed at once. 1 processes them in
	// listing order.
	Concurrency int
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Listed     int
	Dispatched int
	Failed     int
	// ListErr is set when listing failed and nothing was dispatched.
	ListErr error
	// Failures maps ticket numbers to what went wrong.
	Failures map[int]error
	// Labels holds the labels each failed ticket carried when listed.
	Labels map[int][]string
}

// Poller runs cycles.
type Poller struct {
	lister  Lister
	proc    Processor
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.PipelineMetrics
	state   atomic.Int32
}

// New creates a Poller. A nil logger discards.
func New(lister Lister, proc Processor, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		lister:  lister,
		proc:    proc,
		cfg:     cfg,
		logger:  logger,
		tracer:  telemetry.Tracer(scopeName),
		metrics: telemetry.NewPipelineMetrics(scopeName),
	}
}

// State returns the current state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// Run loops until ctx is cancelled and then returns ctx.Err(). Nothing a
// single cycle does can stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller starting", "interval", p.cfg.Interval, "concurrency", p.cfg.Concurrency)
	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info("poller shutting down")
			return err
		}

		p.RunOnce(ctx)

		if err := sleep(ctx, p.cfg.Interval); err != nil {
			p.logger.Info("poller shutting down")
			return err
		}
	}
}

// RunOnce performs a single list-and-dispatch cycle.
func (p *Poller) RunOnce(ctx context.Context) CycleReport {
	ctx, span := p.tracer.Start(ctx, "poller.cycle")
	defer span.End()
	defer p.setState(StateIdle)
	defer p.metrics.Cycles.Add(ctx, 1)

	report := CycleReport{Failures: map[int]error{}, Labels: map[int][]string{}}

	p.setState(StateListing)
	issues, err := p.lister.ListOpenIssues(ctx)
	if err != nil {
		report.ListErr = err
		p.metrics.ListFailures.Add(ctx, 1)
		span.RecordError(err)
		p.logger.Error("failed to list open tickets", "status", github.StatusCode(err), "error", err)
		return report
	}
	report.Listed = len(issues)
	span.SetAttributes(attribute.Int("evalbot.poll.listed", len(issues)))
	p.logger.Debug("listed open tickets", "count", len(issues))

	p.setState(StateDispatching)
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)
	for _, issue := range issues {
		if ctx.Err() != nil {
			break
		}
		report.Dispatched++
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			p.metrics.TicketsSeen.Add(ctx, 1)
			if err := p.dispatch(ctx, issue); err != nil {
				p.metrics.TicketFailures.Add(ctx, 1)
				p.logger.Error("ticket processing failed", "ticket", issue.Number, "error", err)
				mu.Lock()
				report.Failures[issue.Number] = err
				report.Labels[issue.Number] = github.LabelNames(issue.Labels)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Failed = len(report.Failures)
	return report
}

// dispatch runs the processor for one ticket, turning a panic into an error.
func (p *Poller) dispatch(ctx context.Context, issue github.Issue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing ticket", "ticket", issue.Number, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic processing ticket #%d: %v", issue.Number, r)
		}
	}()
	return p.proc.Process(ctx, issue)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
