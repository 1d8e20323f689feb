// Package processor handles one submission ticket end to end: mark it, parse
// the descriptor, launch the agent and report the outcome on the ticket.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/planetwars/evalbot/internal/github"
	"github.com/planetwars/evalbot/internal/launcher"
	"github.com/planetwars/evalbot/internal/submission"
	"github.com/planetwars/evalbot/internal/telemetry"
)

const (
	DefaultInProgressLabel   = "processing"
	DefaultEvaluationTimeout = 10 * time.Minute
	DefaultOutputLimit       = 3000

	scopeName = "github.com/planetwars/evalbot/processor"
)

// TicketClient is the subset of the tracker client the processor writes
// through.
type TicketClient interface {
	AddLabels(ctx context.Context, number int, labels []string) error
	Comment(ctx context.Context, number int, body string) (*github.IssueComment, error)
	Close(ctx context.Context, number int) error
}

// Launcher starts an agent from a descriptor.
type Launcher interface {
	Launch(ctx context.Context, d submission.Descriptor) (*launcher.Result, error)
}

// Config holds processor settings.
type Config struct {
	InProgressLabel   string
	EvaluationTimeout time.Duration
	// OutputLimit caps the build output quoted in failure comments, in bytes.
	OutputLimit    int
	CloseOnSuccess bool
}

// Processor runs the per-ticket pipeline.
type Processor struct {
	tickets  TicketClient
	launcher Launcher
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.PipelineMetrics
}

// New creates a Processor. A nil logger discards.
func New(tickets TicketClient, l Launcher, cfg Config, logger *slog.Logger) *Processor {
	if cfg.InProgressLabel == "" {
		cfg.InProgressLabel = DefaultInProgressLabel
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = DefaultEvaluationTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		tickets:  tickets,
		launcher: l,
		cfg:      cfg,
		logger:   logger,
		tracer:   telemetry.Tracer(scopeName),
		metrics:  telemetry.NewPipelineMetrics(scopeName),
	}
}

// Process handles one ticket. Extraction and launch failures are reported on
// the ticket and are not errors; only failures to write the outcome back
// (comment or close) are returned.
func (p *Processor) Process(ctx context.Context, issue github.Issue) error {
	ctx, span := p.tracer.Start(ctx, "processor.process",
		trace.WithAttributes(attribute.Int("evalbot.ticket.number", issue.Number)))
	defer span.End()

	log := p.logger.With("ticket", issue.Number)

	if issue.HasLabel(p.cfg.InProgressLabel) {
		log.Debug("ticket already marked in progress, processing again", "label", p.cfg.InProgressLabel)
	} else if err := p.tickets.AddLabels(ctx, issue.Number, []string{p.cfg.InProgressLabel}); err != nil {
		p.metrics.CommentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "label")))
		log.Warn("failed to add in-progress label",
			"label", p.cfg.InProgressLabel, "status", github.StatusCode(err), "error", err)
	}

	d, err := submission.Extract(issue.Body)
	if err != nil {
		log.Info("descriptor extraction failed", "error", err)
		return p.comment(ctx, span, issue.Number, extractionFailureComment(err))
	}
	if d.ID == "" {
		d = d.WithID(strconv.Itoa(issue.Number))
	}
	log = log.With("id", d.ID)
	span.SetAttributes(attribute.String("evalbot.submission.id", d.ID))

	log.Info("launching agent", "repository", d.RepositoryURL, "commit", d.Commit)
	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.EvaluationTimeout)
	start := time.Now()
	res, err := p.launcher.Launch(launchCtx, d)
	cancel()
	elapsed := time.Since(start)
	p.metrics.Launches.Add(ctx, 1)
	p.metrics.LaunchDuration.Record(ctx, float64(elapsed.Milliseconds()))

	if err != nil {
		// Shutdown, not a verdict on the submission.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			log.Info("launch interrupted by shutdown")
			return ctx.Err()
		}
		stage, kind := "unknown", "unknown"
		if se, ok := launcher.AsStageError(err); ok {
			stage, kind = string(se.Stage), string(se.Kind)
		}
		p.metrics.LaunchFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		))
		log.Warn("launch failed", "stage", stage, "kind", kind, "duration", elapsed, "error", err)
		return p.comment(ctx, span, issue.Number, launchFailureComment(err, p.cfg.EvaluationTimeout, p.cfg.OutputLimit))
	}

	log.Info("agent running", "container", res.ContainerName, "endpoint", res.Endpoint, "duration", elapsed)
	if err := p.comment(ctx, span, issue.Number, successComment(res)); err != nil {
		return err
	}

	if p.cfg.CloseOnSuccess {
		if err := p.tickets.Close(ctx, issue.Number); err != nil {
			p.metrics.CommentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "close")))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("close ticket #%d: %w", issue.Number, err)
		}
		log.Info("ticket closed")
	}
	return nil
}

func (p *Processor) comment(ctx context.Context, span trace.Span, number int, body string) error {
	if _, err := p.tickets.Comment(ctx, number, body); err != nil {
		p.metrics.CommentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "comment")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("comment on ticket #%d: %w", number, err)
	}
	return nil
}
