// Package launcher turns a submission descriptor into a running agent
// container: fetch the source, build it, package it as an image and start it
// on a freshly allocated host port.
//
// Every stage is a hard gate. A failure stops the launch and comes back as a
// *StageError naming the stage and the failure kind. Workspaces and images
// are left in place so the next attempt can reuse them.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/planetwars/evalbot/internal/ports"
	"github.com/planetwars/evalbot/internal/runner"
	"github.com/planetwars/evalbot/internal/submission"
	"github.com/planetwars/evalbot/internal/telemetry"
)

const (
	DefaultRuntime       = "podman"
	DefaultBuildEntry    = "gradlew"
	DefaultContainerPort = 8080
	DefaultHost          = "localhost"
	DefaultPortRetries   = 3
	DefaultRetryDelay    = 500 * time.Millisecond

	imagePrefix     = "game-server-"
	containerPrefix = "container-"
	tracerName      = "github.com/planetwars/evalbot/launcher"
)

// Config holds launcher settings.
type Config struct {
	// WorkspaceRoot holds one checkout per submission id.
	WorkspaceRoot string
	// Runtime is the container CLI (podman or docker).
	Runtime string
	// BuildEntry is the build wrapper at the repository root.
	BuildEntry string
	BuildArgs  []string
	// ContainerPort is the port the agent listens on inside the container.
	ContainerPort int
	// Host is reported in the endpoint.
	Host string
	// PortRetries bounds run attempts when the chosen port gets taken.
	PortRetries int
	// RetryDelay is the pause between port-race attempts.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Runtime == "" {
		c.Runtime = DefaultRuntime
	}
	if c.BuildEntry == "" {
		c.BuildEntry = DefaultBuildEntry
	}
	if c.BuildArgs == nil {
		c.BuildArgs = []string{"build"}
	}
	if c.ContainerPort == 0 {
		c.ContainerPort = DefaultContainerPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.PortRetries < 1 {
		c.PortRetries = DefaultPortRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Result describes a started container.
type Result struct {
	ContainerName string
	Image         string
	Port          int
	// Endpoint is host:port, where the agent can be reached.
	Endpoint string
	// Fetched is true when an existing workspace was updated instead of cloned.
	Fetched bool
	// Workspace is the checkout directory.
	Workspace string
}

// Launcher runs the launch stages through a runner.Runner.
type Launcher struct {
	cfg    Config
	run    runner.Runner
	ports  ports.Allocator
	logger *slog.Logger
	locks  *keyedLock
	tracer trace.Tracer
}

// New creates a Launcher. A nil logger discards.
func New(cfg Config, r runner.Runner, alloc ports.Allocator, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if alloc == nil {
		alloc = ports.OS{}
	}
	return &Launcher{
		cfg:    cfg.withDefaults(),
		run:    r,
		ports:  alloc,
		logger: logger,
		locks:  newKeyedLock(),
		tracer: telemetry.Tracer(tracerName),
	}
}

// ContainerName is the container name used for id.
func ContainerName(id string) string { return containerPrefix + id }

// ImageName is the image tag used for id.
func ImageName(id string) string { return imagePrefix + id }

// Workspace returns the checkout directory for id.
func (l *Launcher) Workspace(id string) string {
	return filepath.Join(l.cfg.WorkspaceRoot, id)
}

// Launch runs all stages for d. d.ID must already be set. Launches for the
// same id are serialized.
func (l *Launcher) Launch(ctx context.Context, d submission.Descriptor) (*Result, error) {
	if err := submission.ValidateID(d.ID); err != nil {
		return nil, &StageError{Stage: StageMaterialize, Kind: CloneError, Err: err}
	}

	ctx, span := l.tracer.Start(ctx, "launcher.launch", trace.WithAttributes(
		attribute.String("evalbot.submission.id", d.ID),
		attribute.String("evalbot.submission.repository", d.RepositoryURL),
	))
	defer span.End()

	unlock, err := l.locks.Lock(ctx, d.ID)
	if err != nil {
		se := stageErr(ctx, StageMaterialize, CloneError, "", fmt.Errorf("waiting for workspace lock: %w", err))
		recordSpanError(span, se)
		return nil, se
	}
	defer unlock()

	res, err := l.launch(ctx, d)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("evalbot.container.port", res.Port))
	return res, nil
}

func (l *Launcher) launch(ctx context.Context, d submission.Descriptor) (*Result, error) {
	dir := l.Workspace(d.ID)
	log := l.logger.With("id", d.ID)

	fetched, err := l.materialize(ctx, d, dir)
	if err != nil {
		return nil, err
	}
	log.Info("source ready", "dir", dir, "fetched", fetched)

	if d.HasCommit() {
		if err := l.checkout(ctx, d.Commit, dir); err != nil {
			return nil, err
		}
		log.Info("checked out", "commit", d.Commit)
	}

	if err := l.build(ctx, dir); err != nil {
		return nil, err
	}
	log.Info("build succeeded")

	image := ImageName(d.ID)
	if err := l.image(ctx, image, dir); err != nil {
		return nil, err
	}
	log.Info("image built", "image", image)

	name := ContainerName(d.ID)
	port, err := l.start(ctx, name, image)
	if err != nil {
		return nil, err
	}
	endpoint := net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
	log.Info("container started", "container", name, "port", port, "endpoint", endpoint)

	return &Result{
		ContainerName: name,
		Image:         image,
		Port:          port,
		Endpoint:      endpoint,
		Fetched:       fetched,
		Workspace:     dir,
	}, nil
}

// materialize clones into dir, or fetches when dir already exists. An
// existing workspace is never replaced by a fresh clone.
func (l *Launcher) materialize(ctx context.Context, d submission.Descriptor, dir string) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "launcher.materialize")
	defer span.End()

	if _, err := os.Stat(dir); err == nil {
		res, err := l.run.Run(ctx, runner.Command{Dir: dir, Name: "git", Args: []string{"fetch"}})
		if err != nil {
			return true, l.fail(ctx, span, StageMaterialize, CloneError, res, err)
		}
		return true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, l.fail(ctx, span, StageMaterialize, CloneError, nil, fmt.Errorf("stat workspace: %w", err))
	}

	if err := os.MkdirAll(l.cfg.WorkspaceRoot, 0o750); err != nil {
		return false, l.fail(ctx, span, StageMaterialize, CloneError, nil, fmt.Errorf("create workspace root: %w", err))
	}
	res, err := l.run.Run(ctx, runner.Command{
		Dir:  l.cfg.WorkspaceRoot,
		Name: "git",
		Args: []string{"clone", "--", d.RepositoryURL, dir},
	})
	if err != nil {
		return false, l.fail(ctx, span, StageMaterialize, CloneError, res, err)
	}
	return false, nil
}

func (l *Launcher) checkout(ctx context.Context, commit, dir string) error {
	ctx, span := l.tracer.Start(ctx, "launcher.checkout")
	defer span.End()

	res, err := l.run.Run(ctx, runner.Command{Dir: dir, Name: "git", Args: []string{"checkout", commit}})
	if err != nil {
		return l.fail(ctx, span, StageCheckout, CheckoutError, res, err)
	}
	return nil
}

func (l *Launcher) build(ctx context.Context, dir string) error {
	ctx, span := l.tracer.Start(ctx, "launcher.build")
	defer span.End()

	entry := filepath.Join(dir, l.cfg.BuildEntry)
	if _, err := os.Stat(entry); err != nil {
		return l.fail(ctx, span, StageBuild, MissingBuildEntryPoint, nil,
			fmt.Errorf("%s not found at repository root", l.cfg.BuildEntry))
	}

	res, err := l.run.Run(ctx, runner.Command{
		Dir:  dir,
		Name: "./" + l.cfg.BuildEntry,
		Args: l.cfg.BuildArgs,
	})
	if err != nil {
		return l.fail(ctx, span, StageBuild, BuildFailure, res, err)
	}
	return nil
}

func (l *Launcher) image(ctx context.Context, image, dir string) error {
	ctx, span := l.tracer.Start(ctx, "launcher.image")
	defer span.End()

	res, err := l.run.Run(ctx, runner.Command{
		Dir:  dir,
		Name: l.cfg.Runtime,
		Args: []string{"build", "-t", image, "."},
	})
	if err != nil {
		return l.fail(ctx, span, StageImage, ImageBuildFailure, res, err)
	}
	return nil
}

// start allocates a host port and runs the container, retrying with a new
// port when the runtime reports that the previous one was taken meanwhile.
func (l *Launcher) start(ctx context.Context, name, image string) (int, error) {
	ctx, span := l.tracer.Start(ctx, "launcher.run")
	defer span.End()

	var (
		port    int
		lastErr *StageError
		attempt int
	)
	op := func() error {
		attempt++
		p, err := l.ports.AllocateFreePort()
		if err != nil {
			lastErr = stageErr(ctx, StageRun, ContainerStartFailure, "", err)
			return backoff.Permanent(lastErr)
		}

		res, err := l.run.Run(ctx, runner.Command{
			Name: l.cfg.Runtime,
			Args: []string{
				"run", "-d",
				"-p", fmt.Sprintf("%d:%d", p, l.cfg.ContainerPort),
				"--name", name,
				image,
			},
		})
		if err == nil {
			port = p
			return nil
		}

		output := outputOf(res, err)
		kind := classifyRunFailure(output)
		lastErr = stageErr(ctx, StageRun, kind, output, err)
		if lastErr.Kind != PortAllocationRace {
			return backoff.Permanent(lastErr)
		}

		l.logger.Warn("host port taken before container start, retrying",
			"container", name, "port", p, "attempt", attempt)
		l.removeContainer(ctx, name)
		return lastErr
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.cfg.RetryDelay), uint64(l.cfg.PortRetries-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if lastErr == nil {
			lastErr = stageErr(ctx, StageRun, ContainerStartFailure, "", err)
		} else if ctx.Err() != nil && !lastErr.Timeout() {
			lastErr = stageErr(ctx, StageRun, lastErr.Kind, lastErr.Output, lastErr.Err)
		}
		recordSpanError(span, lastErr)
		return 0, lastErr
	}
	span.SetAttributes(attribute.Int("evalbot.run.attempts", attempt))
	return port, nil
}

// removeContainer drops a container left behind by a failed run so the name
// is free for the next attempt.
func (l *Launcher) removeContainer(ctx context.Context, name string) {
	if _, err := l.run.Run(ctx, runner.Command{Name: l.cfg.Runtime, Args: []string{"rm", "-f", name}}); err != nil {
		l.logger.Debug("container cleanup failed", "container", name, "error", err)
	}
}

// classifyRunFailure maps runtime output from a failed run to a Kind.
func classifyRunFailure(output string) Kind {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "address already in use"),
		strings.Contains(lower, "port is already allocated"):
		return PortAllocationRace
	case strings.Contains(lower, "already in use"):
		return ContainerNameConflict
	default:
		return ContainerStartFailure
	}
}

func (l *Launcher) fail(ctx context.Context, span trace.Span, stage Stage, kind Kind, res *runner.Result, err error) *StageError {
	se := stageErr(ctx, stage, kind, outputOf(res, err), err)
	recordSpanError(span, se)
	return se
}

func outputOf(res *runner.Result, err error) string {
	if out := runner.OutputOf(err); out != "" {
		return out
	}
	if res != nil {
		return res.Output
	}
	return ""
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if se, ok := AsStageError(err); ok {
		span.SetAttributes(
			attribute.String("evalbot.launch.stage", string(se.Stage)),
			attribute.String("evalbot.launch.kind", string(se.Kind)),
		)
	}
}
