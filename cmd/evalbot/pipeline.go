package main

import (
	"fmt"

	"github.com/planetwars/evalbot/internal/config"
	"github.com/planetwars/evalbot/internal/credentials"
	"github.com/planetwars/evalbot/internal/github"
	"github.com/planetwars/evalbot/internal/launcher"
	"github.com/planetwars/evalbot/internal/poller"
	"github.com/planetwars/evalbot/internal/ports"
	"github.com/planetwars/evalbot/internal/processor"
	"github.com/planetwars/evalbot/internal/runner"
)

// pipeline is every component of a running bot, built from Settings.
type pipeline struct {
	token     *credentials.FileToken
	client    *github.Client
	launcher  *launcher.Launcher
	processor *processor.Processor
	poller    *poller.Poller
}

// newLauncher builds the launcher alone; the launch command needs no
// tracker access.
func newLauncher(s config.Settings) *launcher.Launcher {
	r := runner.NewExecRunner(logger.With("component", "runner"), nil)
	return launcher.New(launcher.Config{
		WorkspaceRoot: s.WorkspaceRoot,
		Runtime:       s.Launcher.Runtime,
		BuildEntry:    s.Launcher.BuildEntry,
		BuildArgs:     s.Launcher.BuildArgs,
		ContainerPort: s.Launcher.ContainerPort,
		Host:          s.Launcher.Host,
		PortRetries:   s.Launcher.PortRetries,
	}, r, ports.OS{}, logger.With("component", "launcher"))
}

// newPipeline loads the credential and wires the components. A missing or
// empty token file is an error.
func newPipeline(s config.Settings) (*pipeline, error) {
	token, err := credentials.LoadFileToken(s.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("cannot start without a tracker token: %w", err)
	}

	owner, repo, err := s.OwnerRepo()
	if err != nil {
		return nil, err
	}
	client := github.NewClient(token, owner, repo).WithBaseURL(s.APIURL)

	l := newLauncher(s)
	proc := processor.New(client, l, processor.Config{
		InProgressLabel:   s.InProgressLabel,
		EvaluationTimeout: s.EvaluationTimeout,
		OutputLimit:       s.CommentOutputLimit,
		CloseOnSuccess:    s.CloseOnSuccess,
	}, logger.With("component", "processor"))
	poll := poller.New(client, proc, poller.Config{
		Interval:    s.PollInterval,
		Concurrency: s.DispatchConcurrency,
	}, logger.With("component", "poller"))

	return &pipeline{
		token:     token,
		client:    client,
		launcher:  l,
		processor: proc,
		poller:    poll,
	}, nil
}
