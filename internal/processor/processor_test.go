package processor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planetwars/evalbot/internal/github"
	"github.com/planetwars/evalbot/internal/launcher"
	"github.com/planetwars/evalbot/internal/submission"
)

type fakeTickets struct {
	mu         sync.Mutex
	labels     map[int][]string
	comments   map[int][]string
	closed     map[int]int
	labelErr   error
	commentErr error
	closeErr   error
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{
		labels:   map[int][]string{},
		comments: map[int][]string{},
		closed:   map[int]int{},
	}
}

func (f *fakeTickets) AddLabels(_ context.Context, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labelErr != nil {
		return f.labelErr
	}
	f.labels[number] = append(f.labels[number], labels...)
	return nil
}

func (f *fakeTickets) Comment(_ context.Context, number int, body string) (*github.IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		return nil, f.commentErr
	}
	f.comments[number] = append(f.comments[number], body)
	return &github.IssueComment{ID: len(f.comments[number]), Body: body}, nil
}

func (f *fakeTickets) Close(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed[number]++
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	got      []submission.Descriptor
	deadline time.Time
	result   *launcher.Result
	err      error
	wait     bool
}

func (f *fakeLauncher) Launch(ctx context.Context, d submission.Descriptor) (*launcher.Result, error) {
	f.mu.Lock()
	f.got = append(f.got, d)
	f.deadline, _ = ctx.Deadline()
	f.mu.Unlock()
	if f.wait {
		<-ctx.Done()
		return nil, &launcher.StageError{Stage: launcher.StageBuild, Kind: launcher.EvaluationTimeout, Err: ctx.Err()}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &launcher.Result{
		ContainerName: launcher.ContainerName(d.ID),
		Image:         launcher.ImageName(d.ID),
		Port:          40123,
		Endpoint:      "localhost:40123",
	}, nil
}

func issueWithBody(number int, body string) github.Issue {
	return github.Issue{Number: number, Title: "submission", Body: body, State: "open"}
}

const goodBody = "Please evaluate my agent.\n\n```yaml\nrepository_url: https://example.com/agent.git\ncommit: abc123\n```\n"

func TestProcessSuccess(t *testing.T) {
	tickets := newFakeTickets()
	l := &fakeLauncher{}
	p := New(tickets, l, Config{}, nil)

	require.NoError(t, p.Process(context.Background(), issueWithBody(42, goodBody)))

	assert.Equal(t, []string{"processing"}, tickets.labels[42])
	require.Len(t, l.got, 1)
	assert.Equal(t, "42", l.got[0].ID)
	assert.Equal(t, "https://example.com/agent.git", l.got[0].RepositoryURL)
	assert.Equal(t, "abc123", l.got[0].Commit)

	require.Len(t, tickets.comments[42], 1, "exactly one success comment")
	c := tickets.comments[42][0]
	assert.Contains(t, c, "container-42")
	assert.Contains(t, c, "40123")
	assert.Contains(t, c, "localhost:40123")
	assert.Zero(t, tickets.closed[42], "tickets are not closed by default")
}

func TestProcessKeepsExplicitID(t *testing.T) {
	tickets := newFakeTickets()
	l := &fakeLauncher{}
	p := New(tickets, l, Config{}, nil)

	body := "```yaml\nid: my-bot\nrepository_url: https://example.com/agent.git\n```"
	require.NoError(t, p.Process(context.Background(), issueWithBody(9, body)))
	require.Len(t, l.got, 1)
	assert.Equal(t, "my-bot", l.got[0].ID)
	assert.Contains(t, tickets.comments[9][0], "container-my-bot")
}

func TestProcessAppliesEvaluationTimeout(t *testing.T) {
	l := &fakeLauncher{}
	p := New(newFakeTickets(), l, Config{EvaluationTimeout: time.Minute}, nil)

	before := time.Now()
	require.NoError(t, p.Process(context.Background(), issueWithBody(1, goodBody)))
	require.False(t, l.deadline.IsZero())
	assert.WithinDuration(t, before.Add(time.Minute), l.deadline, 5*time.Second)
}

func TestProcessExtractionFailureComments(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind submission.Kind
	}{
		{"no block", "I forgot the descriptor", submission.NoDescriptorBlock},
		{"no repository", "```yaml\ncommit: abc\n```", submission.MalformedDescriptor},
		{"bad yaml", "```yaml\nrepository_url: [oops\n```", submission.MalformedDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tickets := newFakeTickets()
			l := &fakeLauncher{}
			p := New(tickets, l, Config{}, nil)

			require.NoError(t, p.Process(context.Background(), issueWithBody(5, tt.body)))
			assert.Empty(t, l.got, "launcher must not run")
			require.Len(t, tickets.comments[5], 1)
			assert.Contains(t, tickets.comments[5][0], "extraction failed")
			assert.Contains(t, tickets.comments[5][0], string(tt.kind))
			assert.Zero(t, tickets.closed[5])
		})
	}
}

func TestProcessBuildFailureComment(t *testing.T) {
	tickets := newFakeTickets()
	l := &fakeLauncher{err: &launcher.StageError{
		Stage:  launcher.StageBuild,
		Kind:   launcher.BuildFailure,
		Output: "> Task :compileKotlin\nMain.kt:3:1 syntax error\nBUILD FAILED",
		Err:    errors.New("./gradlew build: exit status 1"),
	}}
	p := New(tickets, l, Config{CloseOnSuccess: true}, nil)

	require.NoError(t, p.Process(context.Background(), issueWithBody(8, goodBody)))

	require.Len(t, tickets.comments[8], 1)
	c := tickets.comments[8][0]
	assert.Contains(t, c, "syntax error")
	assert.Contains(t, c, "build")
	assert.Contains(t, c, "BuildFailure")
	assert.Zero(t, tickets.closed[8], "failed tickets are never closed")
}

func TestProcessTimeoutWordedDistinctly(t *testing.T) {
	tickets := newFakeTickets()
	l := &fakeLauncher{wait: true}
	p := New(tickets, l, Config{EvaluationTimeout: 30 * time.Millisecond}, nil)

	require.NoError(t, p.Process(context.Background(), issueWithBody(3, goodBody)))
	require.Len(t, tickets.comments[3], 1)
	assert.Contains(t, tickets.comments[3][0], "timed out after 30ms")
	assert.NotContains(t, tickets.comments[3][0], "Failed to launch")
}

func TestProcessLabelFailureIsBestEffort(t *testing.T) {
	tickets := newFakeTickets()
	tickets.labelErr = errors.New("403")
	l := &fakeLauncher{}
	p := New(tickets, l, Config{}, nil)

	require.NoError(t, p.Process(context.Background(), issueWithBody(4, goodBody)))
	assert.Len(t, l.got, 1)
	assert.Len(t, tickets.comments[4], 1)
}

func TestProcessSkipsLabelAlreadyPresent(t *testing.T) {
	tickets := newFakeTickets()
	l := &fakeLauncher{}
	p := New(tickets, l, Config{}, nil)

	issue := issueWithBody(6, goodBody)
	issue.Labels = []github.Label{{Name: "Processing"}}
	require.NoError(t, p.Process(context.Background(), issue))
	assert.Empty(t, tickets.labels[6])
	assert.Len(t, l.got, 1)
	assert.Len(t, tickets.comments[6], 1)
}

func TestProcessLabelFailureLogsStatus(t *testing.T) {
	tickets := newFakeTickets()
	tickets.labelErr = &github.TransportError{Method: "POST", StatusCode: 403}
	var buf bytes.Buffer
	p := New(tickets, &fakeLauncher{}, Config{}, slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, p.Process(context.Background(), issueWithBody(4, goodBody)))
	assert.Contains(t, buf.String(), "failed to add in-progress label")
	assert.Contains(t, buf.String(), "status=403")
}

func TestProcessCommentFailureReturned(t *testing.T) {
	tickets := newFakeTickets()
	tickets.commentErr = &github.TransportError{Method: "POST", StatusCode: 502}
	p := New(tickets, &fakeLauncher{}, Config{}, nil)

	err := p.Process(context.Background(), issueWithBody(4, goodBody))
	require.Error(t, err)
	assert.True(t, github.IsTransportError(err))
}

func TestProcessCloseOnSuccess(t *testing.T) {
	tickets := newFakeTickets()
	p := New(tickets, &fakeLauncher{}, Config{CloseOnSuccess: true}, nil)

	require.NoError(t, p.Process(context.Background(), issueWithBody(11, goodBody)))
	assert.Equal(t, 1, tickets.closed[11])
	assert.Len(t, tickets.comments[11], 1)
}

func TestProcessCloseFailureReturned(t *testing.T) {
	tickets := newFakeTickets()
	tickets.closeErr = errors.New("boom")
	p := New(tickets, &fakeLauncher{}, Config{CloseOnSuccess: true}, nil)

	err := p.Process(context.Background(), issueWithBody(11, goodBody))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close ticket #11")
}

func TestProcessShutdownSkipsComment(t *testing.T) {
	tickets := newFakeTickets()
	l := &fakeLauncher{err: &launcher.StageError{Stage: launcher.StageBuild, Kind: launcher.BuildFailure, Err: context.Canceled}}
	p := New(tickets, l, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Process(ctx, issueWithBody(2, goodBody))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tickets.comments[2])
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short\n", 100))

	long := strings.Repeat("line\n", 100) + "final error"
	got := tail(long, 20)
	assert.True(t, strings.HasPrefix(got, "...\n"))
	assert.True(t, strings.HasSuffix(got, "final error"))
	assert.LessOrEqual(t, len(got), 24)
}

func TestTailKeepsRunesWhole(t *testing.T) {
	out := strings.Repeat("ошибка сборки ", 20)
	for limit := 1; limit < 40; limit++ {
		got := tail(out, limit)
		assert.True(t, utf8.ValidString(got), "limit %d cut a rune: %q", limit, got)
	}
}
