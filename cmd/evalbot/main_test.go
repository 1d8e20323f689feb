package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planetwars/evalbot/internal/config"
	"github.com/planetwars/evalbot/internal/lockfile"
)

func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "evalbot-cmd-test-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tempdir: %v\n", err)
		os.Exit(1)
	}
	_ = os.Setenv("HOME", tmp)
	_ = os.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, ".config"))
	_ = os.Setenv("EVALBOT_OTEL_ENABLED", "")
	if err := os.Chdir(tmp); err != nil {
		fmt.Fprintf(os.Stderr, "chdir: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	_ = os.RemoveAll(tmp)
	os.Exit(code)
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		resetFlags := func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
		rootCmd.PersistentFlags().VisitAll(resetFlags)
		for _, c := range rootCmd.Commands() {
			c.Flags().VisitAll(resetFlags)
		}
	})
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

const body = "Hi!\n\n```yaml\nrepository_url: https://example.com/agent.git\ncommit: abc123\n```\n"

func TestExtractFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticket.md")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out, _, err := execute(t, "", "extract", path)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "https://example.com/agent.git", got["repository_url"])
	assert.Equal(t, "abc123", got["commit"])
	assert.NotContains(t, got, "id")
}

func TestExtractFromStdin(t *testing.T) {
	out, _, err := execute(t, body, "extract", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "https://example.com/agent.git")
}

func TestExtractReportsKind(t *testing.T) {
	_, _, err := execute(t, "no descriptor here", "extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoDescriptorBlock")
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "evalbot version "+Version))
}

func TestOnceWithoutTokenFails(t *testing.T) {
	t.Setenv("EVALBOT_TOKEN_FILE", filepath.Join(t.TempDir(), "missing"))

	_, _, err := execute(t, "", "once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")
}

func TestInvalidRepoRejected(t *testing.T) {
	_, _, err := execute(t, "", "--repo", "not-a-repo", "once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.KeyRepo)
}

func TestOnceAgainstTracker(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/repos/acme/subs/issues" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("s3cret\n"), 0o600))
	t.Setenv("EVALBOT_TOKEN_FILE", tokenFile)
	t.Setenv("EVALBOT_API_URL", srv.URL)
	t.Setenv("EVALBOT_WORKSPACE_ROOT", filepath.Join(t.TempDir(), "work"))

	out, _, err := execute(t, "", "--repo", "acme/subs", "once")
	require.NoError(t, err)
	assert.Contains(t, out, "listed 0, dispatched 0, failed 0")
	assert.Equal(t, "token s3cret", sawAuth)
}

func TestOnceReportsFailedTicketLabels(t *testing.T) {
	var labelled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/subs/issues":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"number":7,"title":"bot","state":"open","body":"no descriptor here",` +
				`"labels":[{"name":"submission"},{"name":"processing"}]}]`))
		case "/repos/acme/subs/issues/7/labels":
			labelled = true
			_, _ = w.Write([]byte(`[]`))
		default:
			http.Error(w, "down", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("s3cret"), 0o600))
	t.Setenv("EVALBOT_TOKEN_FILE", tokenFile)
	t.Setenv("EVALBOT_API_URL", srv.URL)
	t.Setenv("EVALBOT_WORKSPACE_ROOT", filepath.Join(t.TempDir(), "work"))

	out, errOut, err := execute(t, "", "--repo", "acme/subs", "once")
	require.Error(t, err)
	assert.Contains(t, out, "listed 1, dispatched 1, failed 1")
	assert.Contains(t, errOut, "#7 [submission processing]")
	assert.False(t, labelled, "a ticket already in progress is not labelled again")
}

func TestOnceRefusesLockedWorkspace(t *testing.T) {
	work := filepath.Join(t.TempDir(), "work")
	held, err := lockfile.Acquire(work, lockfile.Info{})
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("s3cret"), 0o600))
	t.Setenv("EVALBOT_TOKEN_FILE", tokenFile)
	t.Setenv("EVALBOT_WORKSPACE_ROOT", work)

	_, _, err = execute(t, "", "once")
	require.Error(t, err)
	assert.ErrorIs(t, err, lockfile.ErrLockBusy)
}

func TestNewPipelineWiring(t *testing.T) {
	logger = slog.New(slog.DiscardHandler)
	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("abc"), 0o600))

	config.ResetForTesting()
	config.Set(config.KeyTokenFile, tokenFile)
	s, err := config.Load()
	require.NoError(t, err)

	p, err := newPipeline(s)
	require.NoError(t, err)
	assert.Equal(t, "abc", p.token.Token())
	assert.Equal(t, "SimonLucas", p.client.Owner)
	assert.Equal(t, "planet-wars-rts-submissions", p.client.Repo)
	assert.NotNil(t, p.poller)
	assert.NotNil(t, p.launcher)
}
