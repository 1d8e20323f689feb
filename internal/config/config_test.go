package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	require.NoError(t, Initialize())
	require.NotNil(t, v, "viper instance is nil after Initialize()")
	assert.Empty(t, ConfigFileUsed())
}

func TestDefaults(t *testing.T) {
	require.NoError(t, Initialize())

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{KeyRepo, DefaultRepo, func(k string) interface{} { return GetString(k) }},
		{KeyPollInterval, 60 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyEvaluationTimeout, 10 * time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{KeyInProgressLabel, "processing", func(k string) interface{} { return GetString(k) }},
		{KeyCloseOnSuccess, false, func(k string) interface{} { return GetBool(k) }},
		{KeyDispatchConcurrency, 1, func(k string) interface{} { return GetInt(k) }},
		{KeyRuntime, "podman", func(k string) interface{} { return GetString(k) }},
		{KeyBuildEntry, "gradlew", func(k string) interface{} { return GetString(k) }},
		{KeyContainerPort, 8080, func(k string) interface{} { return GetInt(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.getter(tt.key))
		})
	}
	assert.Equal(t, []string{"build"}, GetStringSlice(KeyBuildArgs))
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar   string
		key      string
		value    string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"EVALBOT_REPO", KeyRepo, "acme/subs", "acme/subs", func(k string) interface{} { return GetString(k) }},
		{"EVALBOT_POLL_INTERVAL", KeyPollInterval, "5s", 5 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{"EVALBOT_CLOSE_ON_SUCCESS", KeyCloseOnSuccess, "true", true, func(k string) interface{} { return GetBool(k) }},
		{"EVALBOT_LAUNCHER_RUNTIME", KeyRuntime, "docker", "docker", func(k string) interface{} { return GetString(k) }},
		{"EVALBOT_LABELS_IN_PROGRESS", KeyInProgressLabel, "evaluating", "evaluating", func(k string) interface{} { return GetString(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)
			require.NoError(t, Initialize())
			assert.Equal(t, tt.expected, tt.getter(tt.key))
		})
	}
}

func TestConfigFileDiscovery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".evalbot"), 0750))
	content := `
repo: acme/agents
poll-interval: 15s
launcher:
  runtime: docker
  build-args: [build, -x, test]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".evalbot", "config.yaml"), []byte(content), 0600))
	t.Chdir(dir)

	require.NoError(t, Initialize())
	assert.Contains(t, ConfigFileUsed(), "config.yaml")
	assert.Equal(t, "acme/agents", GetString(KeyRepo))
	assert.Equal(t, 15*time.Second, GetDuration(KeyPollInterval))
	assert.Equal(t, "docker", GetString(KeyRuntime))
	assert.Equal(t, []string{"build", "-x", "test"}, GetStringSlice(KeyBuildArgs))
}

func TestExplicitConfigFileMissing(t *testing.T) {
	err := InitializeWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestBindFlagWins(t *testing.T) {
	t.Setenv("EVALBOT_REPO", "env/repo")
	require.NoError(t, Initialize())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("repo", "", "")
	require.NoError(t, fs.Parse([]string{"--repo", "flag/repo"}))
	require.NoError(t, BindFlag(KeyRepo, fs.Lookup("repo")))

	assert.Equal(t, "flag/repo", GetString(KeyRepo))
}

func TestLoad(t *testing.T) {
	require.NoError(t, Initialize())
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultRepo, s.Repo)
	assert.Equal(t, 60*time.Second, s.PollInterval)
	assert.Equal(t, 10*time.Minute, s.EvaluationTimeout)
	assert.Equal(t, "podman", s.Launcher.Runtime)
	assert.Equal(t, 8080, s.Launcher.ContainerPort)
	assert.Equal(t, 1, s.DispatchConcurrency)
	assert.False(t, s.CloseOnSuccess)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".github_submission_token"), s.TokenFile)

	owner, name, err := s.OwnerRepo()
	require.NoError(t, err)
	assert.Equal(t, "SimonLucas", owner)
	assert.Equal(t, "planet-wars-rts-submissions", name)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Initialize())
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"bad repo", func(s *Settings) { s.Repo = "no-slash" }},
		{"empty repo owner", func(s *Settings) { s.Repo = "/name" }},
		{"zero poll interval", func(s *Settings) { s.PollInterval = 0 }},
		{"negative timeout", func(s *Settings) { s.EvaluationTimeout = -time.Second }},
		{"empty workspace", func(s *Settings) { s.WorkspaceRoot = "" }},
		{"zero concurrency", func(s *Settings) { s.DispatchConcurrency = 0 }},
		{"empty runtime", func(s *Settings) { s.Launcher.Runtime = "" }},
		{"nested build entry", func(s *Settings) { s.Launcher.BuildEntry = "scripts/build.sh" }},
		{"port out of range", func(s *Settings) { s.Launcher.ContainerPort = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			s.Launcher.BuildArgs = append([]string(nil), base.Launcher.BuildArgs...)
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}
