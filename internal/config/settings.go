package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Settings is the resolved configuration passed to the pipeline at
// construction. Nothing downstream reads viper directly.
type Settings struct {
	Repo                string
	APIURL              string
	TokenFile           string
	WorkspaceRoot       string
	PollInterval        time.Duration
	EvaluationTimeout   time.Duration
	InProgressLabel     string
	CloseOnSuccess      bool
	DispatchConcurrency int

	Launcher LauncherSettings

	CommentOutputLimit int

	LogLevel  string
	LogFormat string
}

// LauncherSettings configures the build-and-run stages.
type LauncherSettings struct {
	Runtime       string
	BuildEntry    string
	BuildArgs     []string
	ContainerPort int
	Host          string
	PortRetries   int
}

// Load resolves Settings from the current viper state and validates them.
func Load() (Settings, error) {
	s := Settings{
		Repo:                strings.TrimSpace(GetString(KeyRepo)),
		APIURL:              strings.TrimRight(GetString(KeyAPIURL), "/"),
		TokenFile:           expandHome(GetString(KeyTokenFile)),
		WorkspaceRoot:       expandHome(GetString(KeyWorkspaceRoot)),
		PollInterval:        GetDuration(KeyPollInterval),
		EvaluationTimeout:   GetDuration(KeyEvaluationTimeout),
		InProgressLabel:     GetString(KeyInProgressLabel),
		CloseOnSuccess:      GetBool(KeyCloseOnSuccess),
		DispatchConcurrency: GetInt(KeyDispatchConcurrency),
		Launcher: LauncherSettings{
			Runtime:       GetString(KeyRuntime),
			BuildEntry:    GetString(KeyBuildEntry),
			BuildArgs:     GetStringSlice(KeyBuildArgs),
			ContainerPort: GetInt(KeyContainerPort),
			Host:          GetString(KeyHost),
			PortRetries:   GetInt(KeyPortRetries),
		},
		CommentOutputLimit: GetInt(KeyCommentOutputLimit),
		LogLevel:           GetString(KeyLogLevel),
		LogFormat:          GetString(KeyLogFormat),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings for values the pipeline cannot run with.
func (s Settings) Validate() error {
	if _, _, err := s.OwnerRepo(); err != nil {
		return err
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyPollInterval, s.PollInterval)
	}
	if s.EvaluationTimeout <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyEvaluationTimeout, s.EvaluationTimeout)
	}
	if s.WorkspaceRoot == "" {
		return fmt.Errorf("%s must not be empty", KeyWorkspaceRoot)
	}
	if s.DispatchConcurrency < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyDispatchConcurrency, s.DispatchConcurrency)
	}
	if s.Launcher.Runtime == "" {
		return fmt.Errorf("%s must not be empty", KeyRuntime)
	}
	if s.Launcher.BuildEntry == "" || strings.ContainsRune(s.Launcher.BuildEntry, filepath.Separator) {
		return fmt.Errorf("%s must be a file name at the repository root, got %q", KeyBuildEntry, s.Launcher.BuildEntry)
	}
	if s.Launcher.ContainerPort <= 0 || s.Launcher.ContainerPort > 65535 {
		return fmt.Errorf("%s out of range: %d", KeyContainerPort, s.Launcher.ContainerPort)
	}
	return nil
}

// OwnerRepo splits Repo ("owner/name") into its parts.
func (s Settings) OwnerRepo() (string, string, error) {
	parts := strings.Split(s.Repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%s must be in owner/name form, got %q", KeyRepo, s.Repo)
	}
	return parts[0], parts[1], nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
