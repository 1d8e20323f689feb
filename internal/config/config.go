// Package config loads evalbot settings from config.yaml, EVALBOT_* environment
// variables and command-line flags.
//
// Precedence (highest first): flag, environment, config file, default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config keys.
const (
	KeyRepo                = "repo"
	KeyAPIURL              = "api-url"
	KeyTokenFile           = "token-file"
	KeyWorkspaceRoot       = "workspace-root"
	KeyPollInterval        = "poll-interval"
	KeyEvaluationTimeout   = "evaluation-timeout"
	KeyInProgressLabel     = "labels.in-progress"
	KeyCloseOnSuccess      = "close-on-success"
	KeyDispatchConcurrency = "dispatch-concurrency"
	KeyRuntime             = "launcher.runtime"
	KeyBuildEntry          = "launcher.build-entry"
	KeyBuildArgs           = "launcher.build-args"
	KeyContainerPort       = "launcher.container-port"
	KeyHost                = "launcher.host"
	KeyPortRetries         = "launcher.port-retries"
	KeyCommentOutputLimit  = "comment.output-limit"
	KeyLogLevel            = "log.level"
	KeyLogFormat           = "log.format"
)

// DefaultRepo is the Planet Wars submissions repository.
const DefaultRepo = "SimonLucas/planet-wars-rts-submissions"

var v *viper.Viper

// Initialize creates a fresh viper instance, registers defaults and reads the
// first config.yaml found. A missing config file is not an error.
func Initialize() error {
	return InitializeWithFile("")
}

// InitializeWithFile is Initialize with an explicit config file path. An empty
// path falls back to discovery.
func InitializeWithFile(path string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("EVALBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	registerDefaults()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("config")
	for _, dir := range searchPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func searchPaths() []string {
	paths := []string{".evalbot"}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "evalbot"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "evalbot"))
	}
	return paths
}

func registerDefaults() {
	v.SetDefault(KeyRepo, DefaultRepo)
	v.SetDefault(KeyAPIURL, "https://api.github.com")
	v.SetDefault(KeyTokenFile, "~/.github_submission_token")
	v.SetDefault(KeyWorkspaceRoot, "/tmp/simonl-planetwars-run")
	v.SetDefault(KeyPollInterval, "60s")
	v.SetDefault(KeyEvaluationTimeout, "10m")
	v.SetDefault(KeyInProgressLabel, "processing")
	v.SetDefault(KeyCloseOnSuccess, false)
	v.SetDefault(KeyDispatchConcurrency, 1)
	v.SetDefault(KeyRuntime, "podman")
	v.SetDefault(KeyBuildEntry, "gradlew")
	v.SetDefault(KeyBuildArgs, []string{"build"})
	v.SetDefault(KeyContainerPort, 8080)
	v.SetDefault(KeyHost, "localhost")
	v.SetDefault(KeyPortRetries, 3)
	v.SetDefault(KeyCommentOutputLimit, 3000)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "auto")
}

// BindFlag binds a command-line flag to a config key so that an explicitly
// set flag wins over file and environment values.
func BindFlag(key string, flag *pflag.Flag) error {
	if v == nil || flag == nil {
		return nil
	}
	return v.BindPFlag(key, flag)
}

// ResetForTesting drops the viper instance and reinitializes defaults only.
func ResetForTesting() {
	v = viper.New()
	registerDefaults()
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// Set overrides a value for the lifetime of the process.
func Set(key string, value interface{}) {
	if v == nil {
		return
	}
	v.Set(key, value)
}
