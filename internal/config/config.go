// Package config loads canopy's own settings (store locations, sync
// limits, logging) from canopy.yaml and CANOPY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Settings holds engine configuration.
type Settings struct {
	// BaseDir is the canopy state directory (default .canopy).
	BaseDir string `mapstructure:"base_dir"`

	// DBFile is the row store database file inside BaseDir.
	DBFile string `mapstructure:"db_file"`

	// ConfigDir is the declarative file tree directory.
	ConfigDir string `mapstructure:"config_dir"`

	// HistoryDir holds the rotating delta snapshots.
	HistoryDir string `mapstructure:"history_dir"`

	// HistoryMax bounds the snapshot rotation.
	HistoryMax int `mapstructure:"history_max"`

	// MaxDefers bounds handler re-queues per sync pass.
	MaxDefers int `mapstructure:"max_defers"`

	// LockTimeout bounds the wait for the sync lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// WriteProtected rejects direct writes outside sync mirroring.
	WriteProtected bool `mapstructure:"write_protected"`

	// ExternalWrite regenerates the declarative files on flush.
	ExternalWrite bool `mapstructure:"external_write"`

	// LogFile, when set, routes engine logs to a rotating file.
	LogFile string `mapstructure:"log_file"`

	// FeedPort is the change feed listen port.
	FeedPort int `mapstructure:"feed_port"`

	// SchemaVersion is the config schema this build speaks.
	SchemaVersion string `mapstructure:"schema_version"`
}

// Load reads settings for the project rooted at dir. A missing
// canopy.yaml is fine; defaults and environment apply either way.
func Load(dir string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("canopy")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("CANOPY")
	v.AutomaticEnv()

	base := filepath.Join(dir, ".canopy")
	v.SetDefault("base_dir", base)
	v.SetDefault("db_file", "store.db")
	v.SetDefault("config_dir", filepath.Join(dir, "conf.d"))
	v.SetDefault("history_dir", filepath.Join(base, "history"))
	v.SetDefault("history_max", 20)
	v.SetDefault("max_defers", 500)
	v.SetDefault("lock_timeout", 15*time.Second)
	v.SetDefault("write_protected", false)
	v.SetDefault("external_write", true)
	v.SetDefault("log_file", "")
	v.SetDefault("feed_port", 8377)
	v.SetDefault("schema_version", "1")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read canopy.yaml: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return &s, nil
}

// DBPath returns the full row store path.
func (s *Settings) DBPath() string {
	return filepath.Join(s.BaseDir, s.DBFile)
}

// LockPath returns the sync lock path.
func (s *Settings) LockPath() string {
	return filepath.Join(s.BaseDir, "canopy.lock")
}

// NewLogger builds a component logger in the engine's bracketed-prefix
// style. With LogFile set, output rotates via lumberjack; otherwise it
// goes to stderr.
func (s *Settings) NewLogger(component string) *log.Logger {
	var out io.Writer = os.Stderr
	if s.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   s.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, "["+component+"] ", log.LstdFlags)
}
