// Package config loads testshift runtime configuration.
//
// Precedence, lowest to highest: built-in defaults, config file, TESTSHIFT_*
// environment variables, runtime overrides (cobra flags).
package config

import "time"

// Config is the complete runtime configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workers   int             `mapstructure:"workers"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Git       GitConfig       `mapstructure:"git"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Classify  ClassifyConfig  `mapstructure:"classify"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Container ContainerConfig `mapstructure:"container"`
	Status    StatusConfig    `mapstructure:"status"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`
}

type PathsConfig struct {
	RunsDir  string `mapstructure:"runs_dir"`
	ReposDir string `mapstructure:"repos_dir"`
	CacheDir string `mapstructure:"cache_dir"`
}

type GitConfig struct {
	// RemoteTemplate is the clone URL; {repo} is replaced by owner/name.
	RemoteTemplate string        `mapstructure:"remote_template"`
	OverlayBatch   int           `mapstructure:"overlay_batch"`
	CleanIgnored   bool          `mapstructure:"clean_ignored"`
	FetchPullRefs  bool          `mapstructure:"fetch_pull_refs"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type RunnerConfig struct {
	Shell         string        `mapstructure:"shell"`
	TailLines     int           `mapstructure:"tail_lines"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ErrorExcerpt  int           `mapstructure:"error_excerpt"`
	FailurePolicy string        `mapstructure:"failure_policy"`
	Env           []string      `mapstructure:"env"`
}

type ClassifyConfig struct {
	Protocol string `mapstructure:"protocol"`
}

type SchedulerConfig struct {
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	KeepParts     bool          `mapstructure:"keep_parts"`
}

type ContainerConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Docker       string   `mapstructure:"docker"`
	Image        string   `mapstructure:"image"`
	Binary       string   `mapstructure:"binary"`
	CacheMount   string   `mapstructure:"cache_mount"`
	User         string   `mapstructure:"user"`
	Privileged   bool     `mapstructure:"privileged"`
	DockerSocket string   `mapstructure:"docker_socket"`
	Env          []string `mapstructure:"env"`
}

type StatusConfig struct {
	// Addr is host:port for the status server; empty disables it.
	Addr string `mapstructure:"addr"`
}

type PublishConfig struct {
	Destination string `mapstructure:"destination"`
}

type ProgressConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	RefreshPerSecond float64 `mapstructure:"refresh_per_second"`
}
