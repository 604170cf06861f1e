package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medqa/conductor/pkg/types"
)

// Config is the full system configuration, loaded from a single YAML file
// shared by the orchestrator and every worker process.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Queues    QueuesConfig    `yaml:"queues"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	// RemoteCommands maps a workflow step name to its command template.
	// Templates use named slots like {case_id} and {gpu_id}.
	RemoteCommands map[string]string        `yaml:"remote_commands"`
	Conductor      ConductorConfig          `yaml:"conductor"`
	Curator        CuratorConfig            `yaml:"curator"`
	Scanner        ScannerConfig            `yaml:"scanner"`
	Processes      map[string]ProcessConfig `yaml:"processes"`
	HPC            HPCConfig                `yaml:"hpc_config"`
	Messaging      MessagingConfig          `yaml:"messaging"`
	Transfer       TransferConfig           `yaml:"file_transfer"`
	Logging        LoggingConfig            `yaml:"logging"`
	Metrics        MetricsConfig            `yaml:"metrics"`
}

// DatabaseConfig locates the embedded state store
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RabbitMQConfig holds the broker connection URL
type RabbitMQConfig struct {
	URL string `yaml:"url"`
}

// QueuesConfig names the durable queues each component uses
type QueuesConfig struct {
	Conductor      string `yaml:"conductor"`
	RemoteExecutor string `yaml:"remote_executor"`
	FileTransfer   string `yaml:"file_transfer"`
	SystemCurator  string `yaml:"system_curator"`
	Archiver       string `yaml:"archiver"`
}

// WorkflowsConfig holds the ordered step lists
type WorkflowsConfig struct {
	DefaultQA []string `yaml:"default_qa"`
}

// ConductorConfig holds workflow-engine settings
type ConductorConfig struct {
	MonitorIntervalSec int               `yaml:"monitor_interval_sec"`
	RemotePaths        RemotePathsConfig `yaml:"remote_paths"`
}

// RemotePathsConfig holds the remote staging roots for case data
type RemotePathsConfig struct {
	UploadDir   string `yaml:"upload_dir"`
	DownloadDir string `yaml:"download_dir"`
}

// CuratorConfig holds system-curator settings
type CuratorConfig struct {
	MonitorIntervalSec int    `yaml:"monitor_interval_sec"`
	GPUMonitorCommand  string `yaml:"gpu_monitor_command"`
}

// ScannerConfig holds case-scanner settings
type ScannerConfig struct {
	TargetDirectory string `yaml:"target_directory"`
	ScanIntervalSec int    `yaml:"scan_interval_sec"`
}

// ProcessConfig describes one supervised worker process
type ProcessConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Remote             bool   `yaml:"remote"`
	RemoteCommand      string `yaml:"remote_command"`
	RestartDelaySec    int    `yaml:"restart_delay_sec"`
	MaxRestartDelaySec int    `yaml:"max_restart_delay_sec"`
	MaxRestartAttempts int    `yaml:"max_restart_attempts"`
}

// HPCConfig describes the remote GPU host
type HPCConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	SSHKeyPath        string `yaml:"ssh_key_path"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	ExecTimeoutSec    int    `yaml:"exec_timeout_sec"`
}

// MessagingConfig holds bus retry policy
type MessagingConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// TransferConfig holds file-transfer worker retry policy
type TransferConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	RetryDelaySec int `yaml:"retry_delay_sec"`
}

// LoggingConfig controls log level and the optional store sink
type LoggingConfig struct {
	Level     string `yaml:"level"`
	JSON      bool   `yaml:"json"`
	StoreSink bool   `yaml:"store_sink"`
}

// MetricsConfig controls the optional prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", types.ErrConfiguration, path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", types.ErrConfiguration, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Queues: QueuesConfig{
			Conductor:      "conductor_queue",
			RemoteExecutor: "remote_executor_queue",
			FileTransfer:   "file_transfer_queue",
			SystemCurator:  "system_curator_queue",
			Archiver:       "archiver_queue",
		},
		Conductor: ConductorConfig{
			MonitorIntervalSec: 60,
			RemotePaths: RemotePathsConfig{
				UploadDir:   "/data",
				DownloadDir: "/data",
			},
		},
		Curator: CuratorConfig{
			MonitorIntervalSec: 60,
			GPUMonitorCommand: "nvidia-smi --query-gpu=index,uuid,utilization.gpu," +
				"memory.used,memory.total,temperature.gpu --format=csv,noheader,nounits",
		},
		Scanner: ScannerConfig{
			ScanIntervalSec: 60,
		},
		HPC: HPCConfig{
			Port:              22,
			ConnectTimeoutSec: 30,
			ExecTimeoutSec:    60,
		},
		Messaging: MessagingConfig{MaxRetries: 3},
		Transfer:  TransferConfig{MaxRetries: 3, RetryDelaySec: 5},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Validate checks the keys every component depends on
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: missing database.path", types.ErrConfiguration)
	}
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("%w: missing rabbitmq.url", types.ErrConfiguration)
	}
	if c.Conductor.MonitorIntervalSec <= 0 {
		return fmt.Errorf("%w: conductor.monitor_interval_sec must be positive", types.ErrConfiguration)
	}
	for _, step := range c.Workflows.DefaultQA {
		if _, ok := c.RemoteCommands[step]; !ok {
			return fmt.Errorf("%w: no remote_commands entry for workflow step %q", types.ErrConfiguration, step)
		}
	}
	if c.HPC.Enabled {
		if c.HPC.Host == "" || c.HPC.User == "" || c.HPC.SSHKeyPath == "" {
			return fmt.Errorf("%w: hpc_config requires host, user and ssh_key_path when enabled", types.ErrConfiguration)
		}
	}
	return nil
}

// ProcessFor returns the configuration for a named worker, with defaults
// applied for the restart policy.
func (c *Config) ProcessFor(name string) ProcessConfig {
	pc := c.Processes[name]
	if pc.RestartDelaySec <= 0 {
		pc.RestartDelaySec = 30
	}
	if pc.MaxRestartDelaySec <= 0 {
		pc.MaxRestartDelaySec = 900
	}
	if pc.MaxRestartAttempts <= 0 {
		pc.MaxRestartAttempts = 10
	}
	return pc
}

// ConnectTimeout returns the SSH connect timeout as a duration
func (h HPCConfig) ConnectTimeout() time.Duration {
	return time.Duration(h.ConnectTimeoutSec) * time.Second
}

// ExecTimeout returns the remote command timeout as a duration
func (h HPCConfig) ExecTimeout() time.Duration {
	return time.Duration(h.ExecTimeoutSec) * time.Second
}
