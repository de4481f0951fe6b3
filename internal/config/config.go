package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dante-gpu/asset-worker/internal/retryer"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// QueueSettings describes one durable consumer.
type QueueSettings struct {
	Disabled bool   `yaml:"disabled"`
	Subject  string `yaml:"subject"`
	Durable  string `yaml:"durable"`
}

// NatsConfig holds NATS specific configuration.
type NatsConfig struct {
	URL               string        `yaml:"url"`
	User              string        `yaml:"user,omitempty"`
	Password          string        `yaml:"password,omitempty"`
	Token             string        `yaml:"token,omitempty"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectWait     time.Duration `yaml:"reconnect_wait"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	StreamName        string        `yaml:"stream_name"`
	Reconstruction    QueueSettings `yaml:"reconstruction"`
	Segmentation      QueueSettings `yaml:"segmentation"`
	DeadLetterSubject string        `yaml:"dead_letter_subject"`
	AckWait           time.Duration `yaml:"ack_wait"`
	MaxDeliver        int           `yaml:"max_deliver"`
	// MaxAckPending bounds unacknowledged jobs across every worker bound to a
	// durable, not per worker. -1 is unlimited.
	MaxAckPending     int           `yaml:"max_ack_pending"`
	NakDelay          time.Duration `yaml:"nak_delay"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
}

// GPUSettings holds allocator configuration.
type GPUSettings struct {
	NvidiaSmiPath   string  `yaml:"nvidia_smi_path"`
	DevicesPerStage int     `yaml:"devices_per_stage"`
	MemoryWeight    float64 `yaml:"memory_weight"`
	ComputeWeight   float64 `yaml:"compute_weight"`
	// LegacyMemoryScaling divides the memory fraction by 100 a second time, matching
	// the scores produced by earlier deployments. Nil means true.
	LegacyMemoryScaling *bool `yaml:"legacy_memory_scaling,omitempty"`
}

// LegacyScaling reports the effective legacy_memory_scaling value.
func (g GPUSettings) LegacyScaling() bool {
	return g.LegacyMemoryScaling == nil || *g.LegacyMemoryScaling
}

// DockerSettings configures the container executor.
type DockerSettings struct {
	Endpoint string `yaml:"endpoint"`
	// Images maps a runtime environment name (saga, pointcept) to an image.
	Images map[string]string `yaml:"images,omitempty"`
}

// ExecutorSettings holds executor specific configuration.
type ExecutorSettings struct {
	Type         string         `yaml:"type"` // "conda", "direct" or "docker"
	CondaSource  string         `yaml:"conda_source"`
	Shell        string         `yaml:"shell"`
	ModelsDir    string         `yaml:"models_dir"`
	StageTimeout time.Duration  `yaml:"stage_timeout"`
	StreamOutput bool           `yaml:"stream_output"`
	Docker       DockerSettings `yaml:"docker"`
}

// MinioSettings configures the object store upload backend.
type MinioSettings struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region,omitempty"`
	PublicBaseURL   string `yaml:"public_base_url,omitempty"`
}

// StorageSettings selects and configures the artifact upload backend.
type StorageSettings struct {
	Backend    string        `yaml:"backend"` // "http" or "minio"
	UploadPath string        `yaml:"upload_path"`
	Minio      MinioSettings `yaml:"minio"`
}

// ConsulSettings registers the status server with a Consul agent. An empty
// address disables registration.
type ConsulSettings struct {
	Address       string        `yaml:"address,omitempty"`
	ServiceName   string        `yaml:"service_name"`
	Tags          []string      `yaml:"tags,omitempty"`
	CheckInterval time.Duration `yaml:"check_interval"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
}

// Config holds the application configuration for the asset worker.
type Config struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	// General request timeout for HTTP calls to the asset store and the API
	RequestTimeout time.Duration `yaml:"request_timeout"`

	WorkspaceDir   string  `yaml:"workspace_dir"`
	APIRoot        string  `yaml:"api_root"`
	StorageRoot    string  `yaml:"storage_root"`
	MinFreeDiskGB  float64 `yaml:"min_free_disk_gb"`
	StatusAddr     string  `yaml:"status_addr,omitempty"`
	PurgeWorkspace bool    `yaml:"purge_workspace"`

	NatsConfig     NatsConfig       `yaml:"nats"`
	GPUConfig      GPUSettings      `yaml:"gpu"`
	ExecutorConfig ExecutorSettings `yaml:"executor"`
	StorageConfig  StorageSettings  `yaml:"storage"`
	RetryConfig    retryer.Config   `yaml:"retry"`
	ConsulConfig   ConsulSettings   `yaml:"consul"`

	Logger *zap.Logger `yaml:"-"`
}

// Default returns the configuration written to disk when no file exists.
func Default() *Config {
	hostname, _ := os.Hostname()
	defaultInstanceID := "asset-worker-" + hostname
	if hostname == "" {
		defaultInstanceID = "asset-worker-unknown"
	}

	return &Config{
		InstanceID:     defaultInstanceID,
		LogLevel:       "info",
		RequestTimeout: 60 * time.Second,
		WorkspaceDir:   "assets",
		APIRoot:        "http://localhost:8080/api",
		StorageRoot:    "http://localhost:8082",
		MinFreeDiskGB:  5,
		NatsConfig: NatsConfig{
			URL:            "nats://localhost:4222",
			ConnectTimeout: 5 * time.Second,
			ReconnectWait:  5 * time.Second,
			MaxReconnects:  -1, // Infinite
			StreamName:     "ASSET_JOBS",
			Reconstruction: QueueSettings{
				Subject: "assets.jobs.reconstruction",
				Durable: "asset_worker_reconstruction",
			},
			Segmentation: QueueSettings{
				Subject: "assets.jobs.segment",
				Durable: "asset_worker_segment",
			},
			DeadLetterSubject: "assets.jobs.dead",
			AckWait:           5 * time.Minute,
			MaxDeliver:        5,
			MaxAckPending:     -1,
			NakDelay:          30 * time.Second,
			FetchTimeout:      10 * time.Second,
		},
		GPUConfig: GPUSettings{
			NvidiaSmiPath:   "nvidia-smi",
			DevicesPerStage: 2,
			MemoryWeight:    0.25,
			ComputeWeight:   0.75,
		},
		ExecutorConfig: ExecutorSettings{
			Type:        "conda",
			CondaSource: "/opt/conda/etc/profile.d/conda.sh",
			Shell:       "bash",
			ModelsDir:   "models",
			Docker: DockerSettings{
				Endpoint: "unix:///var/run/docker.sock",
				Images:   map[string]string{},
			},
		},
		StorageConfig: StorageSettings{
			Backend:    "http",
			UploadPath: "/upload",
			Minio: MinioSettings{
				Endpoint: "localhost:9000",
				Bucket:   "assets",
			},
		},
		RetryConfig: retryer.DefaultConfig(),
		ConsulConfig: ConsulSettings{
			ServiceName:   "asset-worker",
			CheckInterval: 10 * time.Second,
			CheckTimeout:  2 * time.Second,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file if it doesn't exist. Environment overrides
// are applied last.
func LoadConfig(path string, logger *zap.Logger) (*Config, error) {
	defaultConfig := Default()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		logger.Info("Default configuration file created", zap.String("path", path))
		applyEnvOverrides(defaultConfig)
		defaultConfig.Logger = logger
		return defaultConfig, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaultConfig)
	applyEnvOverrides(&cfg)

	cfg.Logger = logger

	return &cfg, nil
}

// applyDefaultsIfNotSet applies default values to cfg fields if they are zero-valued.
func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaults.InstanceID
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = defaults.WorkspaceDir
	}
	if cfg.APIRoot == "" {
		cfg.APIRoot = defaults.APIRoot
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = defaults.StorageRoot
	}
	// min_free_disk_gb: 0 disables the preflight, so it is left as configured

	// NATS Config
	n, dn := &cfg.NatsConfig, defaults.NatsConfig
	if n.URL == "" {
		n.URL = dn.URL
	}
	if n.ConnectTimeout == 0 {
		n.ConnectTimeout = dn.ConnectTimeout
	}
	if n.ReconnectWait == 0 {
		n.ReconnectWait = dn.ReconnectWait
	}
	if n.MaxReconnects == 0 && dn.MaxReconnects != 0 {
		n.MaxReconnects = dn.MaxReconnects
	}
	if n.StreamName == "" {
		n.StreamName = dn.StreamName
	}
	if n.Reconstruction.Subject == "" {
		n.Reconstruction.Subject = dn.Reconstruction.Subject
	}
	if n.Reconstruction.Durable == "" {
		n.Reconstruction.Durable = dn.Reconstruction.Durable
	}
	if n.Segmentation.Subject == "" {
		n.Segmentation.Subject = dn.Segmentation.Subject
	}
	if n.Segmentation.Durable == "" {
		n.Segmentation.Durable = dn.Segmentation.Durable
	}
	if n.DeadLetterSubject == "" {
		n.DeadLetterSubject = dn.DeadLetterSubject
	}
	if n.AckWait == 0 {
		n.AckWait = dn.AckWait
	}
	if n.MaxDeliver == 0 {
		n.MaxDeliver = dn.MaxDeliver
	}
	if n.MaxAckPending == 0 {
		n.MaxAckPending = dn.MaxAckPending
	}
	if n.NakDelay == 0 {
		n.NakDelay = dn.NakDelay
	}
	if n.FetchTimeout == 0 {
		n.FetchTimeout = dn.FetchTimeout
	}

	// GPU Config
	g, dg := &cfg.GPUConfig, defaults.GPUConfig
	if g.NvidiaSmiPath == "" {
		g.NvidiaSmiPath = dg.NvidiaSmiPath
	}
	if g.DevicesPerStage == 0 {
		g.DevicesPerStage = dg.DevicesPerStage
	}
	if g.MemoryWeight == 0 && g.ComputeWeight == 0 {
		g.MemoryWeight = dg.MemoryWeight
		g.ComputeWeight = dg.ComputeWeight
	}

	// Executor Config
	e, de := &cfg.ExecutorConfig, defaults.ExecutorConfig
	if e.Type == "" {
		e.Type = de.Type
	}
	if e.CondaSource == "" {
		e.CondaSource = de.CondaSource
	}
	if e.Shell == "" {
		e.Shell = de.Shell
	}
	if e.ModelsDir == "" {
		e.ModelsDir = de.ModelsDir
	}
	if e.Docker.Endpoint == "" {
		e.Docker.Endpoint = de.Docker.Endpoint
	}
	if e.Docker.Images == nil {
		e.Docker.Images = de.Docker.Images
	}

	// Storage Config
	s, ds := &cfg.StorageConfig, defaults.StorageConfig
	if s.Backend == "" {
		s.Backend = ds.Backend
	}
	if s.UploadPath == "" {
		s.UploadPath = ds.UploadPath
	}
	if s.Minio.Endpoint == "" {
		s.Minio.Endpoint = ds.Minio.Endpoint
	}
	if s.Minio.Bucket == "" {
		s.Minio.Bucket = ds.Minio.Bucket
	}

	// Retry Config
	r, dr := &cfg.RetryConfig, defaults.RetryConfig
	if r.MaxAttempts == 0 {
		r.MaxAttempts = dr.MaxAttempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = dr.InitialDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = dr.MaxDelay
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = dr.BackoffFactor
	}
	if r.JitterPercentage == 0 {
		r.JitterPercentage = dr.JitterPercentage
	}

	// Consul Config
	c, dc := &cfg.ConsulConfig, defaults.ConsulConfig
	if c.ServiceName == "" {
		c.ServiceName = dc.ServiceName
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = dc.CheckInterval
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = dc.CheckTimeout
	}
}

// applyEnvOverrides lets the deployment inject endpoints and credentials
// without editing the config file.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"NATS_URL", &cfg.NatsConfig.URL},
		{"NATS_USER", &cfg.NatsConfig.User},
		{"NATS_PASSWORD", &cfg.NatsConfig.Password},
		{"NATS_TOKEN", &cfg.NatsConfig.Token},
		{"RECONSTRUCTION_SUBJECT", &cfg.NatsConfig.Reconstruction.Subject},
		{"SEGMENTATION_SUBJECT", &cfg.NatsConfig.Segmentation.Subject},
		{"DEAD_LETTER_SUBJECT", &cfg.NatsConfig.DeadLetterSubject},
		{"API_ROOT", &cfg.APIRoot},
		{"STORAGE_ROOT", &cfg.StorageRoot},
		{"WORKSPACE_DIR", &cfg.WorkspaceDir},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"WORKER_INSTANCE_ID", &cfg.InstanceID},
		{"STATUS_ADDR", &cfg.StatusAddr},
		{"EXECUTOR_TYPE", &cfg.ExecutorConfig.Type},
		{"CONSUL_ADDRESS", &cfg.ConsulConfig.Address},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.target = v
		}
	}
}

// Validate reports configuration that would make the worker unable to run.
func (c *Config) Validate() error {
	var problems []string
	if c.APIRoot == "" {
		problems = append(problems, "api_root is required")
	}
	if c.StorageRoot == "" {
		problems = append(problems, "storage_root is required")
	}
	if c.NatsConfig.URL == "" {
		problems = append(problems, "nats.url is required")
	}
	if c.NatsConfig.Reconstruction.Disabled && c.NatsConfig.Segmentation.Disabled {
		problems = append(problems, "at least one of nats.reconstruction and nats.segmentation must be enabled")
	}
	switch c.ExecutorConfig.Type {
	case "conda", "direct", "docker":
	default:
		problems = append(problems, fmt.Sprintf("executor.type %q is not one of conda, direct, docker", c.ExecutorConfig.Type))
	}
	switch c.StorageConfig.Backend {
	case "http":
	case "minio":
		if c.StorageConfig.Minio.Bucket == "" {
			problems = append(problems, "storage.minio.bucket is required for the minio backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not one of http, minio", c.StorageConfig.Backend))
	}
	if c.GPUConfig.MemoryWeight < 0 || c.GPUConfig.ComputeWeight < 0 {
		problems = append(problems, "gpu weights must be non-negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
