// Package config loads the YAML pipeline configuration and the dotenv
// environment file described in spec.md §6.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Paths holds filesystem locations shared across collections.
type Paths struct {
	CollectionsRootDir string `yaml:"COLLECTIONS_ROOT_DIR"`
	NWMFlowlinesPath   string `yaml:"NWM_FLOWLINES_PATH"`
}

// RippleSettings holds hydraulic-modeling defaults passed through to job
// payloads.
type RippleSettings struct {
	RASVersion           string  `yaml:"RAS_VERSION"`
	USDepthIncrement     float64 `yaml:"US_DEPTH_INCREMENT"`
	DSDepthIncrement     float64 `yaml:"DS_DEPTH_INCREMENT"`
	Resolution           float64 `yaml:"RESOLUTION"`
	ResolutionUnits      string  `yaml:"RESOLUTION_UNITS"`
	TerrainSourceURL     string  `yaml:"TERRAIN_SOURCE_URL"`
	SourceNetwork        string  `yaml:"SOURCE_NETWORK"`
	SourceNetworkVersion string  `yaml:"SOURCE_NETWORK_VERSION"`
	SourceNetworkType    string  `yaml:"SOURCE_NETWORK_TYPE"`
}

// ProcessingStep describes one DAG stage's remote API binding.
// PayloadTemplate mirrors PAYLOAD_TEMPLATES' per-stage dict: string values
// are substituted via FormatPayload's placeholders, non-string values
// (numbers, nested objects) pass through unchanged.
type ProcessingStep struct {
	APIProcessName  string                 `yaml:"api_process_name"`
	Domain          string                 `yaml:"domain"` // "model" or "reach"
	PayloadTemplate map[string]interface{} `yaml:"payload_template"`
	TimeoutMinutes  int                    `yaml:"timeout_minutes"`
}

// Polling holds the Job Client's wait/retry intervals.
type Polling struct {
	DefaultPollWait        time.Duration `yaml:"-"`
	DefaultPollWaitSeconds int           `yaml:"DEFAULT_POLL_WAIT"`
	RetryWait              time.Duration `yaml:"-"`
	RetryWaitSeconds       int           `yaml:"API_LAUNCH_JOBS_RETRY_WAIT"`
}

// Database holds connection-level settings for the embedded store.
type Database struct {
	ConnTimeout        time.Duration `yaml:"-"`
	ConnTimeoutSeconds int           `yaml:"DB_CONN_TIMEOUT"`
}

// Execution holds concurrency/error-policy settings.
type Execution struct {
	OptimumParallelProcessCount int  `yaml:"OPTIMUM_PARALLEL_PROCESS_COUNT"`
	StopOnError                 bool `yaml:"stop_on_error"`
}

// Flows2FIM holds paths to the external flows2fim binary and GDAL tree.
type Flows2FIM struct {
	BinaryPath string `yaml:"binary_path"`
	GDALPath   string `yaml:"gdal_path"`
}

// QC holds the QGIS template path used by the post-processing map copy.
type QC struct {
	QGISTemplatePath string `yaml:"qgis_template_path"`
}

// Config is the root YAML configuration document (spec.md §6).
type Config struct {
	Paths           Paths                     `yaml:"paths"`
	RippleSettings  RippleSettings            `yaml:"ripple_settings"`
	ProcessingSteps map[string]ProcessingStep `yaml:"processing_steps"`
	Polling         Polling                   `yaml:"polling"`
	Database        Database                  `yaml:"database"`
	Execution       Execution                 `yaml:"execution"`
	Flows2FIM       Flows2FIM                 `yaml:"flows2fim"`
	QC              QC                        `yaml:"qc"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Polling.DefaultPollWait = time.Duration(cfg.Polling.DefaultPollWaitSeconds) * time.Second
	cfg.Polling.RetryWait = time.Duration(cfg.Polling.RetryWaitSeconds) * time.Second
	cfg.Database.ConnTimeout = time.Duration(cfg.Database.ConnTimeoutSeconds) * time.Second
	return &cfg, nil
}

// StageNames returns the configured stage names in a stable order, used to
// generate the processing table's column set.
func (c *Config) StageNames() []string {
	names := make([]string, 0, len(c.ProcessingSteps))
	for name := range c.ProcessingSteps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Env holds secrets and endpoints loaded from the dotenv file. Never
// logged.
type Env struct {
	Ripple1DAPIURL string
	STACURL        string
	AWSAccessKeyID string
	AWSSecretKey   string
	AWSRegion      string
}

// LoadEnv loads a dotenv file at path and reads the variables it (or the
// process environment) defines. Absent AWS credentials are not an error —
// they are only required by the S3Mover a caller wires in.
func LoadEnv(path string) (*Env, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", path, err)
		}
	}
	return &Env{
		Ripple1DAPIURL: os.Getenv("RIPPLE1D_API_URL"),
		STACURL:        os.Getenv("STAC_URL"),
		AWSAccessKeyID: os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:   os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSRegion:      os.Getenv("AWS_REGION"),
	}, nil
}
