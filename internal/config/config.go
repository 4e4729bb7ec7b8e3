package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration shared by the controller and the job workers.
// Values come from Default, then an optional YAML file, then the environment,
// then command-line flags.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Registry   RegistryConfig   `yaml:"registry"`
	Source     SourceConfig     `yaml:"source"`
	Store      StoreConfig      `yaml:"store"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Extract    ExtractConfig    `yaml:"extract"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// ControllerConfig holds scheduling knobs for the per-pipeline control loops.
type ControllerConfig struct {
	Name                     string        `yaml:"name"` // value of the created-by label
	Namespace                string        `yaml:"namespace"`
	MaxConcurrentExtractions int           `yaml:"max_concurrent_extractions"`
	MaxConcurrentLoads       int           `yaml:"max_concurrent_loads"`
	PollInterval             time.Duration `yaml:"poll_interval"`
	SubmitInterval           time.Duration `yaml:"submit_interval"`
	ErrorBackoff             time.Duration `yaml:"error_backoff"`
	RetentionWindow          time.Duration `yaml:"retention_window"`
	MinPartitions            int           `yaml:"min_partitions"`
	MaxPartitions            int           `yaml:"max_partitions"`
	SizePerPartition         float64       `yaml:"size_per_partition"` // GiB per extraction job
	MaxResubmits             int           `yaml:"max_resubmits"`
	HistoryKeep              int           `yaml:"history_keep"`
	RefreshInterval          time.Duration `yaml:"refresh_interval"`
	Watch                    bool          `yaml:"watch"`
	Tracing                  string        `yaml:"tracing"` // none, stdout
}

// RegistryConfig selects the database holding pipeline definitions and history.
type RegistryConfig struct {
	Driver string `yaml:"driver"` // sqlite, pgx
	DSN    string `yaml:"dsn"`
}

// SourceConfig points at the relational database being extracted.
type SourceConfig struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

// StoreConfig selects the staging object store.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // s3, minio, memory
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	PathStyle bool   `yaml:"path_style"`
	URIScheme string `yaml:"uri_scheme"` // scheme used when handing URIs to the warehouse
}

// JobsConfig controls how cluster jobs are rendered.
type JobsConfig struct {
	Kubeconfig      string   `yaml:"kubeconfig"` // empty means in-cluster
	Image           string   `yaml:"image"`
	ImagePullPolicy string   `yaml:"image_pull_policy"`
	Command         []string `yaml:"command"`
	ServiceAccount  string   `yaml:"service_account"`
	SecretName      string   `yaml:"secret_name"` // mounted as envFrom on every job
	TemplateDir     string   `yaml:"template_dir"`
	BackoffLimit    int32    `yaml:"backoff_limit"`
}

// WarehouseConfig names the load target.
type WarehouseConfig struct {
	Project           string `yaml:"project"`
	Dataset           string `yaml:"dataset"`
	DestinationSuffix string `yaml:"destination_suffix"`
}

// ExtractConfig tunes extraction workers.
type ExtractConfig struct {
	ChunkSize        int      `yaml:"chunk_size"`
	ComplexChunkSize int      `yaml:"complex_chunk_size"`
	ComplexMarkers   []string `yaml:"complex_markers"` // table-name substrings that select ComplexChunkSize
}

// ServerConfig holds the ops HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Controller: ControllerConfig{
			Name:                     "etl-controller",
			Namespace:                "default",
			MaxConcurrentExtractions: 10,
			MaxConcurrentLoads:       5,
			PollInterval:             time.Minute,
			SubmitInterval:           30 * time.Second,
			ErrorBackoff:             time.Minute,
			RetentionWindow:          24 * time.Hour,
			MinPartitions:            1,
			MaxPartitions:            50,
			SizePerPartition:         5,
			MaxResubmits:             1,
			HistoryKeep:              8,
			RefreshInterval:          24 * time.Hour,
			Watch:                    true,
			Tracing:                  "none",
		},
		Registry: RegistryConfig{
			Driver: "sqlite",
		},
		Source: SourceConfig{
			Schema: "public",
		},
		Store: StoreConfig{
			Backend:   "s3",
			Region:    "us-east-1",
			UseSSL:    true,
			URIScheme: "gs",
		},
		Jobs: JobsConfig{
			ImagePullPolicy: "IfNotPresent",
			Command:         []string{"etlctl"},
			BackoffLimit:    3,
		},
		Warehouse: WarehouseConfig{
			DestinationSuffix: "_processed",
		},
		Extract: ExtractConfig{
			ChunkSize:        250000,
			ComplexChunkSize: 10000,
			ComplexMarkers:   []string{"revrec"},
		},
		Server: ServerConfig{
			Addr: ":8000",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns Default overlaid with the YAML file at path. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables. getenv is usually os.Getenv.
// Variable names follow the job templates so a worker pod and the controller
// read the same keys.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str("CONTROLLER_NAME", &c.Controller.Name)
	e.str("NAMESPACE", &c.Controller.Namespace)
	e.int("MAX_CONCURRENT_EXTRACTIONS", &c.Controller.MaxConcurrentExtractions)
	e.int("MAX_CONCURRENT_LOADS", &c.Controller.MaxConcurrentLoads)
	e.duration("POLL_INTERVAL", &c.Controller.PollInterval)
	e.duration("SUBMIT_INTERVAL", &c.Controller.SubmitInterval)
	e.duration("ERROR_BACKOFF", &c.Controller.ErrorBackoff)
	e.duration("RETENTION_WINDOW", &c.Controller.RetentionWindow)
	e.int("MIN_PARTITIONS", &c.Controller.MinPartitions)
	e.int("MAX_PARTITIONS", &c.Controller.MaxPartitions)
	e.float("SIZE_PER_PARTITION", &c.Controller.SizePerPartition)
	e.int("MAX_RESUBMITS", &c.Controller.MaxResubmits)
	e.int("HISTORY_KEEP", &c.Controller.HistoryKeep)
	e.duration("REFRESH_INTERVAL", &c.Controller.RefreshInterval)
	e.bool("WATCH_JOBS", &c.Controller.Watch)
	e.str("TRACING", &c.Controller.Tracing)

	e.str("REGISTRY_DRIVER", &c.Registry.Driver)
	e.str("REGISTRY_DSN", &c.Registry.DSN)

	e.str("POSTGRES_CONNECTION", &c.Source.DSN)
	e.str("SOURCE_DSN", &c.Source.DSN)
	e.str("SOURCE_SCHEMA", &c.Source.Schema)

	e.str("STORE_BACKEND", &c.Store.Backend)
	e.str("GCS_BUCKET", &c.Store.Bucket)
	e.str("STAGING_BUCKET", &c.Store.Bucket)
	e.str("STORE_ENDPOINT", &c.Store.Endpoint)
	e.str("STORE_REGION", &c.Store.Region)
	e.str("STORE_ACCESS_KEY", &c.Store.AccessKey)
	e.str("STORE_SECRET_KEY", &c.Store.SecretKey)
	e.bool("STORE_USE_SSL", &c.Store.UseSSL)
	e.bool("STORE_PATH_STYLE", &c.Store.PathStyle)
	e.str("STORE_URI_SCHEME", &c.Store.URIScheme)

	e.str("KUBECONFIG", &c.Jobs.Kubeconfig)
	e.str("JOB_IMAGE", &c.Jobs.Image)
	e.str("JOB_SERVICE_ACCOUNT", &c.Jobs.ServiceAccount)
	e.str("JOB_SECRET_NAME", &c.Jobs.SecretName)
	e.str("JOB_TEMPLATE_DIR", &c.Jobs.TemplateDir)
	e.int32("JOB_BACKOFF_LIMIT", &c.Jobs.BackoffLimit)

	e.str("BIGQUERY_PROJECT", &c.Warehouse.Project)
	e.str("BIGQUERY_DATASET", &c.Warehouse.Dataset)
	e.str("DESTINATION_SUFFIX", &c.Warehouse.DestinationSuffix)

	e.int("CHUNK_SIZE", &c.Extract.ChunkSize)
	e.int("COMPLEX_CHUNK_SIZE", &c.Extract.ComplexChunkSize)
	e.list("COMPLEX_TABLE_MARKERS", &c.Extract.ComplexMarkers)

	e.str("METRICS_ADDR", &c.Server.Addr)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(e.errs...)
}

// WorkerEnv returns the non-secret settings passed to every job container,
// keyed by the names ApplyEnv reads. Credentials reach jobs through the
// mounted secret instead.
func (c *Config) WorkerEnv() map[string]string {
	env := map[string]string{
		"STORE_BACKEND":      c.Store.Backend,
		"STAGING_BUCKET":     c.Store.Bucket,
		"STORE_REGION":       c.Store.Region,
		"STORE_USE_SSL":      strconv.FormatBool(c.Store.UseSSL),
		"STORE_PATH_STYLE":   strconv.FormatBool(c.Store.PathStyle),
		"STORE_URI_SCHEME":   c.Store.URIScheme,
		"SOURCE_SCHEMA":      c.Source.Schema,
		"BIGQUERY_PROJECT":   c.Warehouse.Project,
		"BIGQUERY_DATASET":   c.Warehouse.Dataset,
		"DESTINATION_SUFFIX": c.Warehouse.DestinationSuffix,
		"CHUNK_SIZE":         strconv.Itoa(c.Extract.ChunkSize),
		"COMPLEX_CHUNK_SIZE": strconv.Itoa(c.Extract.ComplexChunkSize),
		"LOG_LEVEL":          c.Log.Level,
		"LOG_FORMAT":         c.Log.Format,
	}
	if c.Store.Endpoint != "" {
		env["STORE_ENDPOINT"] = c.Store.Endpoint
	}
	if len(c.Extract.ComplexMarkers) > 0 {
		env["COMPLEX_TABLE_MARKERS"] = strings.Join(c.Extract.ComplexMarkers, ",")
	}
	for k, v := range env {
		if v == "" {
			delete(env, k)
		}
	}
	return env
}

// ValidateController checks the settings the control loops depend on.
func (c *Config) ValidateController() error {
	var errs []error
	cc := c.Controller
	if cc.Namespace == "" {
		errs = append(errs, errors.New("controller.namespace is required"))
	}
	if cc.MaxConcurrentExtractions < 1 {
		errs = append(errs, errors.New("controller.max_concurrent_extractions must be >= 1"))
	}
	if cc.MaxConcurrentLoads < 1 {
		errs = append(errs, errors.New("controller.max_concurrent_loads must be >= 1"))
	}
	if cc.PollInterval <= 0 {
		errs = append(errs, errors.New("controller.poll_interval must be positive"))
	}
	if cc.SubmitInterval < 0 {
		errs = append(errs, errors.New("controller.submit_interval must not be negative"))
	}
	if cc.RetentionWindow <= 0 {
		errs = append(errs, errors.New("controller.retention_window must be positive"))
	}
	if cc.MinPartitions < 1 || cc.MaxPartitions < cc.MinPartitions {
		errs = append(errs, fmt.Errorf("controller partition bounds [%d, %d] are invalid", cc.MinPartitions, cc.MaxPartitions))
	}
	if cc.SizePerPartition <= 0 {
		errs = append(errs, errors.New("controller.size_per_partition must be positive"))
	}
	if cc.HistoryKeep < 1 {
		errs = append(errs, errors.New("controller.history_keep must be >= 1"))
	}
	if c.Store.Backend != "memory" && c.Store.Bucket == "" {
		errs = append(errs, errors.New("store.bucket is required"))
	}
	if c.Jobs.Image == "" {
		errs = append(errs, errors.New("jobs.image is required"))
	}
	return errors.Join(errs...)
}

// ChunkSizeFor picks the read chunk size for a table. Tables whose name
// contains one of the complex markers have wide rows and use the smaller size.
func (e ExtractConfig) ChunkSizeFor(table string) int {
	name := strings.ToLower(table)
	for _, m := range e.ComplexMarkers {
		if m != "" && strings.Contains(name, strings.ToLower(m)) {
			return e.ComplexChunkSize
		}
	}
	return e.ChunkSize
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) int32(key string, dst *int32) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = int32(n)
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
