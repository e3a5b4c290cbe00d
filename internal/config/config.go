package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ConfigEnv names an optional YAML file overlaid on the defaults.
const ConfigEnv = "FACEGATE_CONFIG"

type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Detector  DetectorConfig  `yaml:"detector"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Scan      ScanConfig      `yaml:"scan"`
	Cache     CacheConfig     `yaml:"cache"`
	Database  DatabaseConfig  `yaml:"database"`
	Directory DirectoryConfig `yaml:"directory"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Blob      BlobConfig      `yaml:"blob"`
	Log       LogConfig       `yaml:"log"`
}

type EngineConfig struct {
	Strategy  string             `yaml:"strategy"` // geometric or embedding
	Fusion    string             `yaml:"fusion"`   // max or weighted
	Weights   map[string]float64 `yaml:"weights"`
	Threshold float64            `yaml:"threshold"`
	Tolerance float64            `yaml:"tolerance"` // embedding distance accepted as a match
	Distance  string             `yaml:"distance"`
	CropSize  int                `yaml:"crop_size"`
	Align     bool               `yaml:"align"`

	Equalize       bool    `yaml:"equalize"`
	CLAHE          bool    `yaml:"clahe"`
	CLAHEClipLimit float64 `yaml:"clahe_clip_limit"`
	CLAHETileGrid  int     `yaml:"clahe_tile_grid"`
	MaxDimension   int     `yaml:"max_dimension"`
	MaxPixels      int     `yaml:"max_pixels"`

	ScaleFactors []float64 `yaml:"scale_factors"`
}

type DetectorConfig struct {
	Backend          string  `yaml:"backend"` // pigo or opencv
	FaceCascade      string  `yaml:"face_cascade"`
	PuplocCascade    string  `yaml:"puploc_cascade"`
	HaarDir          string  `yaml:"haar_dir"`
	MinSize          int     `yaml:"min_size"`
	MaxSize          int     `yaml:"max_size"`
	ShiftFactor      float64 `yaml:"shift_factor"`
	QualityThreshold float64 `yaml:"quality_threshold"`
}

type EmbeddingConfig struct {
	Backend   string `yaml:"backend"` // http or dlib
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	Dim       int    `yaml:"dim"`
	ModelsDir string `yaml:"models_dir"`
}

type ScanConfig struct {
	Policy          string        `yaml:"policy"`
	Concurrency     int           `yaml:"concurrency"`
	IdentityTimeout time.Duration `yaml:"identity_timeout"`
}

type CacheConfig struct {
	Backend string `yaml:"backend"` // file, postgres or memory
	Path    string `yaml:"path"`
	Index   bool   `yaml:"index"` // HNSW candidate ordering for embeddings
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`            // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns"` // Maximum open connections (default 25)
	MaxIdleConns int    `yaml:"max_idle_conns"` // Maximum idle connections (default 5)
}

type DirectoryConfig struct {
	Backend  string `yaml:"backend"` // manifest, mongo or memory
	Manifest string `yaml:"manifest"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	MinPool    uint64 `yaml:"min_pool"`
	MaxPool    uint64 `yaml:"max_pool"`
}

type BlobConfig struct {
	Backend          string `yaml:"backend"` // fs, azure or memory
	Dir              string `yaml:"dir"`
	ConnectionString string `yaml:"connection_string"`
	AccountName      string `yaml:"account_name"`
	AccountKey       string `yaml:"account_key"`
	Container        string `yaml:"container"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// envString returns the environment value for key, or current when unset.
func envString(key, current string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return current
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envFloats parses envList(key) as floats. Any invalid item keeps the
// default.
func envFloats(key string, defaultVal []float64) []float64 {
	items := envList(key)
	if len(items) == 0 {
		return defaultVal
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, err := strconv.ParseFloat(item, 64)
		if err != nil {
			return defaultVal
		}
		out = append(out, f)
	}
	return out
}

// Load reads the embedded defaults, overlays the file named by
// FACEGATE_CONFIG and applies environment overrides.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	if path := os.Getenv(ConfigEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	e := &c.Engine
	e.Strategy = envString("FACEGATE_STRATEGY", e.Strategy)
	e.Fusion = envString("FACEGATE_FUSION", e.Fusion)
	e.Threshold = envFloat("FACEGATE_THRESHOLD", e.Threshold)
	e.Tolerance = envFloat("FACEGATE_TOLERANCE", e.Tolerance)
	e.Distance = envString("FACEGATE_DISTANCE", e.Distance)
	e.CropSize = envInt("FACEGATE_CROP_SIZE", e.CropSize)
	e.Align = envBool("FACEGATE_ALIGN", e.Align)
	e.Equalize = envBool("FACEGATE_EQUALIZE", e.Equalize)
	e.CLAHE = envBool("FACEGATE_CLAHE", e.CLAHE)
	e.MaxDimension = envInt("FACEGATE_MAX_DIMENSION", e.MaxDimension)
	e.MaxPixels = envInt("FACEGATE_MAX_PIXELS", e.MaxPixels)
	e.ScaleFactors = envFloats("FACEGATE_SCALE_FACTORS", e.ScaleFactors)

	d := &c.Detector
	d.Backend = envString("DETECTOR_BACKEND", d.Backend)
	d.FaceCascade = envString("PIGO_FACE_CASCADE", d.FaceCascade)
	d.PuplocCascade = envString("PIGO_PUPLOC_CASCADE", d.PuplocCascade)
	d.HaarDir = envString("HAAR_DIR", d.HaarDir)

	m := &c.Embedding
	m.Backend = envString("EMBEDDING_BACKEND", m.Backend)
	m.URL = envString("EMBEDDING_URL", m.URL)
	m.Model = envString("EMBEDDING_MODEL", m.Model)
	m.Dim = envInt("EMBEDDING_DIM", m.Dim)
	m.ModelsDir = envString("DLIB_MODELS_DIR", m.ModelsDir)

	c.Scan.Policy = envString("SCAN_POLICY", c.Scan.Policy)
	c.Scan.Concurrency = envInt("SCAN_CONCURRENCY", c.Scan.Concurrency)
	c.Scan.IdentityTimeout = envDuration("SCAN_IDENTITY_TIMEOUT", c.Scan.IdentityTimeout)

	c.Cache.Backend = envString("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.Path = envString("CACHE_PATH", c.Cache.Path)
	c.Cache.Index = envBool("CACHE_INDEX", c.Cache.Index)

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Directory.Backend = envString("DIRECTORY_BACKEND", c.Directory.Backend)
	c.Directory.Manifest = envString("DIRECTORY_MANIFEST", c.Directory.Manifest)

	c.Mongo.URI = envString("MONGO_URL", c.Mongo.URI)
	c.Mongo.Database = envString("MONGO_DATABASE", c.Mongo.Database)
	c.Mongo.Collection = envString("MONGO_COLLECTION", c.Mongo.Collection)

	b := &c.Blob
	b.Backend = envString("BLOB_BACKEND", b.Backend)
	b.Dir = envString("BLOB_DIR", b.Dir)
	b.ConnectionString = envString("AZURE_STORAGE_CONNECTION_STRING", b.ConnectionString)
	b.AccountName = envString("AZURE_STORAGE_ACCOUNT", b.AccountName)
	b.AccountKey = envString("AZURE_STORAGE_KEY", b.AccountKey)
	b.Container = envString("AZURE_STORAGE_CONTAINER", b.Container)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", "))
}

// Validate reports every out-of-range or inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	e := c.Engine
	add(oneOf("engine.strategy", e.Strategy, "geometric", "embedding"))
	add(oneOf("engine.fusion", e.Fusion, "max", "weighted"))
	add(oneOf("engine.distance", e.Distance, "euclidean", "cosine"))
	if e.Threshold < 0 || e.Threshold > 1 {
		add(fmt.Errorf("engine.threshold: %v outside [0,1]", e.Threshold))
	}
	if e.Tolerance < 0 {
		add(fmt.Errorf("engine.tolerance: %v is negative", e.Tolerance))
	}
	for name, w := range e.Weights {
		if w < 0 {
			add(fmt.Errorf("engine.weights.%s: %v is negative", name, w))
		}
	}
	if e.CropSize < 32 {
		add(fmt.Errorf("engine.crop_size: %d is below 32", e.CropSize))
	}
	if e.MaxPixels < 0 {
		add(fmt.Errorf("engine.max_pixels: %d is negative", e.MaxPixels))
	}
	if e.CLAHE && (e.CLAHEClipLimit <= 0 || e.CLAHETileGrid <= 0) {
		add(errors.New("engine.clahe: clip limit and tile grid must be positive"))
	}
	for _, f := range e.ScaleFactors {
		if f <= 1 {
			add(fmt.Errorf("engine.scale_factors: %v must be greater than 1", f))
		}
	}

	add(oneOf("detector.backend", c.Detector.Backend, "pigo", "opencv"))
	if e.Strategy == "embedding" {
		add(oneOf("embedding.backend", c.Embedding.Backend, "http", "dlib"))
	}

	add(oneOf("scan.policy", c.Scan.Policy, "early_exit", "best_of_corpus"))
	if c.Scan.Concurrency <= 0 {
		add(fmt.Errorf("scan.concurrency: %d must be positive", c.Scan.Concurrency))
	}
	if c.Scan.IdentityTimeout <= 0 {
		add(fmt.Errorf("scan.identity_timeout: %s must be positive", c.Scan.IdentityTimeout))
	}

	add(oneOf("cache.backend", c.Cache.Backend, "file", "postgres", "memory"))
	if c.Cache.Backend == "file" && c.Cache.Path == "" {
		add(errors.New("cache.path: required for the file backend"))
	}
	if c.Cache.Backend == "postgres" && c.Database.URL == "" {
		add(errors.New("database.url: required for the postgres cache backend"))
	}

	add(oneOf("directory.backend", c.Directory.Backend, "manifest", "mongo", "memory"))
	if c.Directory.Backend == "mongo" && c.Mongo.URI == "" {
		add(errors.New("mongo.uri: required for the mongo directory backend"))
	}

	add(oneOf("blob.backend", c.Blob.Backend, "fs", "azure", "memory"))
	if c.Blob.Backend == "azure" && c.Blob.ConnectionString == "" && c.Blob.AccountName == "" {
		add(errors.New("blob: azure needs a connection string or an account name"))
	}

	add(oneOf("log.format", c.Log.Format, "console", "json"))
	return errors.Join(errs...)
}
