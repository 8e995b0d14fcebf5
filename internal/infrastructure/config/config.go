// Package config builds the single immutable configuration value the
// pipeline runs from. Precedence, lowest to highest: built-in defaults,
// configs/config.yaml, CAPITOL_-prefixed environment variables (plus a few
// bare aliases), command-line flags.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	apperrors "github.com/civiclens/capitol-ingest/internal/errors"
)

// KnownCollections are the bulk-data collection codes the primary
// publisher exposes and the discovery templates cover.
var KnownCollections = []string{"BILLS", "BILLSTATUS", "BILLSUM", "PLAW"}

type Config struct {
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogDir   string `koanf:"log_dir"`

	Congress  CongressConfig  `koanf:"congress"`
	Output    OutputConfig    `koanf:"output"`
	Download  DownloadConfig  `koanf:"download"`
	Extract   ExtractConfig   `koanf:"extract"`
	Phases    PhaseConfig     `koanf:"phases"`
	Database  DatabaseConfig  `koanf:"database"`
	Server    ServerConfig    `koanf:"server"`
	Sources   SourcesConfig   `koanf:"sources"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// CongressConfig bounds the congress-number window discovery expands.
type CongressConfig struct {
	Start int `koanf:"start" validate:"min=1"`
	End   int `koanf:"end" validate:"min=0"`
}

type OutputConfig struct {
	Root      string `koanf:"root" validate:"required"`
	BulkJSON  string `koanf:"bulk_json" validate:"required"`
	RetryJSON string `koanf:"retry_json" validate:"required"`
}

type DownloadConfig struct {
	Concurrency  int           `koanf:"concurrency" validate:"min=1"`
	Retries      int           `koanf:"retries" validate:"min=1"`
	Limit        int           `koanf:"limit" validate:"min=0"`
	PerHostRPS   float64       `koanf:"per_host_rps" validate:"gt=0"`
	HeadTimeout  time.Duration `koanf:"head_timeout"`
	ChunkTimeout time.Duration `koanf:"chunk_timeout"`
}

type ExtractConfig struct {
	RemoveArchives bool `koanf:"remove_archives"`
}

// PhaseConfig selects which pipeline phases a run executes. Discovery is
// on by default; the fetch-and-ingest phases are opt-in.
type PhaseConfig struct {
	Discovery   bool `koanf:"discovery"`
	Validate    bool `koanf:"validate"`
	Download    bool `koanf:"download"`
	Extract     bool `koanf:"extract"`
	Postprocess bool `koanf:"postprocess"`
	DryRun      bool `koanf:"dry_run"`
}

type DatabaseConfig struct {
	URL      string `koanf:"url"`
	MaxConns int    `koanf:"max_conns" validate:"min=1"`
	MinConns int    `koanf:"min_conns" validate:"min=0"`
}

type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type SourcesConfig struct {
	Collections   []string `koanf:"collections" validate:"required,dive,collection"`
	GovinfoAPIKey string   `koanf:"govinfo_api_key"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// Addr is the control server bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("0.0.0.0:%d", s.Port)
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Congress: CongressConfig{
			Start: 113,
			// End 0 means "compute from today's date".
		},
		Output: OutputConfig{
			Root:      "./bulk_data",
			BulkJSON:  "./bulk_urls.json",
			RetryJSON: "./retry_report.json",
		},
		Download: DownloadConfig{
			Concurrency:  4,
			Retries:      3,
			PerHostRPS:   4,
			HeadTimeout:  20 * time.Second,
			ChunkTimeout: 120 * time.Second,
		},
		Phases: PhaseConfig{
			Discovery: true,
		},
		Database: DatabaseConfig{
			MaxConns: 4,
			MinConns: 1,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Sources: SourcesConfig{
			Collections: []string{"BILLS", "BILLSTATUS"},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
	}
}

// envAliases maps the bare environment variable names honored for
// compatibility onto config keys.
var envAliases = map[string]string{
	"LOG_DIR":         "log_dir",
	"OUTDIR":          "output.root",
	"BULK_JSON":       "output.bulk_json",
	"RETRY_JSON":      "output.retry_json",
	"DATABASE_URL":    "database.url",
	"GOVINFO_API_KEY": "sources.govinfo_api_key",
}

// Load merges defaults, the optional config file, environment variables,
// and explicitly-set flags into a validated Config. A nil flags is allowed.
func Load(flags *FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional; a missing file falls through to env and flags.
	if err := k.Load(file.Provider("configs/config.yaml"), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return nil, apperrors.NewConfigError("reading configs/config.yaml").WithCause(err)
		}
	}

	if err := k.Load(env.Provider("CAPITOL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CAPITOL_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	for name, key := range envAliases {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("applying %s: %w", name, err)
			}
		}
	}

	if flags != nil {
		if err := flags.apply(k); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Congress.End == 0 {
		cfg.Congress.End = CurrentCongress(time.Now().UTC()) + 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Output.Root, 0755); err != nil {
		return nil, apperrors.NewConfigError(
			fmt.Sprintf("creating output root %s", cfg.Output.Root)).WithCause(err)
	}

	return &cfg, nil
}

// Validate checks field constraints and cross-field rules. Violations are
// config errors and fatal at startup.
func (c *Config) Validate() error {
	v := newValidator()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		msg := err.Error()
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "collection" {
				msg = fmt.Sprintf("unknown collection code %q (known: %s)",
					fe.Value(), strings.Join(KnownCollections, ", "))
			} else {
				msg = fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag())
			}
		}
		return apperrors.NewConfigError(msg).WithCause(err)
	}

	if c.Congress.End < c.Congress.Start {
		return apperrors.NewConfigError(fmt.Sprintf(
			"end congress %d precedes start congress %d", c.Congress.End, c.Congress.Start))
	}

	if c.Database.URL != "" {
		if err := checkDatabaseURL(c.Database.URL); err != nil {
			return apperrors.NewConfigError("malformed database URL").WithCause(err)
		}
	}

	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("collection", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		for _, known := range KnownCollections {
			if code == known {
				return true
			}
		}
		return false
	})
	return v
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		*target = verrs
		return true
	}
	return false
}

func checkDatabaseURL(raw string) error {
	// key=value DSNs are accepted as-is; URL forms must carry a postgres
	// scheme and host.
	if !strings.Contains(raw, "://") {
		if !strings.Contains(raw, "=") {
			return fmt.Errorf("neither a URL nor a key=value DSN: %q", raw)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// ParseCollections splits a CSV collection filter, trims and uppercases
// each code.
func ParseCollections(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		code := strings.ToUpper(strings.TrimSpace(part))
		if code != "" {
			out = append(out, code)
		}
	}
	return out
}

// CurrentCongress computes the congress number in effect at t. A new
// congress begins on January 3 of every odd year; 1789 seats Congress 1.
func CurrentCongress(t time.Time) int {
	year := t.Year()
	c := (year-1789)/2 + 1
	if year%2 == 1 {
		boundary := time.Date(year, time.January, 3, 0, 0, 0, 0, time.UTC)
		if t.Before(boundary) {
			c--
		}
	}
	return c
}

// FlagSet registers and tracks the command-line surface. Only flags the
// user explicitly set override the other configuration layers.
type FlagSet struct {
	fs *flag.FlagSet

	startCongress int
	endCongress   int
	outdir        string
	bulkJSON      string
	retryJSON     string
	concurrency   int
	retries       int
	collections   string
	noDiscovery   bool
	validate      bool
	download      bool
	extract       bool
	postprocess   bool
	dbURL         string
	serve         bool
	servePort     int
	dryRun        bool
	limit         int
	logLevel      string
	govinfoKey    string
}

// NewFlagSet defines the pipeline flags on a fresh flag.FlagSet.
func NewFlagSet(name string) *FlagSet {
	f := &FlagSet{fs: flag.NewFlagSet(name, flag.ContinueOnError)}

	f.fs.IntVar(&f.startCongress, "start-congress", 0, "first congress number to cover")
	f.fs.IntVar(&f.endCongress, "end-congress", 0, "last congress number to cover (default: current + 1)")
	f.fs.StringVar(&f.outdir, "outdir", "", "root directory for downloaded files")
	f.fs.StringVar(&f.bulkJSON, "bulk-json", "", "path of the URL inventory JSON")
	f.fs.StringVar(&f.retryJSON, "retry-json", "", "path of the retry journal JSON")
	f.fs.IntVar(&f.concurrency, "concurrency", 0, "max concurrent downloads")
	f.fs.IntVar(&f.retries, "retries", 0, "max attempts per URL")
	f.fs.StringVar(&f.collections, "collections", "", "CSV filter of collection codes")
	f.fs.BoolVar(&f.noDiscovery, "no-discovery", false, "skip discovery, reuse the existing URL inventory")
	f.fs.BoolVar(&f.validate, "validate", false, "filter URLs by reachability before downloading")
	f.fs.BoolVar(&f.download, "download", false, "run the download phase")
	f.fs.BoolVar(&f.extract, "extract", false, "run the extract phase")
	f.fs.BoolVar(&f.postprocess, "postprocess", false, "parse extracted files and upsert into the database")
	f.fs.StringVar(&f.dbURL, "db", "", "database connection string")
	f.fs.BoolVar(&f.serve, "serve", false, "run the HTTP control server")
	f.fs.IntVar(&f.servePort, "serve-port", 0, "control server port")
	f.fs.BoolVar(&f.dryRun, "dry-run", false, "write the URL inventory and exit")
	f.fs.IntVar(&f.limit, "limit", 0, "truncate the inventory to the first N URLs")
	f.fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.fs.StringVar(&f.govinfoKey, "govinfo-api-key", "", "API key sent to the primary publisher")

	return f
}

// Parse parses args (without the program name).
func (f *FlagSet) Parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return apperrors.NewConfigError("parsing flags").WithCause(err)
	}
	return nil
}

// apply copies explicitly-set flags onto the koanf tree.
func (f *FlagSet) apply(k *koanf.Koanf) error {
	var applyErr error
	set := func(key string, val any) {
		if applyErr == nil {
			applyErr = k.Set(key, val)
		}
	}

	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "start-congress":
			set("congress.start", f.startCongress)
		case "end-congress":
			set("congress.end", f.endCongress)
		case "outdir":
			set("output.root", f.outdir)
		case "bulk-json":
			set("output.bulk_json", f.bulkJSON)
		case "retry-json":
			set("output.retry_json", f.retryJSON)
		case "concurrency":
			set("download.concurrency", f.concurrency)
		case "retries":
			set("download.retries", f.retries)
		case "collections":
			set("sources.collections", ParseCollections(f.collections))
		case "no-discovery":
			set("phases.discovery", !f.noDiscovery)
		case "validate":
			set("phases.validate", f.validate)
		case "download":
			set("phases.download", f.download)
		case "extract":
			set("phases.extract", f.extract)
		case "postprocess":
			set("phases.postprocess", f.postprocess)
		case "db":
			set("database.url", f.dbURL)
		case "serve":
			set("server.enabled", f.serve)
		case "serve-port":
			set("server.port", f.servePort)
		case "dry-run":
			set("phases.dry_run", f.dryRun)
		case "limit":
			set("download.limit", f.limit)
		case "log-level":
			set("log_level", f.logLevel)
		case "govinfo-api-key":
			set("sources.govinfo_api_key", f.govinfoKey)
		}
	})

	if applyErr != nil {
		return fmt.Errorf("applying flags: %w", applyErr)
	}
	return nil
}
