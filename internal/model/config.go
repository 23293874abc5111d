package model

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultWorkers          = 4
	DefaultValidatorTimeout = 30 * time.Minute
	DefaultMaxFileSize      = int64(1 << 30)
	DefaultPresignTTL       = 15 * time.Minute
	DefaultPollInterval     = 5 * time.Second
	DefaultPollDeadline     = 30 * time.Minute
	DefaultScanTimeout      = 2 * time.Minute
	DefaultCleanupSchedule  = "PT1H"
	DefaultRetention        = 24 * time.Hour
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int         `json:"version" yaml:"version"` // fixed 0 for now
	Service    Service     `json:"service" yaml:"service"`
	Storage    Storage     `json:"storage" yaml:"storage"`
	Cloud      *Cloud      `json:"cloud,omitempty" yaml:"cloud,omitempty"`
	Scan       *Scan       `json:"scan,omitempty" yaml:"scan,omitempty"`
	Cleanup    *Cleanup    `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	Mandates   []Mandate   `json:"mandates,omitempty" yaml:"mandates,omitempty"`
	Validators []Validator `json:"validators,omitempty" yaml:"validators,omitempty"`
}

type Service struct {
	Workers          int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	Verbose          bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	ValidatorTimeout string `json:"validator_timeout,omitempty" yaml:"validator_timeout,omitempty"`
}

// Storage is the local directory keeping staged files and validator logs.
type Storage struct {
	Dir string `json:"dir" yaml:"dir"`
}

// Cloud configures the S3 compatible bucket receiving client uploads.
type Cloud struct {
	Enabled      *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	Bucket       string `json:"bucket" yaml:"bucket"`
	AccessKey    string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	Region       string `json:"region,omitempty" yaml:"region,omitempty"`
	UseSSL       bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`
	CreateBucket bool   `json:"create_bucket,omitempty" yaml:"create_bucket,omitempty"`
	MaxFileSize  int64  `json:"max_file_size,omitempty" yaml:"max_file_size,omitempty"`
	PresignTTL   string `json:"presign_ttl,omitempty" yaml:"presign_ttl,omitempty"`
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	PollDeadline string `json:"poll_deadline,omitempty" yaml:"poll_deadline,omitempty"`
}

// IsEnabled reports true unless enabled is explicitly false.
func (c *Cloud) IsEnabled() bool {
	return c != nil && (c.Enabled == nil || *c.Enabled)
}

// Scan is the remote malware scan service. Without it uploads are not scanned.
type Scan struct {
	URL     string `json:"url" yaml:"url"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type Cleanup struct {
	Schedule  *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Retention string    `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// Schedule is either a cron expression or a duration (Go or ISO 8601 format).
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Mandate restricts the file types accepted for a delivery.
type Mandate struct {
	Name       string   `json:"name" yaml:"name"`
	Extensions []string `json:"extensions" yaml:"extensions"`
}

// Validator declares an external checker executed for matching files.
type Validator struct {
	Name           string            `json:"name" yaml:"name"`
	Path           string            `json:"path" yaml:"path"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout        string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Extensions     []string          `json:"extensions" yaml:"extensions"`
	Profiles       []string          `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	ErrorsExitCode int               `json:"errors_exit_code,omitempty" yaml:"errors_exit_code,omitempty"`
}

// DefaultConfig returns the configuration written on the first start.
func DefaultConfig(_ context.Context) Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Config{
		Version: 0,
		Service: Service{
			Workers:          DefaultWorkers,
			ValidatorTimeout: DefaultValidatorTimeout.String(),
		},
		Storage: Storage{
			Dir: filepath.Join(dir, "geopilot"),
		},
		Cleanup: &Cleanup{
			Schedule:  &Schedule{Duration: DefaultCleanupSchedule},
			Retention: DefaultRetention.String(),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// Validate checks cfg against the CUE schema. LoadConfig does it for the
// file, Validate covers values set afterwards, e.g. by ApplyEnv.
func (c Config) Validate() error {
	v := cueCtx.Encode(c)
	if err := v.Err(); err != nil {
		return err
	}
	return schema.Unify(v).Validate(
		cue.All(),
		cue.Concrete(true),
	)
}
