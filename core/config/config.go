// Package config loads the project configuration file and resolves the
// environment overrides once at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/goccy/go-yaml"
)

const DefaultPath = ".skillgate/config.yaml"

const (
	EnvSkillsLockRequired = "SKILLGATE_SKILLS_LOCK_REQUIRED"
	EnvAllowExperimental  = "SKILLGATE_ALLOW_EXPERIMENTAL"
	EnvRemoteToken        = "SKILLGATE_REMOTE_TOKEN"
	EnvRemoteJWTSecret    = "SKILLGATE_REMOTE_JWT_SECRET" // #nosec G101 -- env var name, not a credential.
)

const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

type Config struct {
	Gate     GateDefaults     `yaml:"gate"`
	Policy   PolicyDefaults   `yaml:"policy"`
	Ledger   LedgerDefaults   `yaml:"ledger"`
	Playbook PlaybookDefaults `yaml:"playbook"`
	Manifest ManifestDefaults `yaml:"manifest"`
	Log      LogDefaults      `yaml:"log"`
}

type GateDefaults struct {
	SkillsLock         string `yaml:"skills_lock"`
	SkillsLockRequired bool   `yaml:"skills_lock_required"`
	AllowExperimental  bool   `yaml:"allow_experimental"`
}

type PolicyDefaults struct {
	Path              string `yaml:"path"`
	EvaluationTimeout string `yaml:"evaluation_timeout"`
	ApprovalPublicKey string `yaml:"approval_public_key"`
}

type LedgerDefaults struct {
	Backend string         `yaml:"backend"`
	Path    string         `yaml:"path"`
	Remote  RemoteDefaults `yaml:"remote"`
}

type RemoteDefaults struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`      // #nosec G117 -- config key name documents expected secret input.
	JWTSecret string `yaml:"jwt_secret"` // #nosec G117 -- config key name documents expected secret input.
	JWTIssuer string `yaml:"jwt_issuer"`
	Timeout   string `yaml:"timeout"`
}

type PlaybookDefaults struct {
	Rules       string `yaml:"rules"`
	QueueSize   int    `yaml:"queue_size"`
	ItemTimeout string `yaml:"item_timeout"`
}

type ManifestDefaults struct {
	Concurrency   int    `yaml:"concurrency"`
	SigningKey    string `yaml:"signing_key"`
	SigningKeyEnv string `yaml:"signing_key_env"`
}

type LogDefaults struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Resolved carries every setting in its final typed form. Nothing below the
// CLI reads the environment again.
type Resolved struct {
	Config
	EvaluationTimeout   time.Duration
	RemoteTimeout       time.Duration
	PlaybookItemTimeout time.Duration
}

func Default() Config {
	return Config{
		Gate: GateDefaults{SkillsLock: "skills.lock.json"},
		Ledger: LedgerDefaults{
			Backend: BackendJSONL,
			Path:    ".skillgate/receipts.jsonl",
		},
		Playbook: PlaybookDefaults{QueueSize: 64},
		Log:      LogDefaults{Level: "info", Format: LogFormatText},
	}
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, coreerrors.Wrap(fmt.Errorf("read project config: %w", err), coreerrors.CategoryConfiguration, "config_unreadable", "check the --config path", false)
	}
	return Parse(content)
}

func Parse(content []byte) (Config, error) {
	configuration := Default()
	if len(strings.TrimSpace(string(content))) == 0 {
		return configuration, nil
	}
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, coreerrors.Wrap(fmt.Errorf("parse project config: %w", err), coreerrors.CategoryConfiguration, "config_invalid", "fix the YAML in the project config", false)
	}
	configuration.normalize()
	if err := configuration.validate(); err != nil {
		return Config{}, coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "config_invalid", "", false)
	}
	return configuration, nil
}

// Resolve applies environment overrides through lookupEnv and parses every
// duration. A nil lookupEnv means os.LookupEnv.
func Resolve(configuration Config, lookupEnv func(string) (string, bool)) (Resolved, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	resolved := Resolved{Config: configuration}

	var err error
	if resolved.Gate.SkillsLockRequired, err = envBool(lookupEnv, EnvSkillsLockRequired, resolved.Gate.SkillsLockRequired); err != nil {
		return Resolved{}, err
	}
	if resolved.Gate.AllowExperimental, err = envBool(lookupEnv, EnvAllowExperimental, resolved.Gate.AllowExperimental); err != nil {
		return Resolved{}, err
	}
	if value, ok := lookupEnv(EnvRemoteToken); ok && strings.TrimSpace(value) != "" {
		resolved.Ledger.Remote.Token = strings.TrimSpace(value)
	}
	if value, ok := lookupEnv(EnvRemoteJWTSecret); ok && strings.TrimSpace(value) != "" {
		resolved.Ledger.Remote.JWTSecret = strings.TrimSpace(value)
	}

	if resolved.EvaluationTimeout, err = parseDuration("policy.evaluation_timeout", resolved.Policy.EvaluationTimeout); err != nil {
		return Resolved{}, err
	}
	if resolved.RemoteTimeout, err = parseDuration("ledger.remote.timeout", resolved.Ledger.Remote.Timeout); err != nil {
		return Resolved{}, err
	}
	if resolved.PlaybookItemTimeout, err = parseDuration("playbook.item_timeout", resolved.Playbook.ItemTimeout); err != nil {
		return Resolved{}, err
	}
	return resolved, nil
}

func (configuration *Config) normalize() {
	configuration.Gate.SkillsLock = strings.TrimSpace(configuration.Gate.SkillsLock)
	configuration.Policy.Path = strings.TrimSpace(configuration.Policy.Path)
	configuration.Policy.EvaluationTimeout = strings.TrimSpace(configuration.Policy.EvaluationTimeout)
	configuration.Policy.ApprovalPublicKey = strings.TrimSpace(configuration.Policy.ApprovalPublicKey)
	configuration.Ledger.Backend = strings.ToLower(strings.TrimSpace(configuration.Ledger.Backend))
	if configuration.Ledger.Backend == "" {
		configuration.Ledger.Backend = BackendJSONL
	}
	configuration.Ledger.Path = strings.TrimSpace(configuration.Ledger.Path)
	configuration.Ledger.Remote.URL = strings.TrimSpace(configuration.Ledger.Remote.URL)
	configuration.Ledger.Remote.Token = strings.TrimSpace(configuration.Ledger.Remote.Token)
	configuration.Ledger.Remote.JWTSecret = strings.TrimSpace(configuration.Ledger.Remote.JWTSecret)
	configuration.Ledger.Remote.JWTIssuer = strings.TrimSpace(configuration.Ledger.Remote.JWTIssuer)
	configuration.Ledger.Remote.Timeout = strings.TrimSpace(configuration.Ledger.Remote.Timeout)
	configuration.Playbook.Rules = strings.TrimSpace(configuration.Playbook.Rules)
	configuration.Playbook.ItemTimeout = strings.TrimSpace(configuration.Playbook.ItemTimeout)
	configuration.Manifest.SigningKey = strings.TrimSpace(configuration.Manifest.SigningKey)
	configuration.Manifest.SigningKeyEnv = strings.TrimSpace(configuration.Manifest.SigningKeyEnv)
	configuration.Log.Level = strings.ToLower(strings.TrimSpace(configuration.Log.Level))
	configuration.Log.Format = strings.ToLower(strings.TrimSpace(configuration.Log.Format))
	if configuration.Log.Format == "" {
		configuration.Log.Format = LogFormatText
	}
}

func (configuration Config) validate() error {
	switch configuration.Ledger.Backend {
	case BackendJSONL, BackendSQLite:
	default:
		return fmt.Errorf("unsupported ledger.backend %q", configuration.Ledger.Backend)
	}
	switch configuration.Log.Format {
	case LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("unsupported log.format %q", configuration.Log.Format)
	}
	if configuration.Playbook.QueueSize < 0 {
		return fmt.Errorf("playbook.queue_size must not be negative")
	}
	if configuration.Manifest.Concurrency < 0 {
		return fmt.Errorf("manifest.concurrency must not be negative")
	}
	return nil
}

func envBool(lookupEnv func(string) (string, bool), name string, fallback bool) (bool, error) {
	value, ok := lookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, coreerrors.Wrap(fmt.Errorf("%s: %w", name, err), coreerrors.CategoryConfiguration, "config_env_invalid", "use true or false", false)
	}
	return parsed, nil
}

func parseDuration(field string, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return 0, coreerrors.New(coreerrors.CategoryConfiguration, "config_invalid", fmt.Sprintf("%s must be a positive duration, got %q", field, value), "use a Go duration such as 250ms or 5s")
	}
	return parsed, nil
}
