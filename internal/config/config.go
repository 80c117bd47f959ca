// Package config loads p12rekey settings from flags, P12REKEY_* variables,
// .env files and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "P12REKEY"

// Importer names.
const (
	ImporterVault = "vault"
	ImporterOS    = "os"
	ImporterNSS   = "nss"
	ImporterNone  = "none"
)

type Config struct {
	Profile       string `mapstructure:"profile" yaml:"profile" validate:"oneof=modern legacy legacy-rc2"`
	MinIterations int    `mapstructure:"min_iterations" yaml:"min_iterations" validate:"gte=10000,lte=9000000"`
	FriendlyName  string `mapstructure:"friendly_name" yaml:"friendly_name" validate:"max=128"`
	OutputDir     string `mapstructure:"output_dir" yaml:"output_dir" validate:"required"`
	OutputName    string `mapstructure:"output_name" yaml:"output_name" validate:"required,excludesall=/\\"`
	AllowBER      bool   `mapstructure:"allow_ber" yaml:"allow_ber"`

	Importer      string `mapstructure:"importer" yaml:"importer" validate:"oneof=vault os nss none"`
	VaultDir      string `mapstructure:"vault_dir" yaml:"vault_dir" validate:"required_if=Importer vault"`
	VaultPassword string `mapstructure:"vault_password" yaml:"-"`
	NSSLib        string `mapstructure:"nss_lib" yaml:"nss_lib,omitempty"`
	NSSProfile    string `mapstructure:"nss_profile" yaml:"nss_profile,omitempty"`
	Probe         bool   `mapstructure:"probe" yaml:"probe"`

	TrustRoots  string `mapstructure:"trust_roots" yaml:"trust_roots,omitempty" validate:"omitempty,file"`
	SystemRoots bool   `mapstructure:"system_roots" yaml:"system_roots"`

	RequirePassphrase bool `mapstructure:"require_passphrase" yaml:"require_passphrase"`

	JournalDir string `mapstructure:"journal_dir" yaml:"journal_dir,omitempty"`
	LogFormat  string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=console text json"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
}

// DataDir is the per-user directory holding the vault and the journal.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".p12rekey"
	}
	return filepath.Join(home, ".p12rekey")
}

// SetDefaults registers every key with its default value. Keys unknown to
// viper are invisible to Unmarshal, so each one gets a default here.
func SetDefaults(v *viper.Viper) {
	data := DataDir()
	v.SetDefault("profile", "modern")
	v.SetDefault("min_iterations", 10000)
	v.SetDefault("friendly_name", "Friendly name")
	v.SetDefault("output_dir", ".")
	v.SetDefault("output_name", "pkcs12_data.p12")
	v.SetDefault("allow_ber", false)
	v.SetDefault("importer", ImporterVault)
	v.SetDefault("vault_dir", filepath.Join(data, "vault"))
	v.SetDefault("vault_password", "")
	v.SetDefault("nss_lib", "")
	v.SetDefault("nss_profile", "")
	v.SetDefault("probe", false)
	v.SetDefault("trust_roots", "")
	v.SetDefault("system_roots", true)
	v.SetDefault("require_passphrase", false)
	v.SetDefault("journal_dir", data)
	v.SetDefault("log_format", "console")
	v.SetDefault("log_level", "info")
}

// LoadDotEnv loads the given .env files, ignoring the ones that do not
// exist. Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load resolves the configuration from v. When v holds a "config_file"
// value that file must exist and is merged below flags and environment.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(expandHome(path))
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for _, p := range []*string{&cfg.OutputDir, &cfg.VaultDir, &cfg.JournalDir, &cfg.TrustRoots, &cfg.NSSLib, &cfg.NSSProfile} {
		*p = expandHome(*p)
	}
	cfg.Profile = strings.ToLower(cfg.Profile)
	cfg.Importer = strings.ToLower(cfg.Importer)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg, naming fields by their YAML keys.
func Validate(cfg *Config) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		return name
	})
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// Dump writes cfg as YAML. The vault password is never written.
func Dump(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
