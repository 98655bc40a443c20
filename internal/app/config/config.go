package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/MerlinFlow/internal/adapters/opcua"
	"github.com/ghalamif/MerlinFlow/internal/app/units"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// Store kinds understood by the runtime.
const (
	KindMerlin    = "merlin"
	KindArchive   = "archive"
	KindOPCUA     = "opcua"
	KindCSV       = "csv"
	KindTimescale = "timescale"
	// KindExternal stores are supplied in code by an embedding program.
	KindExternal = "external"
)

var (
	sourceKinds      = map[string]bool{KindMerlin: true, KindArchive: true, KindOPCUA: true, KindExternal: true}
	destinationKinds = map[string]bool{KindArchive: true, KindCSV: true, KindTimescale: true, KindExternal: true}
)

type Config struct {
	Window       WindowConfig        `yaml:"window"`
	Policy       ports.Policy        `yaml:"policy"`
	Profile      ProfileConfig       `yaml:"profile"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Stores       []StoreConfig       `yaml:"stores" validate:"required,min=1,dive"`
	ExchangeSets []ExchangeSetConfig `yaml:"exchange_sets" validate:"required,min=1,dive"`
}

// WindowConfig bounds the extraction. With Lookback set and Start empty, the
// window ends at End (default: now, truncated to the hour) and spans Lookback.
type WindowConfig struct {
	Start    time.Time     `yaml:"start" validate:"required"`
	End      time.Time     `yaml:"end" validate:"required,gtfield=Start"`
	Lookback time.Duration `yaml:"lookback" validate:"gte=0"`
	Margin   time.Duration `yaml:"margin" validate:"gte=0"`
}

type ProfileConfig struct {
	TimeStepMultiple     float64       `yaml:"time_step_multiple" validate:"gt=0"`
	DepthPercentDecrease float64       `yaml:"depth_percent_decrease" validate:"gt=0,lte=100"`
	DefaultTimeStep      time.Duration `yaml:"default_time_step" validate:"gt=0"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Name string `yaml:"name" validate:"required"`
	Kind string `yaml:"kind" validate:"required,oneof=merlin archive opcua csv timescale external"`

	Endpoint          string        `yaml:"endpoint" validate:"required_if=Kind merlin"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	PasswordEnv       string        `yaml:"password_env"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`

	// Path is the archive directory or CSV export root.
	Path       string `yaml:"path"`
	ConnString string `yaml:"conn_string" validate:"required_if=Kind timescale"`
	Table      string `yaml:"table"`

	OPCUA *opcua.Config `yaml:"opcua"`
}

type ExchangeSetConfig struct {
	Name            string            `yaml:"name" validate:"required"`
	Template        string            `yaml:"template" validate:"required"`
	QualityVersion  string            `yaml:"quality_version"`
	UnitSystem      string            `yaml:"unit_system"`
	Source          string            `yaml:"source" validate:"required"`
	Destination     string            `yaml:"destination" validate:"required"`
	DestinationPath string            `yaml:"destination_path"`
	UnitOverrides   map[string]string `yaml:"unit_overrides"`
	Processed       *bool             `yaml:"processed"`
}

var now = time.Now

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Complete applies defaults and validates. Configs built in code must be
// completed before use.
func (c *Config) Complete() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Window.Lookback > 0 && c.Window.Start.IsZero() {
		if c.Window.End.IsZero() {
			c.Window.End = now().UTC().Truncate(time.Hour)
		}
		c.Window.Start = c.Window.End.Add(-c.Window.Lookback)
	}
	if c.Window.Margin == 0 {
		c.Window.Margin = time.Hour
	}
	if c.Policy.ConcurrencyFactor == 0 {
		c.Policy.ConcurrencyFactor = 5
	}
	if c.Policy.ReservedPercent == 0 {
		c.Policy.ReservedPercent = 10
	}
	if c.Policy.TokenRefreshSkew == 0 {
		c.Policy.TokenRefreshSkew = 30 * time.Second
	}
	if c.Profile.TimeStepMultiple == 0 {
		c.Profile.TimeStepMultiple = 6
	}
	if c.Profile.DepthPercentDecrease == 0 {
		c.Profile.DepthPercentDecrease = 50
	}
	if c.Profile.DefaultTimeStep == 0 {
		c.Profile.DefaultTimeStep = 15 * time.Minute
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9110"
	}

	for i := range c.Stores {
		s := &c.Stores[i]
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		if s.Password == "" && s.PasswordEnv != "" {
			s.Password = os.Getenv(s.PasswordEnv)
		}
		switch s.Kind {
		case KindMerlin:
			if s.RequestsPerSecond == 0 {
				s.RequestsPerSecond = 10
			}
		case KindArchive:
			if s.Path == "" {
				s.Path = "./data/archive"
			}
		case KindCSV:
			if s.Path == "" {
				s.Path = "./data/export"
			}
		case KindTimescale:
			if s.Table == "" {
				s.Table = "measurements"
			}
		case KindOPCUA:
			if s.OPCUA != nil {
				if s.OPCUA.Endpoint == "" {
					s.OPCUA.Endpoint = s.Endpoint
				}
				if s.OPCUA.Username == "" {
					s.OPCUA.Username, s.OPCUA.Password = s.Username, s.Password
				}
				s.OPCUA.ApplyDefaults()
			}
		}
	}
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return describe(err)
	}

	stores := make(map[string]StoreConfig, len(c.Stores))
	for _, s := range c.Stores {
		if _, dup := stores[s.Name]; dup {
			return fmt.Errorf("stores: duplicate name %q", s.Name)
		}
		if s.Kind == KindOPCUA {
			if s.OPCUA == nil {
				return fmt.Errorf("stores.%s: opcua section is required", s.Name)
			}
			if err := s.OPCUA.Validate(); err != nil {
				return fmt.Errorf("stores.%s: opcua config: %w", s.Name, err)
			}
		}
		stores[s.Name] = s
	}

	names := make(map[string]bool, len(c.ExchangeSets))
	for _, set := range c.ExchangeSets {
		if names[set.Name] {
			return fmt.Errorf("exchange_sets: duplicate name %q", set.Name)
		}
		names[set.Name] = true

		src, ok := stores[set.Source]
		if !ok {
			return fmt.Errorf("exchange_sets.%s: unknown source store %q", set.Name, set.Source)
		}
		if !sourceKinds[src.Kind] {
			return fmt.Errorf("exchange_sets.%s: store %q of kind %s cannot be a source", set.Name, src.Name, src.Kind)
		}
		dst, ok := stores[set.Destination]
		if !ok {
			return fmt.Errorf("exchange_sets.%s: unknown destination store %q", set.Name, set.Destination)
		}
		if !destinationKinds[dst.Kind] {
			return fmt.Errorf("exchange_sets.%s: store %q of kind %s cannot be a destination", set.Name, dst.Name, dst.Kind)
		}
		if _, err := units.ParseSystem(set.UnitSystem); err != nil {
			return fmt.Errorf("exchange_sets.%s: %w", set.Name, err)
		}
	}
	return nil
}

// Store looks up a store by name.
func (c *Config) Store(name string) (StoreConfig, bool) {
	for _, s := range c.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreConfig{}, false
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
