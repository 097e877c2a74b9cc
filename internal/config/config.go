package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from a YAML string like "30s"
// or from a bare integer number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Command is the argv of a check. A YAML string is a single executable path
// run without arguments; a YAML sequence is the full argument vector.
type Command []string

func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*c = Command{s}
		return nil
	}
	var argv []string
	if err := value.Decode(&argv); err != nil {
		return err
	}
	*c = argv
	return nil
}

// addressList accepts either a YAML sequence of addresses or a single
// comma-separated string.
type addressList []string

func (a *addressList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*a = addressList{s}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*a = list
	return nil
}

// Options are the per-service settings that can be given once under
// "defaults" and overridden by each service.
type Options struct {
	IntervalOK   Duration
	IntervalFail Duration
	MaxAttempts  int
	Timeout      Duration
	Notify       bool
	Recipients   []string
	Sender       string
}

// DefaultOptions returns the built-in defaults every configuration starts from.
func DefaultOptions() Options {
	return Options{
		IntervalOK:   Duration{60 * time.Second},
		IntervalFail: Duration{10 * time.Second},
		MaxAttempts:  3,
		Timeout:      Duration{10 * time.Second},
		Notify:       true,
	}
}

// Service describes a single check script and its fully merged options.
type Service struct {
	Name         string   `json:"name"`
	Command      Command  `json:"command"`
	IntervalOK   Duration `json:"interval_ok"`
	IntervalFail Duration `json:"interval_fail"`
	MaxAttempts  int      `json:"max_attempts"`
	Timeout      Duration `json:"timeout"`
	Notify       bool     `json:"notify"`
	Recipients   []string `json:"recipients"`
	Sender       string   `json:"sender"`
}

// SMTPConfig holds mail transport settings.
type SMTPConfig struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	TLS      string   `yaml:"tls" json:"tls"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"password"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
}

// TLS policies accepted in SMTPConfig.TLS.
const (
	TLSNone          = "none"
	TLSOpportunistic = "opportunistic"
	TLSMandatory     = "mandatory"
)

// SchedulerConfig holds sweep loop settings.
type SchedulerConfig struct {
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
	MaxParallel   int      `yaml:"max_parallel" json:"max_parallel"`
}

// HistoryConfig bounds the in-memory run journal.
type HistoryConfig struct {
	MaxRuns int `yaml:"max_runs" json:"max_runs"`
}

// ServerConfig holds HTTP status API settings. An empty Address disables it.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// Config is the root application configuration.
type Config struct {
	Defaults  Options
	Services  []Service
	SMTP      SMTPConfig
	Scheduler SchedulerConfig
	History   HistoryConfig
	Server    ServerConfig
}

// rawOptions distinguishes "not set" from zero values so that overrides
// only replace what they name.
type rawOptions struct {
	IntervalOK   *Duration   `yaml:"interval_ok"`
	IntervalFail *Duration   `yaml:"interval_fail"`
	MaxAttempts  *int        `yaml:"max_attempts"`
	Timeout      *Duration   `yaml:"timeout"`
	Notify       *bool       `yaml:"notify"`
	Recipients   addressList `yaml:"recipients"`
	Sender       *string     `yaml:"sender"`
}

// apply returns a copy of o with every field set in r replaced.
func (o Options) apply(r rawOptions) Options {
	if r.IntervalOK != nil {
		o.IntervalOK = *r.IntervalOK
	}
	if r.IntervalFail != nil {
		o.IntervalFail = *r.IntervalFail
	}
	if r.MaxAttempts != nil {
		o.MaxAttempts = *r.MaxAttempts
	}
	if r.Timeout != nil {
		o.Timeout = *r.Timeout
	}
	if r.Notify != nil {
		o.Notify = *r.Notify
	}
	if r.Recipients != nil {
		o.Recipients = splitAddresses(r.Recipients)
	} else {
		o.Recipients = append([]string(nil), o.Recipients...)
	}
	if r.Sender != nil {
		o.Sender = strings.TrimSpace(*r.Sender)
	}
	return o
}

// addressed reports whether any mail setting is present.
func (o Options) addressed() bool {
	return o.Sender != "" || len(o.Recipients) > 0
}

// splitAddresses accepts both list entries and comma-separated entries.
func splitAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, addr := range strings.Split(entry, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// Load reads, parses, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated Config from YAML.
func Parse(data []byte) (*Config, error) {
	type rawService struct {
		Name       string  `yaml:"name"`
		Command    Command `yaml:"command"`
		rawOptions `yaml:",inline"`
	}
	type rawConfig struct {
		Defaults  rawOptions      `yaml:"defaults"`
		Services  []rawService    `yaml:"services"`
		SMTP      SMTPConfig      `yaml:"smtp"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		History   HistoryConfig   `yaml:"history"`
		Server    ServerConfig    `yaml:"server"`
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults.
	if raw.SMTP.Host == "" {
		raw.SMTP.Host = "localhost"
	}
	if raw.SMTP.Port == 0 {
		raw.SMTP.Port = 25
	}
	if raw.SMTP.TLS == "" {
		raw.SMTP.TLS = TLSNone
	}
	if raw.SMTP.Timeout.Duration == 0 {
		raw.SMTP.Timeout = Duration{15 * time.Second}
	}
	if raw.Scheduler.SweepInterval.Duration == 0 {
		raw.Scheduler.SweepInterval = Duration{30 * time.Second}
	}
	if raw.Scheduler.MaxParallel == 0 {
		raw.Scheduler.MaxParallel = 1
	}
	if raw.History.MaxRuns == 0 {
		raw.History.MaxRuns = 500
	}

	if len(raw.Services) == 0 {
		return nil, errors.New("at least one service must be configured")
	}

	// Unless notify is set explicitly, it follows the mail settings so that
	// a service with only name and command runs without mail.
	notifySet := raw.Defaults.Notify != nil
	defaults := DefaultOptions().apply(raw.Defaults)
	if !notifySet {
		defaults.Notify = defaults.addressed()
	}

	cfg := &Config{
		Defaults:  defaults,
		SMTP:      raw.SMTP,
		Scheduler: raw.Scheduler,
		History:   raw.History,
		Server:    raw.Server,
	}

	names := make(map[string]bool, len(raw.Services))
	for i, rs := range raw.Services {
		if rs.Name == "" {
			return nil, fmt.Errorf("service[%d]: name is required", i)
		}
		if names[rs.Name] {
			return nil, fmt.Errorf("duplicate service name %q", rs.Name)
		}
		names[rs.Name] = true

		opts := cfg.Defaults.apply(rs.rawOptions)
		if !notifySet && rs.Notify == nil {
			opts.Notify = opts.addressed()
		}
		svc := Service{
			Name:         rs.Name,
			Command:      rs.Command,
			IntervalOK:   opts.IntervalOK,
			IntervalFail: opts.IntervalFail,
			MaxAttempts:  opts.MaxAttempts,
			Timeout:      opts.Timeout,
			Notify:       opts.Notify,
			Recipients:   opts.Recipients,
			Sender:       opts.Sender,
		}
		if err := svc.Validate(); err != nil {
			return nil, fmt.Errorf("service %q: %w", rs.Name, err)
		}
		cfg.Services = append(cfg.Services, svc)
	}

	if err := cfg.validateGlobal(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a single merged service definition.
func (s *Service) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Name, validation.Required),
		validation.Field(&s.Command,
			validation.Required,
			validation.By(validateExecutable),
		),
		validation.Field(&s.IntervalOK, validation.By(validatePositive)),
		validation.Field(&s.IntervalFail, validation.By(validatePositive)),
		validation.Field(&s.Timeout, validation.By(validatePositive)),
		validation.Field(&s.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&s.Recipients,
			validation.When(s.Notify, validation.Required),
			validation.Each(is.EmailFormat),
		),
		validation.Field(&s.Sender,
			validation.When(s.Notify, validation.Required),
			is.EmailFormat,
		),
	)
}

func (c *Config) validateGlobal() error {
	if err := validation.ValidateStruct(&c.SMTP,
		validation.Field(&c.SMTP.Host, validation.Required),
		validation.Field(&c.SMTP.Port, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.SMTP.TLS, validation.In(TLSNone, TLSOpportunistic, TLSMandatory)),
		validation.Field(&c.SMTP.Timeout, validation.By(validatePositive)),
	); err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	if err := validation.ValidateStruct(&c.Scheduler,
		validation.Field(&c.Scheduler.SweepInterval, validation.By(validatePositive)),
		validation.Field(&c.Scheduler.MaxParallel, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := validation.ValidateStruct(&c.History,
		validation.Field(&c.History.MaxRuns, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}

func validatePositive(value interface{}) error {
	d, ok := value.(Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}
	if d.Duration <= 0 {
		return validation.NewError("validation_not_positive", "must be greater than zero")
	}
	return nil
}

func validateExecutable(value interface{}) error {
	cmd, ok := value.(Command)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a command")
	}
	if len(cmd) > 0 && strings.TrimSpace(cmd[0]) == "" {
		return validation.NewError("validation_empty_executable", "executable cannot be empty")
	}
	return nil
}
