package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mgmtsystem/internal/domain"
)

// Config models mgmtsystem.yml.
type Config struct {
	Instance struct {
		BaseURL   string `yaml:"base_url"`
		Database  string `yaml:"database"`
		CompanyID string `yaml:"company_id"`
	} `yaml:"instance"`
	Sequence struct {
		Code   string `yaml:"code"`
		Format string `yaml:"format"`
	} `yaml:"sequence"`
	Stages struct {
		Nonconformity []StageConfig `yaml:"nonconformity"`
		Action        []StageConfig `yaml:"action"`
	} `yaml:"stages"`
	Defaults struct {
		Stage           string `yaml:"stage"`
		ActionOpenStage string `yaml:"action_open_stage"`
	} `yaml:"defaults"`
	Reminders struct {
		LookaheadDays    int    `yaml:"lookahead_days"`
		Template         string `yaml:"template"`
		CloseStage       string `yaml:"close_stage"`
		ActionCloseStage string `yaml:"action_close_stage"`
		Interval         string `yaml:"interval"`
	} `yaml:"reminders"`
	Notifications struct {
		WebhookURL     string          `yaml:"webhook_url"`
		Secret         string          `yaml:"secret"`
		TimeoutSeconds int             `yaml:"timeout_seconds"`
		MaxElapsed     string          `yaml:"max_elapsed"`
		Webhooks       []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	Templates map[string]TemplateConfig `yaml:"templates"`
}

type StageConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	State        string `yaml:"state"`
	Sequence     int    `yaml:"sequence"`
	IsStarting   bool   `yaml:"is_starting"`
	IsEnding     bool   `yaml:"is_ending"`
	MailTemplate string `yaml:"mail_template"`
}

// WebhookConfig receives event-log entries as they are appended.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type TemplateConfig struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

var validStates = map[string][]domain.State{
	domain.ScopeNonconformity: {domain.StateDraft, domain.StateAnalysis, domain.StatePending, domain.StateOpen, domain.StateDone, domain.StateCancel},
	domain.ScopeAction:        {domain.StateDraft, domain.StateOpen, domain.StateDone, domain.StateCancel},
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Instance.BaseURL) == "" {
		return fmt.Errorf("config.instance.base_url is required")
	}
	if strings.TrimSpace(c.Sequence.Code) == "" {
		return fmt.Errorf("config.sequence.code is required")
	}
	if err := validateStages(domain.ScopeNonconformity, c.Stages.Nonconformity); err != nil {
		return err
	}
	if err := validateStages(domain.ScopeAction, c.Stages.Action); err != nil {
		return err
	}
	if c.Defaults.Stage != "" && !hasStage(c.Stages.Nonconformity, c.Defaults.Stage) {
		return fmt.Errorf("default stage %s not defined", c.Defaults.Stage)
	}
	if !hasStage(c.Stages.Action, c.Defaults.ActionOpenStage) {
		return fmt.Errorf("config.defaults.action_open_stage %q not defined", c.Defaults.ActionOpenStage)
	}
	if c.Reminders.LookaheadDays < 0 {
		return fmt.Errorf("config.reminders.lookahead_days must not be negative")
	}
	if !hasStage(c.Stages.Nonconformity, c.Reminders.CloseStage) {
		return fmt.Errorf("config.reminders.close_stage %q not defined", c.Reminders.CloseStage)
	}
	if !hasStage(c.Stages.Action, c.Reminders.ActionCloseStage) {
		return fmt.Errorf("config.reminders.action_close_stage %q not defined", c.Reminders.ActionCloseStage)
	}
	if strings.TrimSpace(c.Reminders.Template) == "" {
		return fmt.Errorf("config.reminders.template is required")
	}
	if _, ok := c.Templates[c.Reminders.Template]; !ok {
		return fmt.Errorf("reminder template %s not defined", c.Reminders.Template)
	}
	if c.Reminders.Interval != "" {
		if _, err := time.ParseDuration(c.Reminders.Interval); err != nil {
			return fmt.Errorf("config.reminders.interval: %w", err)
		}
	}
	if c.Notifications.MaxElapsed != "" {
		if _, err := time.ParseDuration(c.Notifications.MaxElapsed); err != nil {
			return fmt.Errorf("config.notifications.max_elapsed: %w", err)
		}
	}
	for _, st := range c.Stages.Nonconformity {
		if st.MailTemplate == "" {
			continue
		}
		if _, ok := c.Templates[st.MailTemplate]; !ok {
			return fmt.Errorf("stage %s references unknown template %s", st.ID, st.MailTemplate)
		}
	}
	for name, tpl := range c.Templates {
		if strings.TrimSpace(tpl.Subject) == "" {
			return fmt.Errorf("template %s has empty subject", name)
		}
	}
	return nil
}

func validateStages(scope string, stages []StageConfig) error {
	if len(stages) == 0 {
		return fmt.Errorf("config.stages.%s is required", scope)
	}
	seen := map[string]struct{}{}
	starting := false
	for _, st := range stages {
		if st.ID == "" {
			return fmt.Errorf("config.stages.%s contains a stage without id", scope)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("config.stages.%s has duplicate stage %s", scope, st.ID)
		}
		seen[st.ID] = struct{}{}
		if !stateAllowed(scope, st.State) {
			return fmt.Errorf("stage %s has invalid state %q", st.ID, st.State)
		}
		if st.IsStarting {
			starting = true
		}
	}
	if !starting {
		return fmt.Errorf("config.stages.%s needs a starting stage", scope)
	}
	return nil
}

func stateAllowed(scope, state string) bool {
	for _, s := range validStates[scope] {
		if string(s) == state {
			return true
		}
	}
	return false
}

func hasStage(stages []StageConfig, id string) bool {
	for _, st := range stages {
		if st.ID == id {
			return true
		}
	}
	return false
}

// DomainStages converts configured stages into their stored form.
func (c *Config) DomainStages() []domain.Stage {
	var out []domain.Stage
	for scope, list := range map[string][]StageConfig{
		domain.ScopeNonconformity: c.Stages.Nonconformity,
		domain.ScopeAction:        c.Stages.Action,
	} {
		for _, st := range list {
			name := st.Name
			if name == "" {
				name = st.ID
			}
			out = append(out, domain.Stage{
				ID:           st.ID,
				Name:         name,
				Scope:        scope,
				Sequence:     st.Sequence,
				State:        domain.State(st.State),
				IsStarting:   st.IsStarting,
				IsEnding:     st.IsEnding,
				MailTemplate: st.MailTemplate,
			})
		}
	}
	return out
}

// ReminderInterval returns the sweep cadence, one day when unset.
func (c *Config) ReminderInterval() time.Duration {
	d, err := time.ParseDuration(c.Reminders.Interval)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mgmtsystem.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mgs config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `instance:
  base_url: http://localhost:8069
  database: mgmtsystem
  company_id: main

sequence:
  code: mgmtsystem.nonconformity
  format: "NC{seq:03}"

stages:
  nonconformity:
    - {id: draft, name: Draft, state: draft, sequence: 0, is_starting: true}
    - {id: analysis, name: Analysis, state: analysis, sequence: 1}
    - {id: pending, name: Pending Approval, state: pending, sequence: 2, mail_template: nonconformity.pending}
    - {id: open, name: In Progress, state: open, sequence: 3}
    - {id: done, name: Closed, state: done, sequence: 4, is_ending: true}
    - {id: cancel, name: Cancelled, state: cancel, sequence: 5, is_ending: true}
  action:
    - {id: action-draft, name: Draft, state: draft, sequence: 0, is_starting: true}
    - {id: action-open, name: In Progress, state: open, sequence: 1}
    - {id: action-close, name: Closed, state: done, sequence: 2, is_ending: true}

defaults:
  stage: draft
  action_open_stage: action-open

reminders:
  lookahead_days: 10
  template: nonconformity.reminder
  close_stage: done
  action_close_stage: action-close
  interval: 24h

notifications:
  timeout_seconds: 5
  max_elapsed: 30s

templates:
  nonconformity.reminder:
    subject: "Reminder: nonconformity {{.Record.Ref}} is due on {{.Deadline}}"
    body: |
      Hello {{.Recipient.Name}},

      The nonconformity {{.Record.Ref}} you are responsible for reaches its
      deadline on {{.Deadline}}.

      {{.Record.Description}}

      {{.URL}}
  nonconformity.pending:
    subject: "Action plan for {{.Record.Ref}} awaits approval"
    body: |
      Hello {{.Recipient.Name}},

      The action plan of nonconformity {{.Record.Ref}} is ready for review.

      {{.URL}}
`
