package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canukguy1974/franky-ai/internal/capability"
	"github.com/canukguy1974/franky-ai/internal/deal"
	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/scheduler"
	"github.com/canukguy1974/franky-ai/internal/scoring"
)

// DefaultService is the template used for services without their own.
const DefaultService = "default"

// Config models franky.yml.
type Config struct {
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Scoring     scoring.Weights `yaml:"scoring"`
	Deals       Deals           `yaml:"deals"`
	Negotiation deal.RuleTable  `yaml:"negotiation"`
	Pricing     deal.Pricing    `yaml:"pricing"`
	Scheduler   Scheduler       `yaml:"scheduler"`
	QA          QA              `yaml:"qa"`
	// Services maps a service type to the task template expanded for it.
	Services     map[string][]TaskTemplate  `yaml:"services"`
	Capabilities map[string]capability.Spec `yaml:"capabilities"`
	Webhooks     []Webhook                  `yaml:"webhooks"`
	Server       Server                     `yaml:"server"`
}

type Deals struct {
	Dwell        map[string]time.Duration `yaml:"dwell"`
	MaxFollowUps int                      `yaml:"max_follow_ups"`
	Channel      string                   `yaml:"channel"`
	TickInterval time.Duration            `yaml:"tick_interval"`
}

type Scheduler struct {
	PoolSize        int           `yaml:"pool_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	CancelGrace     time.Duration `yaml:"cancel_grace"`
	DefaultExecutor string        `yaml:"default_executor"`
}

type QA struct {
	MinScore       float64 `yaml:"min_score"`
	MaxRevisions   int     `yaml:"max_revisions"`
	DefaultChecker string  `yaml:"default_checker"`
}

type TaskTemplate struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	DependsOn   []string `yaml:"depends_on"`
	Priority    int      `yaml:"priority"`
	Executor    string   `yaml:"executor"`
	QAChecker   string   `yaml:"qa_checker"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Validate ensures the config is usable by every component.
func (c *Config) Validate() error {
	switch logger.LogLevel(c.Logging.Level) {
	case "", logger.DebugLevel, logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel:
	default:
		return fmt.Errorf("config.logging.level %q is not debug, info, warn or error", c.Logging.Level)
	}
	for status, d := range c.Deals.Dwell {
		st := domain.DealStatus(status)
		if st.Terminal() || !knownDealStatus(st) {
			return fmt.Errorf("config.deals.dwell: %q is not an open deal status", status)
		}
		if d <= 0 {
			return fmt.Errorf("config.deals.dwell.%s must be positive", status)
		}
	}
	if c.Deals.MaxFollowUps < 0 {
		return fmt.Errorf("config.deals.max_follow_ups must not be negative")
	}
	if err := c.Negotiation.Validate(); err != nil {
		return fmt.Errorf("config.negotiation: %w", err)
	}
	if err := c.Pricing.Validate(); err != nil {
		return fmt.Errorf("config.%w", err)
	}
	if c.Scheduler.PoolSize < 1 {
		return fmt.Errorf("config.scheduler.pool_size must be at least 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("config.scheduler.max_attempts must be at least 1")
	}
	if c.QA.MinScore < 0 || c.QA.MinScore > 100 {
		return fmt.Errorf("config.qa.min_score must be within 0..100")
	}
	if c.QA.MaxRevisions < 0 {
		return fmt.Errorf("config.qa.max_revisions must not be negative")
	}
	for name, spec := range c.Capabilities {
		if err := spec.Validate(name); err != nil {
			return fmt.Errorf("config.capabilities: %w", err)
		}
	}
	if c.Deals.Channel != "" {
		if err := c.requireRole(c.Deals.Channel, capability.RoleSender); err != nil {
			return fmt.Errorf("config.deals.channel: %w", err)
		}
	}
	for _, service := range sortedKeys(c.Services) {
		if _, err := c.Tasks(service); err != nil {
			return fmt.Errorf("config.services.%s: %w", service, err)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func (c *Config) requireRole(name, role string) error {
	spec, ok := c.Capabilities[name]
	if !ok {
		return fmt.Errorf("capability %q is not configured", name)
	}
	if spec.Role != role {
		return fmt.Errorf("capability %q has role %s, want %s", name, spec.Role, role)
	}
	return nil
}

// Tasks expands the template for a service type into task specs, falling
// back to the default template. The result is validated as a graph.
func (c *Config) Tasks(service string) ([]domain.TaskSpec, error) {
	tmpl, ok := c.Services[service]
	if !ok {
		tmpl, ok = c.Services[DefaultService]
	}
	if !ok || len(tmpl) == 0 {
		return nil, domain.ValidationError{Field: "service", Reason: fmt.Sprintf("no task template for %q", service)}
	}
	specs := make([]domain.TaskSpec, 0, len(tmpl))
	nodes := make([]scheduler.Node, 0, len(tmpl))
	for i, t := range tmpl {
		spec := domain.TaskSpec{
			Key:         t.Key,
			Name:        t.Name,
			Description: t.Description,
			ServiceType: service,
			Executor:    t.Executor,
			QAChecker:   t.QAChecker,
			DependsOn:   append([]string(nil), t.DependsOn...),
			Priority:    t.Priority,
		}
		if spec.Executor == "" {
			spec.Executor = c.Scheduler.DefaultExecutor
		}
		if spec.QAChecker == "" {
			spec.QAChecker = c.QA.DefaultChecker
		}
		if err := c.requireRole(spec.Executor, capability.RoleExecutor); err != nil {
			return nil, fmt.Errorf("task %s executor: %w", t.Key, err)
		}
		if err := c.requireRole(spec.QAChecker, capability.RoleChecker); err != nil {
			return nil, fmt.Errorf("task %s qa checker: %w", t.Key, err)
		}
		specs = append(specs, spec)
		nodes = append(nodes, scheduler.Node{ID: t.Key, DependsOn: t.DependsOn, Priority: t.Priority, Seq: i})
	}
	if _, err := scheduler.Build(nodes); err != nil {
		return nil, err
	}
	return specs, nil
}

// DealPolicy converts the deals and negotiation sections for the state machine.
func (c *Config) DealPolicy() deal.Policy {
	p := deal.DefaultPolicy()
	for status, d := range c.Deals.Dwell {
		p.Dwell[domain.DealStatus(status)] = d
	}
	p.MaxFollowUps = c.Deals.MaxFollowUps
	if len(c.Negotiation) > 0 {
		p.Rules = c.Negotiation
	}
	if c.Deals.Channel != "" {
		p.Channel = c.Deals.Channel
	}
	if c.Pricing.DefaultPrice > 0 {
		p.Pricing = c.Pricing
	}
	return p
}

// RunnerOptions converts the scheduler and qa sections for the project runner.
func (c *Config) RunnerOptions() scheduler.Options {
	return scheduler.Options{
		MaxAttempts: c.Scheduler.MaxAttempts,
		BackoffBase: c.Scheduler.BackoffBase,
		BackoffMax:  c.Scheduler.BackoffMax,
		TaskTimeout: c.Scheduler.TaskTimeout,
		CancelGrace: c.Scheduler.CancelGrace,
		MinQAScore:  c.QA.MinScore,
	}
}

// Quotas returns the per-capability dispatch limits.
func (c *Config) Quotas() map[string]int {
	out := make(map[string]int)
	for name, spec := range c.Capabilities {
		if spec.Quota > 0 {
			out[name] = spec.Quota
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "franky.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections absent
// from data keep their default values.
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

func knownDealStatus(s domain.DealStatus) bool {
	switch s {
	case domain.DealNew, domain.DealOutreachSent, domain.DealEngaged, domain.DealProposalSent,
		domain.DealNegotiating, domain.DealContractSent, domain.DealClosedWon, domain.DealClosedLost:
		return true
	}
	return false
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

const defaultTemplate = `logging:
  level: info
  json: false

scoring:
  default_signal: 10
  growth:
    hiring: 10
    funding: 15
    expansion: 10
  needs:
    no_website: 15
    outdated_website: 10
    low_social: 10
  temporal:
    freshness: {min: -15, max: -5, default: -10}
    distress: {min: 5, max: 15, default: 10}
    seasonal: {min: 10, max: 10, default: 10}

deals:
  dwell:
    new: 24h
    outreach_sent: 72h
    engaged: 120h
    proposal_sent: 168h
    negotiating: 168h
    contract_sent: 168h
  max_follow_ups: 2
  channel: email
  tick_interval: 1m

negotiation:
  - {objection: price, kind: discount_percent, mode: max, limit: 10}
  - {objection: scope, kind: extra_revisions, mode: max, limit: 1}
  - {objection: scope, kind: feature_substitution, mode: max, limit: 1}
  - {objection: timeline, kind: extension_days, mode: max, limit: 5}
  - {objection: timeline, kind: rush_days, mode: min, limit: 3, fee_percent: 20}

pricing:
  services:
    content_creation: {base_price: 800, days: 7}
    web_development: {base_price: 3000, days: 14}
    data_analysis: {base_price: 1200, days: 5}
  default_price: 1000
  default_days: 7
  buffer_days: 3
  bundle_min_services: 3
  bundle_discount_percent: 10
  tiers: {low: 0.8, medium: 1.0, high: 1.2}
  scopes: {minimal: 0.8, standard: 1.0, comprehensive: 1.3}

scheduler:
  pool_size: 4
  max_attempts: 3
  backoff_base: 500ms
  backoff_max: 10s
  task_timeout: 5m
  cancel_grace: 10s
  default_executor: local

qa:
  min_score: 80
  max_revisions: 2
  default_checker: local-qa

services:
  content_creation:
    - {key: research, name: Research, description: Research topic and gather information}
    - {key: outline, name: Outline, description: Create content outline, depends_on: [research]}
    - {key: draft, name: Draft, description: Write first draft, depends_on: [outline]}
    - {key: review, name: Review, description: Internal review and editing, depends_on: [draft]}
    - {key: finalize, name: Finalize, description: Finalize content and format, depends_on: [review]}
  web_development:
    - {key: requirements, name: Requirements, description: Gather detailed requirements}
    - {key: design, name: Design, description: Create website design, depends_on: [requirements]}
    - {key: development, name: Development, description: Develop website, depends_on: [design]}
    - {key: testing, name: Testing, description: Test website functionality, depends_on: [development]}
    - {key: deployment, name: Deployment, description: Deploy website, depends_on: [testing]}
  data_analysis:
    - {key: collection, name: Data Collection, description: Collect and organize data}
    - {key: cleaning, name: Data Cleaning, description: Clean and prepare data, depends_on: [collection]}
    - {key: analysis, name: Analysis, description: Perform data analysis, depends_on: [cleaning]}
    - {key: visualization, name: Visualization, description: Create data visualizations, depends_on: [analysis]}
    - {key: report, name: Report, description: Generate analysis report, depends_on: [analysis, visualization]}
  default:
    - {key: planning, name: Planning, description: Plan project execution}
    - {key: execution, name: Execution, description: Execute project tasks, depends_on: [planning]}
    - {key: review, name: Review, description: Review project results, depends_on: [execution]}
    - {key: delivery, name: Delivery, description: Deliver project results, depends_on: [review]}

capabilities:
  local:
    role: executor
    kind: local
  local-qa:
    role: qa
    kind: local
  email:
    role: sender
    kind: local
  linkedin:
    role: sender
    kind: local

webhooks: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
`
