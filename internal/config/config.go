// Package config loads promobox.yaml, applies environment overrides and
// validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"promobox/internal/gitops"
	"promobox/internal/history"
	"promobox/internal/jenkins"
	"promobox/internal/n8n"
	"promobox/internal/pipeline"
	"promobox/internal/poll"
	"promobox/internal/postgres"
	"promobox/internal/security"
	"promobox/pkg/fileutil"

	"gopkg.in/yaml.v3"
)

// FileName is the config file searched for by Find.
const FileName = "promobox.yaml"

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8080
	DefaultRateLimit        = 10
	DefaultRateBurst        = 20
	DefaultHistoryPath      = "promobox.db"
	DefaultWorkflowParam    = "WORKFLOW_ID"
	DefaultCredentialsParam = "CRED_IDS"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Jenkins   JenkinsConfig   `yaml:"jenkins"`
	N8N       N8NConfig       `yaml:"n8n"`
	Databases DatabasesConfig `yaml:"databases"`
	History   HistoryConfig   `yaml:"history"`
	GitHub    GitHubConfig    `yaml:"github"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
}

type ServerConfig struct {
	Host      string  `yaml:"host"`
	Port      int     `yaml:"port"`
	LogFile   string  `yaml:"log_file"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	Metrics   bool    `yaml:"metrics"`
}

type JenkinsConfig struct {
	BaseURL           string        `yaml:"base_url"`
	User              string        `yaml:"user"`
	APIToken          string        `yaml:"api_token"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	WorkflowParam     string        `yaml:"workflow_param"`
	CredentialsParam  string        `yaml:"credentials_param"`
}

type N8NConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	APIVersion  string        `yaml:"api_version"`
	Timeout     time.Duration `yaml:"timeout"`
	InsecureTLS bool          `yaml:"insecure_tls"`
}

// DatabasesConfig points at the n8n databases. DevURL holds credential
// metadata, ProdURL is checked for credential presence.
type DatabasesConfig struct {
	DevURL  string `yaml:"dev_url"`
	ProdURL string `yaml:"prod_url"`
}

type HistoryConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

type GitHubConfig struct {
	Repo   string `yaml:"repo"`
	Branch string `yaml:"branch"`
	Token  string `yaml:"token"`
	APIURL string `yaml:"api_url"`
}

// StageConfig is one pipeline job. StopOnApproval is a pointer so that a
// missing value can be rejected.
type StageConfig struct {
	Label          string            `yaml:"label"`
	Job            string            `yaml:"job"`
	StopOnApproval *bool             `yaml:"stop_on_approval"`
	Params         map[string]string `yaml:"params"`
}

type PipelinesConfig struct {
	PromoteCredentials StageConfig `yaml:"promote_credentials"`
	PushToGit          StageConfig `yaml:"push_to_git"`
	DeployFromGit      StageConfig `yaml:"deploy_from_git"`
}

// Find returns the config file path: explicit when set, otherwise the
// first match in the default search paths.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if !fileutil.FileExists(explicit) {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	return fileutil.FindConfig(FileName, fileutil.ConfigDirs(os.LookupEnv))
}

// Load reads, overrides from the process environment and validates the
// configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse is Load without the file read. lookupEnv may be nil.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if lookupEnv != nil {
		if errs := cfg.applyEnv(lookupEnv); len(errs) > 0 {
			return nil, fmt.Errorf("invalid environment:\n%s", strings.Join(errs, "\n"))
		}
	}
	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}
	return &cfg, nil
}

// applyEnv overrides endpoints and secrets from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) []string {
	var errors []string

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("JENKINS_BASE_URL", &c.Jenkins.BaseURL)
	str("JENKINS_USER", &c.Jenkins.User)
	str("JENKINS_API_TOKEN", &c.Jenkins.APIToken)
	str("N8N_DEV_BASE_URL", &c.N8N.BaseURL)
	str("N8N_DEV_API_KEY", &c.N8N.APIKey)
	str("DEV_DATABASE_URL", &c.Databases.DevURL)
	str("PROD_DATABASE_URL", &c.Databases.ProdURL)
	str("HISTORY_DATABASE_URL", &c.History.URL)
	str("GITHUB_TOKEN", &c.GitHub.Token)
	str("PROMOBOX_HOST", &c.Server.Host)
	str("PROMOBOX_LOG_FILE", &c.Server.LogFile)

	if v, ok := lookup("PROMOBOX_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errors = append(errors, fmt.Sprintf("  - PROMOBOX_PORT must be an integer, got '%s'", v))
		} else {
			c.Server.Port = port
		}
	}
	if v, ok := lookup("N8N_INSECURE_TLS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errors = append(errors, fmt.Sprintf("  - N8N_INSECURE_TLS must be a boolean, got '%s'", v))
		} else {
			c.N8N.InsecureTLS = b
		}
	}
	return errors
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = DefaultRateLimit
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = DefaultRateBurst
	}
	if c.Jenkins.PollInterval == 0 {
		c.Jenkins.PollInterval = poll.DefaultInterval
	}
	if c.Jenkins.QueueTimeout == 0 {
		c.Jenkins.QueueTimeout = jenkins.DefaultQueueTimeout
	}
	if c.Jenkins.JobTimeout == 0 {
		c.Jenkins.JobTimeout = jenkins.DefaultJobTimeout
	}
	if c.Jenkins.RequestTimeout == 0 {
		c.Jenkins.RequestTimeout = jenkins.DefaultRequestTimeout
	}
	if c.Jenkins.WorkflowParam == "" {
		c.Jenkins.WorkflowParam = DefaultWorkflowParam
	}
	if c.Jenkins.CredentialsParam == "" {
		c.Jenkins.CredentialsParam = DefaultCredentialsParam
	}
	if c.N8N.APIVersion == "" {
		c.N8N.APIVersion = n8n.DefaultAPIVersion
	}
	if c.N8N.Timeout == 0 {
		c.N8N.Timeout = n8n.DefaultTimeout
	}
	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
		if c.History.URL != "" {
			c.History.Driver = "postgres"
		}
	}
	if c.History.Path == "" {
		c.History.Path = DefaultHistoryPath
	}
	if c.GitHub.Branch == "" {
		c.GitHub.Branch = "main"
	}

	setLabel := func(s *StageConfig, label string) {
		if s.Label == "" {
			s.Label = label
		}
	}
	setLabel(&c.Pipelines.PromoteCredentials, "Promote credentials")
	setLabel(&c.Pipelines.PushToGit, "Push to Git")
	setLabel(&c.Pipelines.DeployFromGit, "Deploy from Git")
}

// Validate returns every problem found, one line each.
func (c *Config) Validate() []string {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("  - server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errors = append(errors, "  - server.rate_limit and server.rate_burst must not be negative")
	}

	// Jenkins is the only required integration.
	if c.Jenkins.BaseURL == "" {
		errors = append(errors, "  - jenkins.base_url is required (or set JENKINS_BASE_URL)")
	} else if !strings.HasPrefix(c.Jenkins.BaseURL, "http://") && !strings.HasPrefix(c.Jenkins.BaseURL, "https://") {
		errors = append(errors, fmt.Sprintf("  - jenkins.base_url must be http(s), got '%s'", c.Jenkins.BaseURL))
	}
	if c.Jenkins.APIToken != "" {
		if err := security.ValidateToken(c.Jenkins.APIToken); err != nil {
			errors = append(errors, fmt.Sprintf("  - jenkins.api_token: %v", err))
		}
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":   c.Jenkins.PollInterval,
		"queue_timeout":   c.Jenkins.QueueTimeout,
		"job_timeout":     c.Jenkins.JobTimeout,
		"request_timeout": c.Jenkins.RequestTimeout,
	} {
		if d < 0 {
			errors = append(errors, fmt.Sprintf("  - jenkins.%s must be positive, got %s", name, d))
		}
	}
	for name, p := range map[string]string{
		"workflow_param":    c.Jenkins.WorkflowParam,
		"credentials_param": c.Jenkins.CredentialsParam,
	} {
		if err := security.ValidateParamName(p); err != nil {
			errors = append(errors, fmt.Sprintf("  - jenkins.%s: %v", name, err))
		}
	}

	if c.N8N.BaseURL != "" && c.N8N.APIKey == "" {
		errors = append(errors, "  - n8n.api_key is required when n8n.base_url is set")
	}
	if c.N8N.APIKey != "" {
		if err := security.ValidateToken(c.N8N.APIKey); err != nil {
			errors = append(errors, fmt.Sprintf("  - n8n.api_key: %v", err))
		}
	}

	switch c.History.Driver {
	case "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if c.History.URL == "" {
			errors = append(errors, "  - history.url is required for the postgres driver")
		}
	default:
		errors = append(errors, fmt.Sprintf("  - history.driver must be sqlite or postgres, got '%s'", c.History.Driver))
	}

	if c.GitHub.Repo != "" && len(strings.Split(c.GitHub.Repo, "/")) != 2 {
		errors = append(errors, fmt.Sprintf("  - github.repo must be owner/repo, got '%s'", c.GitHub.Repo))
	}

	errors = append(errors, validateStage("promote_credentials", c.Pipelines.PromoteCredentials)...)
	errors = append(errors, validateStage("push_to_git", c.Pipelines.PushToGit)...)
	errors = append(errors, validateStage("deploy_from_git", c.Pipelines.DeployFromGit)...)

	return errors
}

func validateStage(name string, s StageConfig) []string {
	var errors []string
	if s.Job == "" {
		errors = append(errors, fmt.Sprintf("  - pipelines.%s: missing required 'job' field", name))
	} else if err := security.ValidateJobPath(s.Job); err != nil {
		errors = append(errors, fmt.Sprintf("  - pipelines.%s: %v", name, err))
	}
	if s.StopOnApproval == nil {
		errors = append(errors, fmt.Sprintf("  - pipelines.%s: 'stop_on_approval' must be set explicitly", name))
	}
	for p := range s.Params {
		if err := security.ValidateParamName(p); err != nil {
			errors = append(errors, fmt.Sprintf("  - pipelines.%s: %v", name, err))
		}
	}
	return errors
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// JenkinsClient returns the build server client configuration.
func (c *Config) JenkinsClient() jenkins.Config {
	return jenkins.Config{
		BaseURL:           c.Jenkins.BaseURL,
		User:              c.Jenkins.User,
		APIToken:          c.Jenkins.APIToken,
		RequestTimeout:    c.Jenkins.RequestTimeout,
		PollInterval:      c.Jenkins.PollInterval,
		QueueTimeout:      c.Jenkins.QueueTimeout,
		JobTimeout:        c.Jenkins.JobTimeout,
		RequestsPerSecond: c.Jenkins.RequestsPerSecond,
	}
}

// N8NEnabled reports whether the workflow engine is configured.
func (c *Config) N8NEnabled() bool {
	return c.N8N.BaseURL != ""
}

// N8NClient returns the workflow engine client configuration.
func (c *Config) N8NClient() n8n.Config {
	return n8n.Config{
		BaseURL:     c.N8N.BaseURL,
		APIKey:      c.N8N.APIKey,
		APIVersion:  c.N8N.APIVersion,
		Timeout:     c.N8N.Timeout,
		InsecureTLS: c.N8N.InsecureTLS,
	}
}

// Ledger returns the history store configuration.
func (c *Config) Ledger() history.Config {
	return history.Config{
		Driver:   c.History.Driver,
		Path:     c.History.Path,
		Postgres: postgres.DefaultConfig(c.History.URL),
	}
}

// Repository returns the commit lookup configuration.
func (c *Config) Repository() gitops.Config {
	return gitops.Config{
		OwnerRepo: c.GitHub.Repo,
		Branch:    c.GitHub.Branch,
		Token:     c.GitHub.Token,
		APIURL:    c.GitHub.APIURL,
	}
}

// Definitions returns the pipeline job definitions. Validate must have
// passed.
func (c *Config) Definitions() pipeline.Definitions {
	return pipeline.Definitions{
		PromoteCredentials: c.Pipelines.PromoteCredentials.def(),
		PushToGit:          c.Pipelines.PushToGit.def(),
		DeployFromGit:      c.Pipelines.DeployFromGit.def(),
		WorkflowParam:      c.Jenkins.WorkflowParam,
		CredentialsParam:   c.Jenkins.CredentialsParam,
	}
}

func (s StageConfig) def() pipeline.StageDef {
	d := pipeline.StageDef{Label: s.Label, Job: s.Job, Params: s.Params}
	if s.StopOnApproval != nil {
		d.StopOnApproval = *s.StopOnApproval
	}
	return d
}
