package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"promobox/internal/pipeline"
	"promobox/pkg/templates"

	"github.com/google/go-cmp/cmp"
)

const validYAML = `
server:
  port: 9090
jenkins:
  base_url: https://ci.example.com/
  user: deployer
  api_token: 11a7c3e5f9b2d4068e1c3a5b7d9f0e2a4c
  poll_interval: 3s
n8n:
  base_url: https://n8n.dev.example.com
  api_key: n8n_api_Zq8vL2mX9rT4wY7k
pipelines:
  promote_credentials:
    job: n8n/promote-credentials
    stop_on_approval: false
  push_to_git:
    job: n8n/dev-to-git
    stop_on_approval: false
  deploy_from_git:
    label: Deploy to production
    job: n8n/deploy-from-git
    stop_on_approval: true
    params:
      TARGET_ENV: prod
`

func noEnv(string) (string, bool) { return "", false }

func TestParse_ValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML), noEnv)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.Jenkins.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %s", cfg.Jenkins.PollInterval)
	}
	if cfg.Jenkins.JobTimeout != 15*time.Minute || cfg.Jenkins.QueueTimeout != 5*time.Minute {
		t.Errorf("Unexpected timeout defaults %+v", cfg.Jenkins)
	}
	if cfg.History.Driver != "sqlite" || cfg.History.Path != DefaultHistoryPath {
		t.Errorf("Unexpected history defaults %+v", cfg.History)
	}

	want := pipeline.Definitions{
		PromoteCredentials: pipeline.StageDef{Label: "Promote credentials", Job: "n8n/promote-credentials"},
		PushToGit:          pipeline.StageDef{Label: "Push to Git", Job: "n8n/dev-to-git"},
		DeployFromGit: pipeline.StageDef{
			Label:          "Deploy to production",
			Job:            "n8n/deploy-from-git",
			StopOnApproval: true,
			Params:         map[string]string{"TARGET_ENV": "prod"},
		},
		WorkflowParam:    "WORKFLOW_ID",
		CredentialsParam: "CRED_IDS",
	}
	if diff := cmp.Diff(want, cfg.Definitions()); diff != "" {
		t.Errorf("Definitions() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_StopOnApprovalMustBeExplicit(t *testing.T) {
	data := strings.Replace(validYAML, "    stop_on_approval: true\n", "", 1)

	_, err := Parse([]byte(data), noEnv)
	if err == nil {
		t.Fatal("Expected error when stop_on_approval is missing")
	}
	if !strings.Contains(err.Error(), "pipelines.deploy_from_git: 'stop_on_approval' must be set explicitly") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"JENKINS_BASE_URL":     "https://jenkins.internal",
		"JENKINS_API_TOKEN":    "f3a9c1e7b5d2048a6c9e1b3d5f7a9c2e4b",
		"PROD_DATABASE_URL":    "postgres://n8n@prod-db/n8n",
		"HISTORY_DATABASE_URL": "postgres://promobox@history-db/promobox",
		"PROMOBOX_PORT":        "7000",
		"N8N_INSECURE_TLS":     "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := Parse([]byte(validYAML), lookup)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Jenkins.BaseURL != "https://jenkins.internal" || cfg.Server.Port != 7000 || !cfg.N8N.InsecureTLS {
		t.Errorf("Env overrides not applied: %+v", cfg)
	}
	if cfg.History.Driver != "postgres" {
		t.Errorf("History driver = %q, want postgres when a URL is set", cfg.History.Driver)
	}
	if got := cfg.Ledger().Postgres.URL; got != env["HISTORY_DATABASE_URL"] {
		t.Errorf("Ledger().Postgres.URL = %q", got)
	}
}

func TestParse_InvalidEnv(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "PROMOBOX_PORT" {
			return "eighty", true
		}
		return "", false
	}
	if _, err := Parse([]byte(validYAML), lookup); err == nil || !strings.Contains(err.Error(), "PROMOBOX_PORT") {
		t.Errorf("Expected PROMOBOX_PORT error, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	data := `
server:
  port: 70000
jenkins:
  base_url: ftp://ci
  api_token: changeme
  workflow_param: "WORKFLOW ID"
n8n:
  base_url: https://n8n.dev
history:
  driver: mysql
github:
  repo: just-a-name
pipelines:
  promote_credentials:
    job: ../escape
    stop_on_approval: false
  push_to_git:
    stop_on_approval: false
  deploy_from_git:
    job: n8n/deploy
    stop_on_approval: true
`
	_, err := Parse([]byte(data), noEnv)
	if err == nil {
		t.Fatal("Expected validation errors")
	}
	for _, want := range []string{
		"server.port",
		"jenkins.base_url must be http(s)",
		"jenkins.api_token",
		"jenkins.workflow_param",
		"n8n.api_key is required",
		"history.driver",
		"github.repo",
		"pipelines.promote_credentials",
		"pipelines.push_to_git: missing required 'job' field",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got:\n%v", want, err)
		}
	}
}

func TestLoadAndFind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(validYAML), 0600); err != nil {
		t.Fatal(err)
	}

	found, err := Find(path)
	if err != nil || found != path {
		t.Fatalf("Find(%q) = %q, %v", path, found, err)
	}
	if _, err := Find(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing explicit config")
	}

	t.Setenv("JENKINS_BASE_URL", "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Jenkins.User != "deployer" {
		t.Errorf("User = %q", cfg.Jenkins.User)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("jenkins: [unclosed"), noEnv); err == nil {
		t.Error("Expected YAML parse error")
	}
}

func TestParse_StarterTemplate(t *testing.T) {
	t.Chdir(t.TempDir())

	rendered, err := templates.RenderConfig(templates.ConfigData{
		JenkinsBaseURL: "https://ci.example.com",
		JenkinsUser:    "promobot",
		N8NBaseURL:     "https://n8n.dev.example.com",
		HistoryPath:    "promobox.db",
		LogFile:        "promobox.log",
	})
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}

	env := map[string]string{"N8N_DEV_API_KEY": "n8n_api_Zq8vL2mX9rT4wY7k"}
	cfg, err := Parse([]byte(rendered), func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("Parse(starter) error = %v", err)
	}
	if !cfg.Server.Metrics || cfg.History.Driver != "sqlite" {
		t.Errorf("Unexpected starter settings: %+v %+v", cfg.Server, cfg.History)
	}
	if got := cfg.Definitions(); !got.DeployFromGit.StopOnApproval || got.PushToGit.StopOnApproval {
		t.Errorf("Unexpected starter approval gates: %+v", got)
	}
}
