package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Template names
const (
	Config         = "config"
	SystemdService = "systemd-service"
)

//go:embed files/*.template
var builtin embed.FS

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

// GetTemplatePaths returns the search paths for templates
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "promobox", "templates", filename),
	}
}

// Builtin is the Source of a template read from the binary.
const Builtin = "builtin"

// Source returns the override file that GetTemplate would read for name,
// or Builtin when none exists.
func Source(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}
	for _, path := range GetTemplatePaths(name) {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return Builtin, nil
}

// GetTemplate returns the raw template content by name.
// Templates are loaded in the following order:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/promobox/templates/<name>.template
// 4. the copy built into the binary
func GetTemplate(name string) (string, error) {
	src, err := Source(name)
	if err != nil {
		return "", err
	}
	if src != Builtin {
		content, err := os.ReadFile(src)
		if err != nil {
			return "", fmt.Errorf("failed to read template override %s: %w", src, err)
		}
		return string(content), nil
	}

	content, err := builtin.ReadFile("files/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("template file not found: %s", name)
	}
	return string(content), nil
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution.
//
// Example:
//
//	data := TemplateData{
//	    "JENKINS_BASE_URL": "https://jenkins.example.com",
//	    "HISTORY_PATH":     "/var/lib/promobox/promobox.db",
//	}
//	rendered, err := Render(Config, data)
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	// Replace placeholders
	rendered := tmplContent
	for key, value := range data {
		placeholder := fmt.Sprintf("{{%s}}", key)
		rendered = strings.ReplaceAll(rendered, placeholder, value)
	}

	return rendered, nil
}

// ConfigData are the values substituted into the sample configuration.
type ConfigData struct {
	JenkinsBaseURL string
	JenkinsUser    string
	N8NBaseURL     string
	HistoryPath    string
	LogFile        string
}

// RenderConfig renders a starter promobox.yaml.
func RenderConfig(d ConfigData) (string, error) {
	return Render(Config, TemplateData{
		"JENKINS_BASE_URL": d.JenkinsBaseURL,
		"JENKINS_USER":     d.JenkinsUser,
		"N8N_BASE_URL":     d.N8NBaseURL,
		"HISTORY_PATH":     d.HistoryPath,
		"LOG_FILE":         d.LogFile,
	})
}

// RenderSystemdService renders the systemd service template.
func RenderSystemdService(user, group, workingDir, binary, configFile, logFile string) (string, error) {
	return Render(SystemdService, TemplateData{
		"USER":        user,
		"GROUP":       group,
		"WORKING_DIR": workingDir,
		"BINARY":      binary,
		"CONFIG_FILE": configFile,
		"LOG_DIR":     filepath.Dir(logFile),
	})
}

// Info names a template and where it is currently loaded from.
type Info struct {
	Name   string
	Source string
}

// ListTemplates reports every template with its Source, in a fixed order.
func ListTemplates() ([]Info, error) {
	names := []string{Config, SystemdService}
	out := make([]Info, 0, len(names))
	for _, name := range names {
		src, err := Source(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Info{Name: name, Source: src})
	}
	return out, nil
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	validNames := map[string]bool{
		Config:         true,
		SystemdService: true,
	}
	return validNames[name]
}
