// Package n8n reads workflow metadata from the development n8n instance.
package n8n

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// PageSize is the largest page the public API serves.
	PageSize = 250

	DefaultTimeout    = 20 * time.Second
	DefaultAPIVersion = "v1"

	maxResponseBytes = 16 << 20
)

// ErrNotFound is returned when a workflow id does not exist.
var ErrNotFound = errors.New("workflow not found")

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	APIVersion  string
	Timeout     time.Duration
	InsecureTLS bool
}

// Workflow is the normalised workflow record. Nodes is only populated by
// GetWorkflow.
type Workflow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	Nodes     []Node `json:"nodes,omitempty"`
}

// Node is a workflow node. Credentials maps a credential type to the
// credential the node uses.
type Node struct {
	Name        string                   `json:"name"`
	Type        string                   `json:"type"`
	Credentials map[string]CredentialRef `json:"credentials,omitempty"`
}

type CredentialRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UnmarshalJSON accepts numeric ids, which older n8n versions return.
func (r *CredentialRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID   json.RawMessage `json:"id"`
		Name string          `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Name = raw.Name
	r.ID = rawID(raw.ID)
	return nil
}

// CredentialIDs returns the sorted, de-duplicated ids of every credential
// referenced by the workflow's nodes.
func (w Workflow) CredentialIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, n := range w.Nodes {
		for _, ref := range n.Credentials {
			if ref.ID == "" || seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			ids = append(ids, ref.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Client talks to the n8n public REST API.
type Client struct {
	apiBase *url.URL
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("n8n base url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("n8n api key is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid n8n base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("n8n base url must be http(s), got %q", cfg.BaseURL)
	}

	version := cfg.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiBase: base.JoinPath("api", version),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		logger:  logger,
	}, nil
}

type workflowPage struct {
	Data       []Workflow `json:"data"`
	NextCursor *string    `json:"nextCursor"`
}

// ListWorkflows follows the cursor until the last page and returns every
// workflow without its nodes.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var all []Workflow
	seen := make(map[string]bool)
	cursor := ""

	for {
		u := *c.apiBase.JoinPath("workflows")
		q := url.Values{"limit": {strconv.Itoa(PageSize)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		u.RawQuery = q.Encode()

		var page workflowPage
		if err := c.getJSON(ctx, u.String(), &page); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		for _, w := range page.Data {
			w.Nodes = nil
			all = append(all, w)
		}

		if page.NextCursor == nil || *page.NextCursor == "" {
			break
		}
		cursor = *page.NextCursor
		if seen[cursor] {
			return nil, fmt.Errorf("list workflows: cursor %q repeated", cursor)
		}
		seen[cursor] = true
	}

	c.logger.Debug("listed workflows", "count", len(all))
	return all, nil
}

// GetWorkflow fetches one workflow including its nodes.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	if err := c.getJSON(ctx, c.apiBase.JoinPath("workflows", id).String(), &w); err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return &w, nil
}

func (c *Client) getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-N8N-API-KEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
