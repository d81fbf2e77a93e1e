// Package jenkins is the only code that talks to the build server.
//
// It triggers parameterised jobs, follows queue items to their builds, and
// reports build state, including builds paused on an input step. State
// detection tolerates the several response shapes different Jenkins
// plugin versions produce; see Extract.
package jenkins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"promobox/internal/poll"
	"promobox/internal/security"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultQueueTimeout   = 5 * time.Minute
	DefaultJobTimeout     = 15 * time.Minute

	// MaxResponseBytes caps how much of any response body is read.
	MaxResponseBytes = 4 << 20

	// coreTree is the field projection used for the classic build API.
	coreTree = "building,result,actions[_class,inputs[id,message,ok],executions[id,settled,message,proceedText,proceedUrl,abortUrl,input[id,message,ok]]]"
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	User     string
	APIToken string

	RequestTimeout time.Duration
	PollInterval   time.Duration
	QueueTimeout   time.Duration
	JobTimeout     time.Duration

	// RequestsPerSecond paces outgoing requests; zero disables pacing.
	RequestsPerSecond float64

	// Clock overrides the poll clock (tests).
	Clock poll.Clock

	// Transport overrides the HTTP transport, e.g. to add metrics.
	Transport http.RoundTripper
}

// Client talks to one Jenkins instance.
type Client struct {
	base         *url.URL
	user         string
	token        string
	http         *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	queueTimeout time.Duration
	jobTimeout   time.Duration
	clock        poll.Clock
	logger       *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jenkins base url is required")
	}
	base, err := url.Parse(withSlash(strings.TrimSpace(cfg.BaseURL)))
	if err != nil {
		return nil, fmt.Errorf("invalid jenkins base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("jenkins base url must be http(s), got %q", cfg.BaseURL)
	}

	// Crumbs are bound to the session cookie that issued them.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:         base,
		user:         cfg.User,
		token:        cfg.APIToken,
		pollInterval: durationOr(cfg.PollInterval, poll.DefaultInterval),
		queueTimeout: durationOr(cfg.QueueTimeout, DefaultQueueTimeout),
		jobTimeout:   durationOr(cfg.JobTimeout, DefaultJobTimeout),
		clock:        cfg.Clock,
		logger:       logger,
		http: &http.Client{
			Timeout:   durationOr(cfg.RequestTimeout, DefaultRequestTimeout),
			Jar:       jar,
			Transport: cfg.Transport,
			// The trigger response's Location header is the queue item; it
			// must not be followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > 0 && via[0].Method == http.MethodPost {
					return http.ErrUseLastResponse
				}
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				return nil
			},
		},
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// BaseURL returns the configured server root (with trailing slash).
func (c *Client) BaseURL() string {
	return c.base.String()
}

// SameHost reports whether rawURL points at the configured server.
func (c *Client) SameHost(rawURL string) bool {
	return security.ValidateBuildURL(rawURL, c.base.String()) == nil
}

// TriggerJob queues jobPath with params and returns the absolute queue item
// URL.
func (c *Client) TriggerJob(ctx context.Context, jobPath string, params map[string]string) (string, error) {
	jobURLPath, err := JobURLPath(jobPath)
	if err != nil {
		return "", &TriggerError{Job: jobPath, Reason: err.Error()}
	}

	endpoint := "build"
	form := url.Values{}
	if len(params) > 0 {
		endpoint = "buildWithParameters"
		for k, v := range params {
			form.Set(k, v)
		}
	}
	target := c.base.JoinPath(strings.TrimSuffix(jobURLPath, "/"), endpoint).String()

	req, err := c.newRequest(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.applyCrumb(ctx, req)

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("trigger %s: %w", jobPath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseBytes))

	if resp.StatusCode >= 400 {
		return "", &TriggerError{Job: jobPath, StatusCode: resp.StatusCode, Reason: "build server refused the request"}
	}

	location := strings.TrimSpace(resp.Header.Get("Location"))
	if location == "" {
		return "", &TriggerError{Job: jobPath, StatusCode: resp.StatusCode, Reason: "no queue location returned"}
	}
	queue, err := c.base.Parse(location)
	if err != nil {
		return "", &TriggerError{Job: jobPath, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("invalid queue location %q", location)}
	}

	queueURL := withSlash(queue.String())
	c.logger.Debug("job queued", "job", jobPath, "queue_url", queueURL)
	return queueURL, nil
}

type queueItemDoc struct {
	Cancelled  bool   `json:"cancelled"`
	Why        string `json:"why"`
	Executable *struct {
		URL    string `json:"url"`
		Number int    `json:"number"`
	} `json:"executable"`
}

// ResolveQueueItem polls queueURL until the item is assigned a build.
func (c *Client) ResolveQueueItem(ctx context.Context, queueURL string) (QueueResolution, error) {
	itemURL := withSlash(queueURL) + "api/json"

	p := c.poller(c.queueTimeout)
	p.OnRetry = func(attempt int, err error) {
		c.logger.Debug("queue probe failed, retrying", "queue_url", queueURL, "attempt", attempt, "error", err)
	}

	item, err := poll.Until(ctx, p, func(ctx context.Context) (queueItemDoc, error) {
		var doc queueItemDoc
		if err := c.getObject(ctx, itemURL, &doc); err != nil {
			return doc, permanent(err)
		}
		if doc.Cancelled {
			return doc, poll.Fatal(&QueueCancelledError{QueueURL: queueURL, Why: doc.Why})
		}
		return doc, nil
	}, func(doc queueItemDoc) bool {
		return doc.Executable != nil && doc.Executable.URL != ""
	})
	if err != nil {
		return QueueResolution{}, fmt.Errorf("resolve queue item %s: %w", queueURL, err)
	}

	buildURL, err := c.base.Parse(item.Executable.URL)
	if err != nil {
		return QueueResolution{}, &UpstreamParseError{URL: itemURL, Reason: "invalid executable url", Err: err}
	}
	return QueueResolution{BuildURL: withSlash(buildURL.String()), BuildNumber: item.Executable.Number}, nil
}

// GetBuildState reports the current state of the build at buildURL.
//
// The wfapi describe endpoint is preferred because it alone distinguishes
// a paused input step from a running build. When it is unavailable the
// classic API is used instead.
func (c *Client) GetBuildState(ctx context.Context, buildURL string) (BuildState, error) {
	loc, err := NewLocator(c.base.String(), buildURL)
	if err != nil {
		return BuildState{}, err
	}
	build := loc.Build

	var snap Snapshot
	var describe DescribeDoc
	describeURL := build.JoinPath("wfapi", "describe").String()
	err = c.getObject(ctx, describeURL, &describe)
	if err == nil {
		snap.Describe = &describe
		if describePaused(&describe) {
			snap.Pending = c.pendingInputActions(ctx, build)
		}
		return Extract(snap, loc)
	}
	if ctx.Err() != nil {
		return BuildState{}, ctx.Err()
	}
	c.logger.Debug("wfapi describe unavailable, using core api", "build_url", build.String(), "error", err)

	core := build.JoinPath("api", "json")
	core.RawQuery = url.Values{"tree": {coreTree}}.Encode()
	var doc BuildDoc
	if err := c.getObject(ctx, core.String(), &doc); err != nil {
		return BuildState{}, fmt.Errorf("get build state %s: %w", build.String(), err)
	}
	snap.Build = &doc

	if doc.Building != nil && *doc.Building && hasInputAction(doc) && fromBuildActions(snap, loc) == nil {
		snap.InputAPI = c.inputAPI(ctx, build)
	}
	return Extract(snap, loc)
}

func hasInputAction(doc BuildDoc) bool {
	for _, a := range doc.Actions {
		if a.isInput() {
			return true
		}
	}
	return false
}

// pendingInputActions is a secondary source: failures mean "no details".
func (c *Client) pendingInputActions(ctx context.Context, build *url.URL) []PendingInputAction {
	target := build.JoinPath("wfapi", "pendingInputActions").String()
	body, err := c.get(ctx, target)
	if err != nil {
		c.logger.Debug("pending input actions unavailable", "url", target, "error", err)
		return nil
	}
	var actions []PendingInputAction
	if err := decodeArray(target, body, &actions); err != nil {
		c.logger.Debug("pending input actions unparseable", "url", target, "error", err)
		return nil
	}
	return actions
}

// inputAPI is a secondary source: failures mean "no details".
func (c *Client) inputAPI(ctx context.Context, build *url.URL) *InputAPIDoc {
	target := build.JoinPath("input", "api", "json").String()
	var doc InputAPIDoc
	if err := c.getObject(ctx, target, &doc); err != nil {
		c.logger.Debug("input api unavailable", "url", target, "error", err)
		return nil
	}
	return &doc
}

// WaitForState polls the build until it finishes or, when stopOnApproval
// is set, until it pauses on an input step.
func (c *Client) WaitForState(ctx context.Context, buildURL string, stopOnApproval bool) (BuildState, error) {
	p := c.poller(c.jobTimeout)
	p.OnRetry = func(attempt int, err error) {
		c.logger.Debug("build state probe failed, retrying", "build_url", buildURL, "attempt", attempt, "error", err)
	}
	return poll.Until(ctx, p, func(ctx context.Context) (BuildState, error) {
		state, err := c.GetBuildState(ctx, buildURL)
		return state, permanent(err)
	}, func(s BuildState) bool {
		return s.Phase.Terminal() || (stopOnApproval && s.Phase == PhaseAwaitingApproval)
	})
}

// SubmitInput POSTs to a proceed or abort URL of a paused build.
func (c *Client) SubmitInput(ctx context.Context, actionURL string) error {
	if !c.SameHost(actionURL) {
		return fmt.Errorf("input url %q is not on the build server", actionURL)
	}
	req, err := c.newRequest(ctx, http.MethodPost, actionURL, nil)
	if err != nil {
		return err
	}
	c.applyCrumb(ctx, req)

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("submit input: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseBytes))

	if resp.StatusCode >= 400 {
		return &statusError{Method: http.MethodPost, URL: actionURL, StatusCode: resp.StatusCode}
	}
	return nil
}

// permanent marks errors that another probe cannot fix as fatal. Network
// errors and 5xx responses stay retryable.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *UpstreamParseError
	if errors.As(err, &pe) {
		return poll.Fatal(err)
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return poll.Fatal(err)
		}
	}
	return err
}

func (c *Client) poller(timeout time.Duration) poll.Poller {
	return poll.Poller{Interval: c.pollInterval, Timeout: timeout, Clock: c.clock}
}

type crumbDoc struct {
	CrumbRequestField string `json:"crumbRequestField"`
	Crumb             string `json:"crumb"`
}

// applyCrumb adds a CSRF crumb header when the server issues one. Any
// failure is treated as "crumbs not required".
func (c *Client) applyCrumb(ctx context.Context, req *http.Request) {
	target := c.base.JoinPath("crumbIssuer", "api", "json").String()
	var doc crumbDoc
	if err := c.getObject(ctx, target, &doc); err != nil {
		c.logger.Debug("no crumb issued", "error", err)
		return
	}
	if doc.CrumbRequestField != "" && doc.Crumb != "" {
		req.Header.Set(doc.CrumbRequestField, doc.Crumb)
	}
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, target, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" || c.token != "" {
		req.SetBasicAuth(c.user, c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return c.http.Do(req)
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{Method: http.MethodGet, URL: target, StatusCode: resp.StatusCode}
	}
	return body, nil
}

func (c *Client) getObject(ctx context.Context, target string, v any) error {
	body, err := c.get(ctx, target)
	if err != nil {
		return err
	}
	return decodeObject(target, body, v)
}
