package jenkins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"promobox/internal/poll"
)

// fakeJenkins serves the subset of the Jenkins REST API the client uses.
type fakeJenkins struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux

	triggerForm   atomic.Value
	triggerCrumb  atomic.Value
	queueProbes   atomic.Int32
	describeCalls atomic.Int32
}

func newFakeJenkins(t *testing.T) *fakeJenkins {
	t.Helper()
	f := &fakeJenkins{t: t, mux: http.NewServeMux()}
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)

	f.mux.HandleFunc("GET /crumbIssuer/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"crumbRequestField":"Jenkins-Crumb","crumb":"c0ffee"}`)
	})
	return f
}

func (f *fakeJenkins) buildURL() string {
	return f.srv.URL + "/job/teamA/job/sync/17/"
}

func (f *fakeJenkins) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:      f.srv.URL,
		User:         "deployer",
		APIToken:     "11a7c3e5f9b2d4068e1c3a5b7d9f0e2a4c",
		PollInterval: time.Millisecond,
		QueueTimeout: 2 * time.Second,
		JobTimeout:   2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func (f *fakeJenkins) acceptTrigger() {
	f.mux.HandleFunc("POST /job/teamA/job/sync/buildWithParameters", func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "deployer" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.triggerForm.Store(r.PostForm.Encode())
		f.triggerCrumb.Store(r.Header.Get("Jenkins-Crumb"))
		w.Header().Set("Location", f.srv.URL+"/queue/item/42")
		w.WriteHeader(http.StatusCreated)
	})
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"https", "https://ci.example.com", false},
		{"http with path", "http://ci.internal:8080/jenkins", false},
		{"empty", "", true},
		{"ftp", "ftp://ci.example.com", true},
		{"relative", "ci.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(Config{BaseURL: tt.baseURL}, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient(%q) error = %v, wantErr %v", tt.baseURL, err, tt.wantErr)
			}
		})
	}
}

func TestTriggerJob(t *testing.T) {
	f := newFakeJenkins(t)
	f.acceptTrigger()
	c := f.client(t)

	queueURL, err := c.TriggerJob(context.Background(), "teamA/sync", map[string]string{"WORKFLOW_ID": "wf1"})
	if err != nil {
		t.Fatalf("TriggerJob() error = %v", err)
	}

	if queueURL != f.srv.URL+"/queue/item/42/" {
		t.Errorf("Expected queue URL with trailing slash, got %q", queueURL)
	}
	if got := f.triggerForm.Load(); got != "WORKFLOW_ID=wf1" {
		t.Errorf("Expected form WORKFLOW_ID=wf1, got %v", got)
	}
	if got := f.triggerCrumb.Load(); got != "c0ffee" {
		t.Errorf("Expected crumb header, got %v", got)
	}
}

func TestTriggerJob_RelativeLocation(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("POST /job/deploy/build", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/queue/item/7/")
		w.WriteHeader(http.StatusCreated)
	})

	queueURL, err := f.client(t).TriggerJob(context.Background(), "deploy", nil)
	if err != nil {
		t.Fatalf("TriggerJob() error = %v", err)
	}
	if queueURL != f.srv.URL+"/queue/item/7/" {
		t.Errorf("Expected absolute queue URL, got %q", queueURL)
	}
}

func TestTriggerJob_Errors(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("POST /job/refused/buildWithParameters", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	f.mux.HandleFunc("POST /job/silent/buildWithParameters", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	c := f.client(t)
	params := map[string]string{"CRED_IDS": "a,b"}

	tests := []struct {
		name       string
		job        string
		wantStatus int
	}{
		{"refused", "refused", http.StatusForbidden},
		{"no location", "silent", http.StatusCreated},
		{"invalid path", "../etc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.TriggerJob(context.Background(), tt.job, params)
			var te *TriggerError
			if !errors.As(err, &te) {
				t.Fatalf("Expected TriggerError, got %v", err)
			}
			if te.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", te.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestResolveQueueItem(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /queue/item/42/api/json", func(w http.ResponseWriter, r *http.Request) {
		if f.queueProbes.Add(1) < 3 {
			fmt.Fprint(w, `{"cancelled":false,"why":"Waiting for next available executor"}`)
			return
		}
		fmt.Fprintf(w, `{"executable":{"number":17,"url":%q}}`, f.buildURL())
	})

	res, err := f.client(t).ResolveQueueItem(context.Background(), f.srv.URL+"/queue/item/42/")
	if err != nil {
		t.Fatalf("ResolveQueueItem() error = %v", err)
	}
	if res.BuildNumber != 17 || res.BuildURL != f.buildURL() {
		t.Errorf("Unexpected resolution %+v", res)
	}
	if got := f.queueProbes.Load(); got != 3 {
		t.Errorf("Expected 3 queue probes, got %d", got)
	}
}

func TestResolveQueueItem_Cancelled(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /queue/item/42/api/json", func(w http.ResponseWriter, r *http.Request) {
		f.queueProbes.Add(1)
		fmt.Fprint(w, `{"cancelled":true,"why":"cancelled by admin"}`)
	})

	_, err := f.client(t).ResolveQueueItem(context.Background(), f.srv.URL+"/queue/item/42/")
	var qe *QueueCancelledError
	if !errors.As(err, &qe) {
		t.Fatalf("Expected QueueCancelledError, got %v", err)
	}
	if got := f.queueProbes.Load(); got != 1 {
		t.Errorf("Cancelled item must stop polling, got %d probes", got)
	}
}

func TestResolveQueueItem_Timeout(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /queue/item/42/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"cancelled":false}`)
	})
	c := f.client(t)
	c.queueTimeout = 30 * time.Millisecond

	_, err := c.ResolveQueueItem(context.Background(), f.srv.URL+"/queue/item/42/")
	var te *poll.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Expected poll.TimeoutError, got %v", err)
	}
}

func TestGetBuildState_DescribePaused(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/wfapi/describe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"PAUSED_PENDING_INPUT","stages":[{"name":"Deploy","status":"PAUSED_PENDING_INPUT"}]}`)
	})
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/wfapi/pendingInputActions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"abort-or-proceed-1","message":"Confirm prod deploy","abortUrl":"/job/teamA/job/sync/17/input/abort-or-proceed-1/abort"}]`)
	})

	state, err := f.client(t).GetBuildState(context.Background(), f.buildURL())
	if err != nil {
		t.Fatalf("GetBuildState() error = %v", err)
	}
	if state.Phase != PhaseAwaitingApproval || state.Stage != "Deploy" {
		t.Fatalf("Unexpected state %+v", state)
	}
	if state.Approval.Message != "Confirm prod deploy" || state.Approval.ID != "abort-or-proceed-1" {
		t.Errorf("Unexpected approval %+v", state.Approval)
	}
	if want := f.buildURL() + "input/abort-or-proceed-1/abort"; state.Approval.AbortURL != want {
		t.Errorf("AbortURL = %q, want %q", state.Approval.AbortURL, want)
	}
}

func TestGetBuildState_PendingActionsUnavailable(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/wfapi/describe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"PAUSED_PENDING_INPUT"}`)
	})

	state, err := f.client(t).GetBuildState(context.Background(), f.buildURL())
	if err != nil {
		t.Fatalf("GetBuildState() error = %v", err)
	}
	if state.Approval == nil || state.Approval.InputPageURL != f.buildURL()+"input/" {
		t.Errorf("Expected approval with input page only, got %+v", state.Approval)
	}
}

func TestGetBuildState_CoreFallback(t *testing.T) {
	f := newFakeJenkins(t)
	var treeQuery atomic.Value
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/api/json", func(w http.ResponseWriter, r *http.Request) {
		treeQuery.Store(r.URL.Query().Get("tree"))
		fmt.Fprint(w, `{"building":true,"result":null,"actions":[{"_class":"org.jenkinsci.plugins.workflow.support.steps.input.InputAction","executions":[{"id":"old","settled":true}]}]}`)
	})
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/input/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"inputs":[{"id":"Approve","message":"Release?","ok":"Ship"}]}`)
	})

	state, err := f.client(t).GetBuildState(context.Background(), f.buildURL())
	if err != nil {
		t.Fatalf("GetBuildState() error = %v", err)
	}
	if tree, _ := treeQuery.Load().(string); !strings.HasPrefix(tree, "building,result,actions") {
		t.Errorf("Expected tree projection, got %q", tree)
	}
	if state.Phase != PhaseAwaitingApproval {
		t.Fatalf("Expected AWAITING_APPROVAL, got %s", state.Phase)
	}
	if state.Approval.ProceedText != "Ship" || state.Approval.ProceedURL != f.buildURL()+"input/Approve/proceedEmpty" {
		t.Errorf("Unexpected approval %+v", state.Approval)
	}
}

func TestGetBuildState_Unparseable(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>login</html>`)
	})

	_, err := f.client(t).GetBuildState(context.Background(), f.buildURL())
	var pe *UpstreamParseError
	if !errors.As(err, &pe) {
		t.Errorf("Expected UpstreamParseError, got %v", err)
	}
}

func TestWaitForState(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/wfapi/describe", func(w http.ResponseWriter, r *http.Request) {
		switch f.describeCalls.Add(1) {
		case 1, 2:
			fmt.Fprint(w, `{"status":"IN_PROGRESS","stages":[{"name":"Push","status":"IN_PROGRESS"}]}`)
		default:
			fmt.Fprint(w, `{"status":"SUCCESS"}`)
		}
	})

	state, err := f.client(t).WaitForState(context.Background(), f.buildURL(), false)
	if err != nil {
		t.Fatalf("WaitForState() error = %v", err)
	}
	if !state.Succeeded() || state.Result != "SUCCESS" {
		t.Errorf("Expected SUCCESS, got %+v", state)
	}
	if got := f.describeCalls.Load(); got != 3 {
		t.Errorf("Expected 3 describe calls, got %d", got)
	}
}

func TestWaitForState_StopOnApproval(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/wfapi/describe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"PAUSED_PENDING_INPUT"}`)
	})
	c := f.client(t)

	state, err := c.WaitForState(context.Background(), f.buildURL(), true)
	if err != nil {
		t.Fatalf("WaitForState() error = %v", err)
	}
	if state.Phase != PhaseAwaitingApproval {
		t.Errorf("Expected AWAITING_APPROVAL, got %s", state.Phase)
	}

	// Without stopOnApproval the paused build is waited on until the deadline.
	c.jobTimeout = 30 * time.Millisecond
	_, err = c.WaitForState(context.Background(), f.buildURL(), false)
	var te *poll.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Expected poll.TimeoutError, got %v", err)
	}
	last, ok := te.Last.(BuildState)
	if !ok || last.Phase != PhaseAwaitingApproval {
		t.Errorf("Expected last observed state AWAITING_APPROVAL, got %+v", te.Last)
	}
}

func TestWaitForState_PermanentErrorsStopPolling(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(error) bool
	}{
		{
			name: "login page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `<html>login</html>`)
			},
			check: func(err error) bool {
				var pe *UpstreamParseError
				return errors.As(err, &pe)
			},
		},
		{
			name: "neither building nor result",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"actions":[]}`)
			},
			check: func(err error) bool {
				var pe *UpstreamParseError
				return errors.As(err, &pe)
			},
		},
		{
			name: "forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			check: func(err error) bool {
				var se *statusError
				return errors.As(err, &se) && se.StatusCode == http.StatusForbidden
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeJenkins(t)
			var coreCalls atomic.Int32
			f.mux.HandleFunc("GET /job/teamA/job/sync/17/api/json", func(w http.ResponseWriter, r *http.Request) {
				coreCalls.Add(1)
				tt.handler(w, r)
			})

			_, err := f.client(t).WaitForState(context.Background(), f.buildURL(), true)
			if !tt.check(err) {
				t.Fatalf("Unexpected error %v", err)
			}
			var te *poll.TimeoutError
			if errors.As(err, &te) {
				t.Errorf("Expected the error without waiting for the deadline, got %v", err)
			}
			if got := coreCalls.Load(); got != 1 {
				t.Errorf("Expected 1 core request, got %d", got)
			}
		})
	}
}

func TestWaitForState_ServerErrorsRetry(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/wfapi/describe", func(w http.ResponseWriter, r *http.Request) {
		if f.describeCalls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status":"SUCCESS"}`)
	})
	f.mux.HandleFunc("GET /job/teamA/job/sync/17/api/json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	state, err := f.client(t).WaitForState(context.Background(), f.buildURL(), false)
	if err != nil {
		t.Fatalf("WaitForState() error = %v", err)
	}
	if !state.Succeeded() {
		t.Errorf("Expected SUCCESS, got %+v", state)
	}
}

func TestResolveQueueItem_NotFound(t *testing.T) {
	f := newFakeJenkins(t)
	f.mux.HandleFunc("GET /queue/item/42/api/json", func(w http.ResponseWriter, r *http.Request) {
		f.queueProbes.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := f.client(t).ResolveQueueItem(context.Background(), f.srv.URL+"/queue/item/42/")
	var se *statusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 status error, got %v", err)
	}
	if got := f.queueProbes.Load(); got != 1 {
		t.Errorf("Expected 1 queue request, got %d", got)
	}
}

func TestSubmitInput(t *testing.T) {
	f := newFakeJenkins(t)
	var submitted atomic.Bool
	f.mux.HandleFunc("POST /job/teamA/job/sync/17/input/Gate/proceedEmpty", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Jenkins-Crumb") != "c0ffee" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		submitted.Store(true)
		w.WriteHeader(http.StatusFound)
	})
	c := f.client(t)

	if err := c.SubmitInput(context.Background(), f.buildURL()+"input/Gate/proceedEmpty"); err != nil {
		t.Fatalf("SubmitInput() error = %v", err)
	}
	if !submitted.Load() {
		t.Error("Expected proceed request to reach the server")
	}

	if err := c.SubmitInput(context.Background(), "https://evil.example.com/input/Gate/abort"); err == nil {
		t.Error("Expected error for URL on another host")
	}
	if err := c.SubmitInput(context.Background(), f.buildURL()+"input/Missing/abort"); err == nil {
		t.Error("Expected error for 404 response")
	}
}

func TestClient_SameHost(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "https://ci.example.com/"}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if !c.SameHost("https://CI.example.com/job/x/1/") {
		t.Error("Expected host match to be case-insensitive")
	}
	if c.SameHost("/job/x/1/") {
		t.Error("Relative URLs must not match")
	}
	if c.SameHost("https://ci.example.com.evil.io/") {
		t.Error("Expected suffix host to be rejected")
	}
}
