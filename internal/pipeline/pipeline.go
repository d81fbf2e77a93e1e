// Package pipeline sequences build server jobs into the named promotion
// pipelines and records every run in the history ledger.
//
// A run writes one RUNNING row per entity when it starts and exactly one
// more row per entity when it succeeds, fails or pauses for approval.
// Stages run strictly in order; a failed stage, or a stage that stops on
// approval and reaches it, ends the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"promobox/internal/gitops"
	"promobox/internal/history"
	"promobox/internal/jenkins"
	"promobox/internal/metrics"
	"promobox/internal/n8n"
	"promobox/internal/poll"
	"promobox/internal/security"

	"github.com/google/uuid"
)

// Name identifies a pipeline.
type Name string

const (
	PromoteCredentials Name = "promote-credentials"
	PushToGit          Name = "push-to-git"
	DeployFromGit      Name = "deploy-from-git"
	FullPromotion      Name = "full-promotion"
	PullFromGit        Name = "pull-from-git"
)

// Names lists every pipeline.
var Names = []Name{PromoteCredentials, PushToGit, DeployFromGit, FullPromotion, PullFromGit}

// ParseName returns the pipeline called s.
func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Names, n) {
		return n, nil
	}
	return "", fmt.Errorf("%w: unknown pipeline %q", ErrInvalidRequest, s)
}

// Action is the history action a pipeline records under.
func (n Name) Action() string {
	switch n {
	case PromoteCredentials:
		return history.ActionPromoteCredentials
	case PushToGit:
		return history.ActionPushToGit
	case DeployFromGit:
		return history.ActionDeployFromGit
	case PullFromGit:
		return history.ActionPullFromGit
	default:
		return history.ActionPushToProd
	}
}

// EntityType is what the pipeline's history rows are keyed by.
func (n Name) EntityType() history.EntityType {
	if n == PromoteCredentials {
		return history.EntityCredential
	}
	return history.EntityWorkflow
}

var (
	// ErrBusy means a pipeline is already running for the same entity.
	ErrBusy = errors.New("a pipeline is already running for this entity")

	// ErrInvalidRequest wraps every request validation failure.
	ErrInvalidRequest = errors.New("invalid pipeline request")
)

// StageDef configures one job. StopOnApproval has no default: every
// definition states it.
type StageDef struct {
	Label          string            `json:"label"`
	Job            string            `json:"job"`
	StopOnApproval bool              `json:"stopOnApproval"`
	Params         map[string]string `json:"params,omitempty"`
}

// Definitions are the jobs the pipelines are built from.
type Definitions struct {
	PromoteCredentials StageDef
	PushToGit          StageDef
	DeployFromGit      StageDef

	// WorkflowParam and CredentialsParam name the job parameters carrying
	// the workflow id and the comma-joined credential ids.
	WorkflowParam    string
	CredentialsParam string
}

// WorkflowSource fetches workflow definitions from the development engine.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (*n8n.Workflow, error)
}

// CredentialChecker reports credential ids absent from production.
type CredentialChecker interface {
	Missing(ctx context.Context, ids []string) ([]string, error)
}

// Recorder appends history rows.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) (int64, error)
}

// CommitLookup reports the workflow repository head.
type CommitLookup interface {
	HeadCommit(ctx context.Context) (gitops.Commit, error)
}

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	Workflows   WorkflowSource
	Credentials CredentialChecker
	Commits     CommitLookup
	Observer    Observer
	Locks       *LockManager
	Clock       poll.Clock
	Logger      *slog.Logger
	NewRunID    func() string
}

// Orchestrator runs pipelines. It is safe for concurrent use.
type Orchestrator struct {
	build     BuildSystem
	ledger    Recorder
	defs      Definitions
	workflows WorkflowSource
	creds     CredentialChecker
	commits   CommitLookup
	observer  Observer
	locks     *LockManager
	clock     poll.Clock
	logger    *slog.Logger
	newRunID  func() string
}

// New returns an Orchestrator.
func New(build BuildSystem, ledger Recorder, defs Definitions, opts Options) *Orchestrator {
	o := &Orchestrator{
		build:     build,
		ledger:    ledger,
		defs:      defs,
		workflows: opts.Workflows,
		creds:     opts.Credentials,
		commits:   opts.Commits,
		observer:  opts.Observer,
		locks:     opts.Locks,
		clock:     opts.Clock,
		logger:    opts.Logger,
		newRunID:  opts.NewRunID,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = LogObserver{Logger: o.logger}
	}
	if o.locks == nil {
		o.locks = NewLockManager()
	}
	if o.clock == nil {
		o.clock = poll.Real()
	}
	if o.newRunID == nil {
		o.newRunID = uuid.NewString
	}
	return o
}

// Request asks for one pipeline run.
type Request struct {
	Pipeline      Name              `json:"pipeline"`
	EntityID      string            `json:"entityId,omitempty"`
	EntityName    string            `json:"entityName,omitempty"`
	CredentialIDs []string          `json:"credentialIds,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// Outcome is the result of a run that reached the build server.
type Outcome struct {
	RunID              string                `json:"runId"`
	Pipeline           Name                  `json:"pipeline"`
	EntityID           string                `json:"entityId,omitempty"`
	CredentialIDs      []string              `json:"credentialIds,omitempty"`
	MissingCredentials []string              `json:"missingCredentials,omitempty"`
	Status             history.Status        `json:"state"`
	Approval           *jenkins.ApprovalInfo `json:"approval,omitempty"`
	BuildURL           string                `json:"buildUrl,omitempty"`
	Error              string                `json:"error,omitempty"`
	Steps              []Step                `json:"steps"`
}

// run is the mutable state of one pipeline execution.
type run struct {
	o       *Orchestrator
	id      string
	req     Request
	missing []string
	steps   []Step
}

func (r *run) emit(e Event) {
	e.RunID = r.id
	e.Pipeline = r.req.Pipeline
	r.o.observer.Observe(e)
}

// Trigger validates req and runs the requested pipeline to completion, a
// failed stage, or an approval pause.
//
// A non-nil error means the run could not start (invalid request, busy
// entity, lookup or ledger failure) or its final row could not be written.
// Stage failures are reported in the Outcome, not as errors.
func (o *Orchestrator) Trigger(ctx context.Context, req Request) (Outcome, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Outcome{}, err
	}

	keys := lockKeys(req)
	if !o.locks.TryLock(keys...) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrBusy, strings.Join(keys, ","))
	}
	defer o.locks.Unlock(keys...)

	r := &run{o: o, id: o.newRunID(), req: req}
	stages, err := r.plan(ctx)
	if err != nil {
		return Outcome{}, err
	}

	if err := r.recordStart(ctx); err != nil {
		return Outcome{}, err
	}

	out := r.outcome(r.runStages(ctx, stages))
	metrics.ObserveRun(string(req.Pipeline), string(out.Status))

	if err := r.recordFinal(ctx, out); err != nil {
		return out, err
	}
	return out, nil
}

// PromoteCredentialSet runs the promote-credentials pipeline.
func (o *Orchestrator) PromoteCredentialSet(ctx context.Context, ids []string) (Outcome, error) {
	return o.Trigger(ctx, Request{Pipeline: PromoteCredentials, CredentialIDs: ids})
}

// PushWorkflowToGit runs the push-to-git pipeline.
func (o *Orchestrator) PushWorkflowToGit(ctx context.Context, workflowID string) (Outcome, error) {
	return o.Trigger(ctx, Request{Pipeline: PushToGit, EntityID: workflowID})
}

// DeployWorkflowFromGit runs the deploy-from-git pipeline.
func (o *Orchestrator) DeployWorkflowFromGit(ctx context.Context, workflowID string) (Outcome, error) {
	return o.Trigger(ctx, Request{Pipeline: DeployFromGit, EntityID: workflowID})
}

// PromoteWorkflow runs the full-promotion pipeline.
func (o *Orchestrator) PromoteWorkflow(ctx context.Context, workflowID string) (Outcome, error) {
	return o.Trigger(ctx, Request{Pipeline: FullPromotion, EntityID: workflowID})
}

// PullWorkflowFromGit runs the pull-from-git pipeline.
func (o *Orchestrator) PullWorkflowFromGit(ctx context.Context, workflowID string) (Outcome, error) {
	return o.Trigger(ctx, Request{Pipeline: PullFromGit, EntityID: workflowID})
}

func normalizeRequest(req Request) (Request, error) {
	name, err := ParseName(string(req.Pipeline))
	if err != nil {
		return req, err
	}
	req.Pipeline = name
	req.EntityID = strings.TrimSpace(req.EntityID)

	for param := range req.Params {
		if err := security.ValidateParamName(param); err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	if req.Pipeline == PromoteCredentials {
		ids, err := security.NormalizeIDs(req.CredentialIDs)
		if err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if len(ids) == 0 {
			return req, fmt.Errorf("%w: at least one credential id is required", ErrInvalidRequest)
		}
		req.CredentialIDs = ids
		return req, nil
	}

	if req.EntityID == "" {
		return req, fmt.Errorf("%w: workflow id is required", ErrInvalidRequest)
	}
	if err := security.ValidateEntityID(req.EntityID); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.CredentialIDs = nil
	return req, nil
}

// lockKeys lists the entities a run writes history rows for.
func lockKeys(req Request) []string {
	if req.Pipeline == PromoteCredentials {
		keys := make([]string, 0, len(req.CredentialIDs))
		for _, id := range req.CredentialIDs {
			keys = append(keys, entityKey(string(history.EntityCredential), id))
		}
		return dedupeKeys(keys)
	}
	return []string{entityKey(string(history.EntityWorkflow), req.EntityID)}
}

// plan resolves everything the stages need before any job is triggered.
func (r *run) plan(ctx context.Context) ([]Stage, error) {
	o := r.o
	workflowParams := map[string]string{o.defs.WorkflowParam: r.req.EntityID}

	switch r.req.Pipeline {
	case PromoteCredentials:
		return []Stage{o.credentialStage(r.req.CredentialIDs, r.req.Params)}, nil

	case PushToGit:
		r.lookupName(ctx)
		return []Stage{o.pushStage(workflowParams, r.req.Params)}, nil

	case DeployFromGit:
		r.lookupName(ctx)
		return []Stage{o.deployStage(workflowParams, r.req.Params)}, nil
	}

	// Full promotion and pull both promote missing credentials first.
	if o.workflows == nil {
		return nil, fmt.Errorf("%s needs the workflow engine, which is not configured", r.req.Pipeline)
	}
	wf, err := o.workflows.GetWorkflow(ctx, r.req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("fetch workflow %s: %w", r.req.EntityID, err)
	}
	if r.req.EntityName == "" {
		r.req.EntityName = wf.Name
	}
	r.req.CredentialIDs = wf.CredentialIDs()

	if len(r.req.CredentialIDs) > 0 {
		if o.creds == nil {
			o.logger.Warn("production credential lookup not configured, skipping credential promotion",
				"run_id", r.id, "workflow_id", r.req.EntityID)
		} else {
			r.missing, err = o.creds.Missing(ctx, r.req.CredentialIDs)
			if err != nil {
				return nil, fmt.Errorf("check production credentials: %w", err)
			}
		}
	}

	var stages []Stage
	if len(r.missing) > 0 {
		stages = append(stages, o.credentialStage(r.missing, r.req.Params))
	}
	if r.req.Pipeline == FullPromotion {
		stages = append(stages, o.pushStage(workflowParams, r.req.Params))
	}
	return append(stages, o.deployStage(workflowParams, r.req.Params)), nil
}

// lookupName fills in the workflow name when it is cheap to get. Failures
// are ignored; the name is only decoration for history rows.
func (r *run) lookupName(ctx context.Context) {
	if r.req.EntityName != "" || r.o.workflows == nil {
		return
	}
	wf, err := r.o.workflows.GetWorkflow(ctx, r.req.EntityID)
	if err != nil {
		r.o.logger.Debug("workflow name lookup failed", "workflow_id", r.req.EntityID, "error", err)
		return
	}
	r.req.EntityName = wf.Name
}

func (o *Orchestrator) credentialStage(ids []string, extra map[string]string) Stage {
	d := o.defs.PromoteCredentials
	params := map[string]string{o.defs.CredentialsParam: strings.Join(ids, ",")}
	return Stage{Label: d.Label, Job: d.Job, StopOnApproval: d.StopOnApproval, Params: mergeParams(d.Params, params, extra)}
}

func (o *Orchestrator) pushStage(params, extra map[string]string) Stage {
	d := o.defs.PushToGit
	return Stage{Label: d.Label, Job: d.Job, StopOnApproval: d.StopOnApproval, Params: mergeParams(d.Params, params, extra), lookupCommit: true}
}

func (o *Orchestrator) deployStage(params, extra map[string]string) Stage {
	d := o.defs.DeployFromGit
	return Stage{Label: d.Label, Job: d.Job, StopOnApproval: d.StopOnApproval, Params: mergeParams(d.Params, params, extra)}
}

func (r *run) outcome(result stageResult) Outcome {
	out := Outcome{
		RunID:              r.id,
		Pipeline:           r.req.Pipeline,
		EntityID:           r.req.EntityID,
		CredentialIDs:      r.req.CredentialIDs,
		MissingCredentials: r.missing,
		Steps:              r.steps,
	}
	if out.Steps == nil {
		out.Steps = []Step{}
	}

	var last *Step
	if len(r.steps) > 0 {
		last = &r.steps[len(r.steps)-1]
		out.BuildURL = last.BuildURL
	}

	switch result {
	case stageSucceeded:
		out.Status = history.StatusSuccess
	case stagePaused:
		out.Status = history.StatusAwaitingApproval
		out.Approval = last.State.Approval
	default:
		out.Status = history.StatusFailed
		if last != nil {
			out.Error = fmt.Sprintf("%s failed: %s", last.Label, last.Error)
		}
	}
	return out
}

func (r *run) details(out *Outcome) string {
	switch out.Status {
	case history.StatusRunning:
		return fmt.Sprintf("%s started", r.req.Pipeline)
	case history.StatusSuccess:
		return fmt.Sprintf("%s succeeded", r.req.Pipeline)
	case history.StatusAwaitingApproval:
		stage := r.steps[len(r.steps)-1].Label
		if s := r.steps[len(r.steps)-1].State.Stage; s != "" {
			stage += " (" + s + ")"
		}
		return "awaiting approval at " + stage
	default:
		return out.Error
	}
}

func (r *run) metadata(out *Outcome) map[string]any {
	md := map[string]any{
		"source":   "pipeline",
		"runId":    r.id,
		"pipeline": string(r.req.Pipeline),
	}
	if len(r.req.CredentialIDs) > 0 {
		md["ids"] = r.req.CredentialIDs
	}
	if len(r.missing) > 0 {
		md["missingCredentials"] = r.missing
	}
	if len(r.req.Params) > 0 {
		md["params"] = r.req.Params
	}
	if out != nil {
		md["steps"] = out.Steps
		if out.Approval != nil {
			md["approval"] = out.Approval
		}
	}
	return md
}

// entityIDs are the ledger keys of this run: one per credential for the
// credential pipeline, otherwise the workflow.
func (r *run) entityIDs() []string {
	if r.req.Pipeline == PromoteCredentials {
		return r.req.CredentialIDs
	}
	return []string{r.req.EntityID}
}

func (r *run) record(ctx context.Context, status history.Status, out *Outcome) error {
	detailsFor := &Outcome{Status: status}
	if out != nil {
		detailsFor = out
	}
	for _, id := range r.entityIDs() {
		e := history.Entry{
			EntityType: r.req.Pipeline.EntityType(),
			EntityID:   id,
			Action:     r.req.Pipeline.Action(),
			Status:     status,
			Details:    r.details(detailsFor),
			Metadata:   r.metadata(out),
		}
		if r.req.Pipeline != PromoteCredentials {
			e.EntityName = r.req.EntityName
		}
		if out != nil {
			e.BuildURL = out.BuildURL
		}
		if _, err := r.o.ledger.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) recordStart(ctx context.Context) error {
	if err := r.record(ctx, history.StatusRunning, nil); err != nil {
		return fmt.Errorf("record pipeline start: %w", err)
	}
	return nil
}

func (r *run) recordFinal(ctx context.Context, out Outcome) error {
	// Written even when the caller has gone away.
	if err := r.record(context.WithoutCancel(ctx), out.Status, &out); err != nil {
		r.o.logger.Error("failed to record pipeline outcome", "run_id", r.id, "status", out.Status, "error", err)
		return fmt.Errorf("record pipeline outcome: %w", err)
	}
	return nil
}
