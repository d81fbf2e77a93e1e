package pipeline

import (
	"context"
	"errors"
	"fmt"

	"promobox/internal/gitops"
	"promobox/internal/jenkins"
	"promobox/internal/poll"
)

// BuildSystem is the part of the Jenkins client a pipeline drives.
type BuildSystem interface {
	TriggerJob(ctx context.Context, jobPath string, params map[string]string) (string, error)
	ResolveQueueItem(ctx context.Context, queueURL string) (jenkins.QueueResolution, error)
	WaitForState(ctx context.Context, buildURL string, stopOnApproval bool) (jenkins.BuildState, error)
}

// Stage is one trigger-and-wait unit.
type Stage struct {
	Label          string
	Job            string
	StopOnApproval bool
	Params         map[string]string

	// lookupCommit attaches the workflow repository head after success.
	lookupCommit bool
}

// Step is what a stage produced. It is not modified after the stage ends.
type Step struct {
	Label       string             `json:"label"`
	Job         string             `json:"job"`
	QueueURL    string             `json:"queueUrl,omitempty"`
	BuildURL    string             `json:"buildUrl,omitempty"`
	BuildNumber int                `json:"buildNumber,omitempty"`
	State       jenkins.BuildState `json:"state"`
	Error       string             `json:"error,omitempty"`
	Commit      *gitops.Commit     `json:"commit,omitempty"`
}

// stageResult is how a stage ended.
type stageResult int

const (
	stageSucceeded stageResult = iota
	stagePaused
	stageFailed
)

// runStage triggers one job and waits for it. Errors from the build system
// are folded into a failed Step; they never escape.
func (r *run) runStage(ctx context.Context, st Stage) (Step, stageResult) {
	step := Step{Label: st.Label, Job: st.Job}
	start := r.o.clock.Now()
	r.emit(Event{Kind: EventStageStarted, Stage: st.Label, Job: st.Job})

	fail := func(err error) (Step, stageResult) {
		step.Error = err.Error()
		kind := EventStageFailed
		var te *poll.TimeoutError
		if errors.As(err, &te) {
			kind = EventStageTimedOut
			if last, ok := te.Last.(jenkins.BuildState); ok {
				step.State = last
			}
		}
		if step.State.Phase == "" {
			step.State = jenkins.BuildState{Phase: jenkins.PhaseUnknown}
		}
		r.emit(Event{Kind: kind, Stage: st.Label, Job: st.Job, BuildURL: step.BuildURL,
			Phase: step.State.Phase, Elapsed: r.o.clock.Now().Sub(start), Err: err})
		return step, stageFailed
	}

	queueURL, err := r.o.build.TriggerJob(ctx, st.Job, st.Params)
	if err != nil {
		return fail(err)
	}
	step.QueueURL = queueURL

	res, err := r.o.build.ResolveQueueItem(ctx, queueURL)
	if err != nil {
		return fail(err)
	}
	step.BuildURL = res.BuildURL
	step.BuildNumber = res.BuildNumber

	state, err := r.o.build.WaitForState(ctx, res.BuildURL, st.StopOnApproval)
	if err != nil {
		return fail(err)
	}
	step.State = state
	elapsed := r.o.clock.Now().Sub(start)

	switch {
	case state.Succeeded():
		r.emit(Event{Kind: EventStageFinished, Stage: st.Label, Job: st.Job, BuildURL: step.BuildURL, Phase: state.Phase, Elapsed: elapsed})
		return step, stageSucceeded
	case st.StopOnApproval && state.Phase == jenkins.PhaseAwaitingApproval:
		r.emit(Event{Kind: EventStageAwaitingApproval, Stage: st.Label, Job: st.Job, BuildURL: step.BuildURL, Phase: state.Phase, Elapsed: elapsed})
		return step, stagePaused
	default:
		step.Error = fmt.Sprintf("build finished with %s", state.Phase)
		r.emit(Event{Kind: EventStageFinished, Stage: st.Label, Job: st.Job, BuildURL: step.BuildURL, Phase: state.Phase, Elapsed: elapsed})
		return step, stageFailed
	}
}

// runStages runs stages strictly in order. It stops at the first stage that
// fails or pauses; every executed stage is appended to the run's steps.
func (r *run) runStages(ctx context.Context, stages []Stage) stageResult {
	for _, st := range stages {
		step, result := r.runStage(ctx, st)
		if result == stageSucceeded && st.lookupCommit && r.o.commits != nil {
			r.attachCommit(ctx, &step)
		}
		r.steps = append(r.steps, step)
		if result != stageSucceeded {
			return result
		}
	}
	return stageSucceeded
}

// attachCommit records the head of the workflow repository branch. A failed
// lookup is logged and otherwise ignored.
func (r *run) attachCommit(ctx context.Context, step *Step) {
	commit, err := r.o.commits.HeadCommit(ctx)
	if err != nil {
		r.o.logger.Warn("commit lookup failed", "run_id", r.id, "error", err)
		return
	}
	step.Commit = &commit
}

func mergeParams(base map[string]string, extra ...map[string]string) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, m := range extra {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
