package jenkins

import (
	"encoding/json"
	"strings"
)

// Response shapes. Every field is optional; Jenkins plugins and versions
// disagree on which ones they return.

// DescribeDoc is the Pipeline REST API wfapi/describe document.
type DescribeDoc struct {
	Status string      `json:"status"`
	Stages []stageDoc  `json:"stages"`
	Links  describeRef `json:"_links"`
}

type stageDoc struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type describeRef struct {
	PendingInputActions *struct {
		Href string `json:"href"`
	} `json:"pendingInputActions"`
}

// PendingInputAction is one element of wfapi/pendingInputActions.
type PendingInputAction struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	ProceedText string `json:"proceedText"`
	ProceedURL  string `json:"proceedUrl"`
	AbortURL    string `json:"abortUrl"`
}

// BuildDoc is the classic api/json build document.
type BuildDoc struct {
	Building *bool         `json:"building"`
	Result   *string       `json:"result"`
	Actions  []buildAction `json:"actions"`
}

type buildAction struct {
	Class      string           `json:"_class"`
	Inputs     []inputDoc       `json:"inputs"`
	Executions []inputExecution `json:"executions"`
}

type inputDoc struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	OK      string `json:"ok"`
}

type inputExecution struct {
	ID          string    `json:"id"`
	Settled     bool      `json:"settled"`
	Message     string    `json:"message"`
	ProceedText string    `json:"proceedText"`
	ProceedURL  string    `json:"proceedUrl"`
	AbortURL    string    `json:"abortUrl"`
	Input       *inputDoc `json:"input"`
}

func (a buildAction) isInput() bool {
	return strings.HasSuffix(a.Class, ".InputAction") || a.Inputs != nil || a.Executions != nil
}

// InputAPIDoc is the classic <build>/input/api/json document.
type InputAPIDoc struct {
	Inputs []inputDoc `json:"inputs"`
}

// Snapshot gathers whatever documents could be fetched for one build. A nil
// field means the source was unavailable.
type Snapshot struct {
	Describe *DescribeDoc
	Pending  []PendingInputAction
	Build    *BuildDoc
	InputAPI *InputAPIDoc
}

const statusPausedPendingInput = "PAUSED_PENDING_INPUT"

// approvalSource is one way of detecting a paused input step.
type approvalSource func(s Snapshot, loc Locator) *ApprovalInfo

// approvalSources are tried in order; the first non-nil result wins.
var approvalSources = []approvalSource{
	fromDescribe,
	fromPendingActions,
	fromBuildActions,
	fromInputAPI,
	fromBareInputAction,
}

// Extract normalises a Snapshot into a BuildState.
func Extract(s Snapshot, loc Locator) (BuildState, error) {
	if s.Describe == nil && s.Build == nil {
		return BuildState{}, &UpstreamParseError{Reason: "no build document available"}
	}

	if !finished(s) {
		for _, source := range approvalSources {
			if approval := source(s, loc); approval != nil {
				return newBuildState(PhaseAwaitingApproval, awaitingRaw(s), pausedStage(s), approval), nil
			}
		}
	}

	if s.Describe != nil {
		return newBuildState(mapDescribeStatus(s.Describe.Status), s.Describe.Status, runningStage(s.Describe.Stages), nil), nil
	}

	b := s.Build
	switch {
	case b.Building == nil && b.Result == nil:
		return BuildState{}, &UpstreamParseError{Reason: "build document has neither building nor result"}
	case b.Building != nil && *b.Building:
		return newBuildState(PhaseBuilding, "IN_PROGRESS", "", nil), nil
	case b.Result != nil && *b.Result != "":
		return newBuildState(mapCoreResult(*b.Result), *b.Result, "", nil), nil
	default:
		return newBuildState(PhaseUnknown, "", "", nil), nil
	}
}

// finished reports whether any document says the build is over; a finished
// build never reports a stale input action as pending.
func finished(s Snapshot) bool {
	if s.Describe != nil && mapDescribeStatus(s.Describe.Status).Terminal() {
		return true
	}
	if b := s.Build; b != nil && b.Building != nil && !*b.Building && b.Result != nil && *b.Result != "" {
		return true
	}
	return false
}

func describePaused(d *DescribeDoc) bool {
	if d == nil {
		return false
	}
	if d.Status == statusPausedPendingInput {
		return true
	}
	if d.Links.PendingInputActions != nil && d.Links.PendingInputActions.Href != "" {
		return true
	}
	for _, st := range d.Stages {
		if st.Status == statusPausedPendingInput {
			return true
		}
	}
	return false
}

func fromDescribe(s Snapshot, loc Locator) *ApprovalInfo {
	if !describePaused(s.Describe) {
		return nil
	}
	if a := fromPendingActions(s, loc); a != nil {
		return a
	}
	return &ApprovalInfo{InputPageURL: loc.InputPage()}
}

func fromPendingActions(s Snapshot, loc Locator) *ApprovalInfo {
	if len(s.Pending) == 0 {
		return nil
	}
	p := s.Pending[0]
	return &ApprovalInfo{
		Message:      p.Message,
		ProceedText:  p.ProceedText,
		ID:           p.ID,
		InputPageURL: loc.InputPage(),
		ProceedURL:   firstNonEmpty(loc.Resolve(p.ProceedURL), loc.inputAction(p.ID, "proceedEmpty")),
		AbortURL:     firstNonEmpty(loc.Resolve(p.AbortURL), loc.inputAction(p.ID, "abort")),
	}
}

func fromBuildActions(s Snapshot, loc Locator) *ApprovalInfo {
	if s.Build == nil {
		return nil
	}
	for _, a := range s.Build.Actions {
		if !a.isInput() {
			continue
		}
		if len(a.Inputs) > 0 {
			return approvalFromInput(a.Inputs[0], loc)
		}
		for _, ex := range a.Executions {
			if ex.Settled {
				continue
			}
			return approvalFromExecution(ex, loc)
		}
	}
	return nil
}

func fromInputAPI(s Snapshot, loc Locator) *ApprovalInfo {
	if s.InputAPI == nil || len(s.InputAPI.Inputs) == 0 {
		return nil
	}
	return approvalFromInput(s.InputAPI.Inputs[0], loc)
}

// fromBareInputAction covers builds whose metadata carries an input action
// with no inputs or executions attached while still running.
func fromBareInputAction(s Snapshot, loc Locator) *ApprovalInfo {
	if s.Build == nil || s.Build.Building == nil || !*s.Build.Building {
		return nil
	}
	for _, a := range s.Build.Actions {
		if a.isInput() && len(a.Inputs) == 0 && len(a.Executions) == 0 {
			return &ApprovalInfo{InputPageURL: loc.InputPage()}
		}
	}
	return nil
}

func approvalFromInput(in inputDoc, loc Locator) *ApprovalInfo {
	return &ApprovalInfo{
		Message:      in.Message,
		ProceedText:  in.OK,
		ID:           in.ID,
		InputPageURL: loc.InputPage(),
		ProceedURL:   loc.inputAction(in.ID, "proceedEmpty"),
		AbortURL:     loc.inputAction(in.ID, "abort"),
	}
}

func approvalFromExecution(ex inputExecution, loc Locator) *ApprovalInfo {
	id, message, proceedText := ex.ID, ex.Message, ex.ProceedText
	if ex.Input != nil {
		id = firstNonEmpty(id, ex.Input.ID)
		message = firstNonEmpty(message, ex.Input.Message)
		proceedText = firstNonEmpty(proceedText, ex.Input.OK)
	}
	return &ApprovalInfo{
		Message:      message,
		ProceedText:  proceedText,
		ID:           id,
		InputPageURL: loc.InputPage(),
		ProceedURL:   firstNonEmpty(loc.Resolve(ex.ProceedURL), loc.inputAction(id, "proceedEmpty")),
		AbortURL:     firstNonEmpty(loc.Resolve(ex.AbortURL), loc.inputAction(id, "abort")),
	}
}

func awaitingRaw(s Snapshot) string {
	if s.Describe != nil && s.Describe.Status != "" {
		return s.Describe.Status
	}
	return statusPausedPendingInput
}

func pausedStage(s Snapshot) string {
	if s.Describe != nil {
		for _, st := range s.Describe.Stages {
			if st.Status == statusPausedPendingInput {
				return st.Name
			}
		}
	}
	return "Approval"
}

func runningStage(stages []stageDoc) string {
	for _, st := range stages {
		if st.Status == "IN_PROGRESS" {
			return st.Name
		}
	}
	return ""
}

// mapDescribeStatus maps wfapi status values. wfapi says FAILED where the
// core API says FAILURE; both become PhaseFailure.
func mapDescribeStatus(s string) BuildPhase {
	switch s {
	case "SUCCESS":
		return PhaseSuccess
	case "FAILED", "FAILURE":
		return PhaseFailure
	case "ABORTED":
		return PhaseAborted
	case "UNSTABLE":
		return PhaseUnstable
	case "NOT_BUILT", "NOT_EXECUTED":
		return PhaseNotBuilt
	case "IN_PROGRESS":
		return PhaseBuilding
	case "QUEUED":
		return PhaseQueued
	case statusPausedPendingInput:
		return PhaseAwaitingApproval
	default:
		return PhaseUnknown
	}
}

func mapCoreResult(r string) BuildPhase {
	switch r {
	case "SUCCESS":
		return PhaseSuccess
	case "FAILURE", "FAILED":
		return PhaseFailure
	case "ABORTED":
		return PhaseAborted
	case "UNSTABLE":
		return PhaseUnstable
	case "NOT_BUILT":
		return PhaseNotBuilt
	default:
		return PhaseUnknown
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// decodeObject unmarshals data into v, reporting non-object payloads as
// UpstreamParseError.
func decodeObject(rawURL string, data []byte, v any) error {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return &UpstreamParseError{URL: rawURL, Reason: "expected a JSON object"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &UpstreamParseError{URL: rawURL, Err: err}
	}
	return nil
}

// decodeArray is decodeObject for JSON arrays.
func decodeArray(rawURL string, data []byte, v any) error {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "[") {
		return &UpstreamParseError{URL: rawURL, Reason: "expected a JSON array"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &UpstreamParseError{URL: rawURL, Err: err}
	}
	return nil
}
