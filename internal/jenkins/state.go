package jenkins

// BuildPhase is the normalised phase of a build.
type BuildPhase string

const (
	PhaseQueued           BuildPhase = "QUEUED"
	PhaseBuilding         BuildPhase = "BUILDING"
	PhaseAwaitingApproval BuildPhase = "AWAITING_APPROVAL"
	PhaseSuccess          BuildPhase = "SUCCESS"
	PhaseFailure          BuildPhase = "FAILURE"
	PhaseAborted          BuildPhase = "ABORTED"
	PhaseUnstable         BuildPhase = "UNSTABLE"
	PhaseNotBuilt         BuildPhase = "NOT_BUILT"
	PhaseUnknown          BuildPhase = "UNKNOWN"
)

// Terminal reports whether the build has finished.
func (p BuildPhase) Terminal() bool {
	switch p {
	case PhaseSuccess, PhaseFailure, PhaseAborted, PhaseUnstable, PhaseNotBuilt:
		return true
	}
	return false
}

// ApprovalInfo describes a pending input step. All URLs are absolute.
type ApprovalInfo struct {
	Message      string `json:"message,omitempty"`
	ProceedText  string `json:"proceedText,omitempty"`
	ID           string `json:"id,omitempty"`
	InputPageURL string `json:"inputPageUrl"`
	ProceedURL   string `json:"proceedUrl,omitempty"`
	AbortURL     string `json:"abortUrl,omitempty"`
}

// BuildState is a point-in-time view of a build.
//
// Approval is set if and only if Phase is PhaseAwaitingApproval, and Result
// is set if and only if Phase is terminal. Use newBuildState to keep both.
type BuildState struct {
	Phase     BuildPhase    `json:"phase"`
	RawStatus string        `json:"rawStatus,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Approval  *ApprovalInfo `json:"approval,omitempty"`
	Result    string        `json:"result,omitempty"`
}

func newBuildState(phase BuildPhase, raw, stage string, approval *ApprovalInfo) BuildState {
	s := BuildState{Phase: phase, RawStatus: raw, Stage: stage}
	if phase == PhaseAwaitingApproval {
		if approval == nil {
			approval = &ApprovalInfo{}
		}
		s.Approval = approval
	}
	if phase.Terminal() {
		s.Result = string(phase)
	}
	return s
}

// Succeeded reports whether the build finished with SUCCESS.
func (s BuildState) Succeeded() bool {
	return s.Phase == PhaseSuccess
}

// QueueResolution is the executable a queue item turned into.
type QueueResolution struct {
	BuildURL    string `json:"buildUrl"`
	BuildNumber int    `json:"buildNumber"`
}
