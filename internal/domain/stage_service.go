package domain

import "context"

// StageState is the lifecycle state a downstream service reports for one of
// its own jobs. Downstream services mint their own stage job ids; the
// orchestrator only observes these states through polling.
type StageState string

const (
	StageStatePending   StageState = "pending"
	StageStateRunning   StageState = "running"
	StageStateSucceeded StageState = "succeeded"
	StageStateFailed    StageState = "failed"
)

// Terminal reports whether the downstream job reached a final state.
func (s StageState) Terminal() bool {
	return s == StageStateSucceeded || s == StageStateFailed
}

// StageStatus is one polled status snapshot of a downstream stage job.
type StageStatus struct {
	State    StageState `json:"status"`
	Progress float64    `json:"progress"`
	Error    string     `json:"error,omitempty"`
}

// StageSubmission carries the input of one stage: processing parameters plus,
// for every stage after the first, the previous stage's output artifact.
type StageSubmission struct {
	Params       map[string]string
	Artifact     []byte
	ArtifactName string
}

// StageService is the outbound port to one downstream stage service. Every
// call carries the orchestrator's job id as a correlation token for log and
// trace correlation across services.
//
// All methods except CheckLiveness return tagged *Error values so callers can
// branch on the failure kind. CheckLiveness bypasses retry and circuit
// breaking entirely: liveness probes feed operational dashboards, never the
// breaker.
type StageService interface {
	// SubmitJob starts a downstream job and returns the stage job id the
	// service minted for it.
	SubmitJob(ctx context.Context, jobID string, sub StageSubmission) (string, error)
	// JobStatus polls the downstream job.
	JobStatus(ctx context.Context, jobID, stageJobID string) (StageStatus, error)
	// FetchArtifact retrieves the output byte stream of a successfully
	// finished downstream job.
	FetchArtifact(ctx context.Context, jobID, stageJobID string) ([]byte, error)
	// CheckLiveness probes the service health endpoint.
	CheckLiveness(ctx context.Context) error
}
