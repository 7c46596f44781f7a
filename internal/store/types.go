package store

// ProjectStatus is the coarse pipeline state of a project.
type ProjectStatus string

const (
	ProjectPending    ProjectStatus = "pending"
	ProjectProcessing ProjectStatus = "processing"
	ProjectAnalyzed   ProjectStatus = "analyzed"
	ProjectReady      ProjectStatus = "ready"
	ProjectBuilding   ProjectStatus = "building"
	ProjectPaused     ProjectStatus = "paused"
	ProjectComplete   ProjectStatus = "complete"
	ProjectFailed     ProjectStatus = "failed"
)

// AnalysisStatus is the per-analyzer sub-status on a project.
type AnalysisStatus string

const (
	AnalysisPending  AnalysisStatus = "pending"
	AnalysisRunning  AnalysisStatus = "running"
	AnalysisComplete AnalysisStatus = "complete"
	AnalysisFailed   AnalysisStatus = "failed"
)

// SliceStatus is the build state of a vertical slice.
// Transitions: pending → building → {complete|failed}; failed → pending only
// via explicit retry.
type SliceStatus string

const (
	SlicePending  SliceStatus = "pending"
	SliceBuilding SliceStatus = "building"
	SliceComplete SliceStatus = "complete"
	SliceFailed   SliceStatus = "failed"
)

// EventType identifies the kind of agent event.
type EventType string

const (
	EventThought          EventType = "thought"
	EventToolCall         EventType = "tool_call"
	EventObservation      EventType = "observation"
	EventCodeWrite        EventType = "code_write"
	EventTestRun          EventType = "test_run"
	EventTestResult       EventType = "test_result"
	EventSelfHeal         EventType = "self_heal"
	EventConfidenceUpdate EventType = "confidence_update"
	EventBrowserAction    EventType = "browser_action"
	EventScreenshot       EventType = "screenshot"
	EventAppStart         EventType = "app_start"
)

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobDead      JobStatus = "dead"
)
