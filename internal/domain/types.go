package domain

import "time"

// ConnectionStatus models the transport lifecycle as seen by the desktop.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// EngineState is the engine pipeline state pushed by the server.
type EngineState string

const (
	EngineStateUnknown    EngineState = ""
	EngineStateIdle       EngineState = "idle"
	EngineStateRecording  EngineState = "recording"
	EngineStateProcessing EngineState = "processing"
)

// ErrorCode identifies the class of a surfaced problem.
type ErrorCode string

const (
	ErrorCodeStartup         ErrorCode = "startup"
	ErrorCodeTransport       ErrorCode = "transport"
	ErrorCodeCommand         ErrorCode = "command"
	ErrorCodeProtocol        ErrorCode = "protocol"
	ErrorCodeReconnectPaused ErrorCode = "reconnect_paused"
	ErrorCodeHost            ErrorCode = "host"
	ErrorCodeEngine          ErrorCode = "engine"
)

// NoticeLevel distinguishes auto-dismissing notices from banners that need user action.
type NoticeLevel string

const (
	NoticeTransient NoticeLevel = "transient"
	NoticeBlocking  NoticeLevel = "blocking"
)

// Notice is a user-visible message derived from an error or lifecycle change.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

// JobKind identifies a long-running background job on the engine.
type JobKind string

const (
	JobDownload  JobKind = "download"
	JobMigration JobKind = "migration"
)

// JobStatus is the status reported by job progress events.
type JobStatus string

const (
	JobStarting    JobStatus = "starting"
	JobDownloading JobStatus = "downloading"
	JobCopying     JobStatus = "copying"
	JobVerifying   JobStatus = "verifying"
	JobCleanup     JobStatus = "cleanup"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
)

// Terminal reports whether the status ends a job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// BackgroundJob is the latest known progress of one job kind.
type BackgroundJob struct {
	Kind        JobKind   `json:"kind"`
	Status      JobStatus `json:"status"`
	ProgressPct int       `json:"progressPct"`
	Model       string    `json:"model,omitempty"`
	Message     string    `json:"message,omitempty"`
	DoneBytes   *int64    `json:"doneBytes,omitempty"`
	TotalBytes  *int64    `json:"totalBytes,omitempty"`
	Active      bool      `json:"active"`
}

// ClampPercent forces a progress value into [0,100].
func ClampPercent(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// HistoryEntry is one persisted transcription as reported by the engine.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	CreatedAt  string `json:"created_at"`
	Text       string `json:"text"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
	Backend    string `json:"backend"`
	Model      string `json:"model"`
	Status     string `json:"status"`
}

// EngineConfig is the subset of engine configuration shown by the desktop.
type EngineConfig struct {
	Hotkey  string `json:"hotkey"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
}

// StorageStatus describes where the engine keeps models, history and exports.
type StorageStatus struct {
	StorageRoot    string            `json:"storage_root"`
	EffectivePaths map[string]string `json:"effective_paths,omitempty"`
	Sizes          map[string]int64  `json:"sizes,omitempty"`
	DiskFreeBytes  int64             `json:"disk_free_bytes,omitempty"`
}

// ValidationResult is a cached answer to validate_model_config.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// ReconnectState mirrors the reconnection supervisor for status queries.
type ReconnectState struct {
	Attempts  int           `json:"attempts"`
	Paused    bool          `json:"paused"`
	InFlight  bool          `json:"inFlight"`
	Scheduled bool          `json:"scheduled"`
	NextDelay time.Duration `json:"nextDelay"`
}

// Ownership records whether this desktop instance started the engine process.
type Ownership string

const (
	OwnershipNone      Ownership = ""
	OwnershipUnmanaged Ownership = "unmanaged"
	OwnershipManaged   Ownership = "managed"
)

// BackendStatus is returned by the process host.
type BackendStatus struct {
	Running bool `json:"running"`
	Port    int  `json:"port,omitempty"`
	Managed bool `json:"managed"`
}

// PreflightIssue identifies why a launch command cannot be used.
type PreflightIssue string

const (
	PreflightCommandNotFound PreflightIssue = "backend_command_not_found"
	PreflightInvalidPort     PreflightIssue = "invalid_port"
)

// Preflight is the host's verdict on a launch command/port pair.
type Preflight struct {
	OK              bool           `json:"ok"`
	BackendCommand  string         `json:"backendCommand"`
	ExecutableFound bool           `json:"executableFound"`
	PortValid       bool           `json:"portValid"`
	IssueCode       PreflightIssue `json:"issueCode,omitempty"`
	Message         string         `json:"message"`
}
