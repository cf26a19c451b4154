package ports

import (
	"context"
	"encoding/json"
	"time"

	"keyvoxdesk/internal/client"
	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/protocol"
	"keyvoxdesk/internal/session"
)

// BackendHost manages the local engine process.
type BackendHost interface {
	Status() (domain.BackendStatus, error)
	Preflight(port int, command string) domain.Preflight
	Spawn(ctx context.Context, port int, command string) (domain.BackendStatus, error)
	Stop() (domain.BackendStatus, error)
}

// Shell exposes desktop affordances that live outside the core.
type Shell interface {
	PickFolder(ctx context.Context, title string) (string, error)
	SetStatus(text string)
}

// Clipboard writes text to the system clipboard.
type Clipboard interface {
	SetText(ctx context.Context, text string) error
}

// EventSink emits session changes to the UI.
type EventSink interface {
	SessionChanged(snapshot session.Model)
	Notice(notice domain.Notice)
}

// EngineClient is the protocol client as seen by orchestration code.
type EngineClient interface {
	Connect(ctx context.Context, ports []int) (int, error)
	Disconnect()
	Status() domain.ConnectionStatus
	Port() int
	SendCommand(ctx context.Context, cmdType string, payload map[string]any, timeout time.Duration) (*protocol.Response, error)

	GetCapabilities(ctx context.Context) (json.RawMessage, error)
	GetConfig(ctx context.Context) (domain.EngineConfig, error)
	GetHistory(ctx context.Context, limit, offset int) ([]domain.HistoryEntry, error)
	GetDictionary(ctx context.Context) (map[string]string, error)
	SetDictionary(ctx context.Context, key, value string) error
	DeleteDictionary(ctx context.Context, key string) error
	GetStorageStatus(ctx context.Context) (domain.StorageStatus, error)
	SetStorageRoot(ctx context.Context, path string) error
	DownloadModel(ctx context.Context, backend, model string) (protocol.DownloadModelResult, error)
	ValidateModelConfig(ctx context.Context, backend, model, device string) (protocol.ValidateModelResult, error)
	Shutdown(ctx context.Context) error
}

var _ EngineClient = (*client.Client)(nil)

// Reconnector is the reconnection supervisor as seen by orchestration code.
type Reconnector interface {
	ExpectLive(live bool)
	ManualReconnect(ctx context.Context) (int, error)
	Stop()
	State() domain.ReconnectState
}

// HistoryCache persists recent history between runs.
type HistoryCache interface {
	Replace(ctx context.Context, entries []domain.HistoryEntry) error
	Append(ctx context.Context, entry domain.HistoryEntry) error
	Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
	Close() error
}

// PortStore remembers the last port an engine was reached on.
type PortStore interface {
	LastPort() int
	SaveLastPort(port int) error
}
