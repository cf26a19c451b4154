package protocol

import (
	"encoding/json"
	"fmt"

	"keyvoxdesk/internal/domain"
)

// Event names pushed by the engine.
const (
	EventState                 = "state"
	EventTranscription         = "transcription"
	EventHistoryAppended       = "history_appended"
	EventModelDownload         = "model_download"
	EventModelDownloadProgress = "model_download_progress"
	EventStorageMigration      = "storage_migration"
	EventStorageUpdated        = "storage_updated"
	EventError                 = "error"
	EventDictionaryUpdated     = "dictionary_updated"
	EventDictionaryDeleted     = "dictionary_deleted"
	EventShuttingDown          = "shutting_down"
)

// Event is the closed set of unsolicited frames. UnknownEvent covers names
// this client does not understand yet.
type Event interface {
	EventType() string
}

// Meta carries the envelope fields every event has.
type Meta struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Timestamp       string `json:"timestamp"`
}

func (m Meta) EventType() string { return m.Type }

type StateEvent struct {
	Meta
	State domain.EngineState `json:"state"`
}

type TranscriptionEvent struct {
	Meta
	Text       string               `json:"text"`
	DurationMS *int64               `json:"duration_ms,omitempty"`
	Entry      *domain.HistoryEntry `json:"entry,omitempty"`
}

type HistoryAppendedEvent struct {
	Meta
	Entry domain.HistoryEntry `json:"entry"`
}

// ModelDownloadEvent covers both model_download and model_download_progress.
type ModelDownloadEvent struct {
	Meta
	Status          domain.JobStatus `json:"status"`
	Backend         string           `json:"backend,omitempty"`
	Model           string           `json:"model,omitempty"`
	ProgressPct     float64          `json:"progress_pct"`
	DownloadedBytes *int64           `json:"downloaded_bytes,omitempty"`
	TotalBytes      *int64           `json:"total_bytes,omitempty"`
	Message         string           `json:"message,omitempty"`
}

type StorageMigrationEvent struct {
	Meta
	Status      domain.JobStatus `json:"status"`
	ProgressPct float64          `json:"progress_pct"`
	CopiedBytes *int64           `json:"copied_bytes,omitempty"`
	TotalBytes  *int64           `json:"total_bytes,omitempty"`
	Message     string           `json:"message,omitempty"`
}

type StorageUpdatedEvent struct {
	Meta
	StorageRoot    string            `json:"storage_root"`
	EffectivePaths map[string]string `json:"effective_paths,omitempty"`
}

type ErrorEvent struct {
	Meta
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type DictionaryUpdatedEvent struct {
	Meta
	Key   string `json:"key"`
	Value string `json:"value"`
}

type DictionaryDeletedEvent struct {
	Meta
	Key string `json:"key"`
}

type ShuttingDownEvent struct {
	Meta
}

type UnknownEvent struct {
	Meta
	Raw json.RawMessage `json:"-"`
}

func decodeEvent(eventType string, data []byte) (Event, error) {
	var target Event
	switch eventType {
	case EventState:
		target = &StateEvent{}
	case EventTranscription:
		target = &TranscriptionEvent{}
	case EventHistoryAppended:
		target = &HistoryAppendedEvent{}
	case EventModelDownload, EventModelDownloadProgress:
		target = &ModelDownloadEvent{}
	case EventStorageMigration:
		target = &StorageMigrationEvent{}
	case EventStorageUpdated:
		target = &StorageUpdatedEvent{}
	case EventError:
		target = &ErrorEvent{}
	case EventDictionaryUpdated:
		target = &DictionaryUpdatedEvent{}
	case EventDictionaryDeleted:
		target = &DictionaryDeletedEvent{}
	case EventShuttingDown:
		target = &ShuttingDownEvent{}
	default:
		unknown := &UnknownEvent{Raw: append(json.RawMessage(nil), data...)}
		if err := json.Unmarshal(data, &unknown.Meta); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", eventType, err)
		}
		return unknown, nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", eventType, err)
	}
	return target, nil
}
