// Package session owns the client-side model of the engine session and the
// reducer that folds events and command results into it.
package session

import (
	"encoding/json"
	"maps"
	"slices"

	"keyvoxdesk/internal/domain"
)

const DefaultHistoryLimit = 50

// Model is the complete client-side view of one engine session.
type Model struct {
	Status      domain.ConnectionStatus `json:"status"`
	Port        int                     `json:"port,omitempty"`
	EngineState domain.EngineState      `json:"engineState"`

	LastTranscript string                `json:"lastTranscript"`
	History        []domain.HistoryEntry `json:"history"`
	HistoryLimit   int                   `json:"historyLimit"`

	Capabilities json.RawMessage                    `json:"capabilities,omitempty"`
	Validation   map[string]domain.ValidationResult `json:"validation"`
	Config       *domain.EngineConfig               `json:"config,omitempty"`
	Storage      *domain.StorageStatus              `json:"storage,omitempty"`

	Jobs map[domain.JobKind]domain.BackgroundJob `json:"jobs"`

	Dictionary         map[string]string `json:"dictionary"`
	DictionaryHydrated bool              `json:"dictionaryHydrated"`
	// dictionaryOverlay holds mutations seen before the baseline arrived. A nil
	// value marks a deletion.
	dictionaryOverlay map[string]*string
	// historyOverlay holds entries prepended while hydrating, oldest first.
	historyOverlay []domain.HistoryEntry

	Reconnect    domain.ReconnectState `json:"reconnect"`
	Ownership    domain.Ownership      `json:"ownership"`
	LastError    *domain.Notice        `json:"lastError,omitempty"`
	StartupError string                `json:"startupError,omitempty"`
	ShuttingDown bool                  `json:"shuttingDown"`
	Hydrating    bool                  `json:"hydrating"`
}

// NewModel returns an empty disconnected model.
func NewModel(historyLimit int) Model {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return Model{
		Status:            domain.ConnectionDisconnected,
		HistoryLimit:      historyLimit,
		History:           []domain.HistoryEntry{},
		Validation:        map[string]domain.ValidationResult{},
		Jobs:              map[domain.JobKind]domain.BackgroundJob{},
		Dictionary:        map[string]string{},
		dictionaryOverlay: map[string]*string{},
	}
}

// Clone returns a deep copy that shares no mutable state with m.
func (m Model) Clone() Model {
	out := m
	out.History = slices.Clone(m.History)
	if out.History == nil {
		out.History = []domain.HistoryEntry{}
	}
	out.Capabilities = slices.Clone(m.Capabilities)
	out.Validation = cloneMap(m.Validation)
	out.Jobs = cloneMap(m.Jobs)
	out.Dictionary = cloneMap(m.Dictionary)
	out.dictionaryOverlay = cloneMap(m.dictionaryOverlay)
	out.historyOverlay = slices.Clone(m.historyOverlay)
	if m.Config != nil {
		cfg := *m.Config
		out.Config = &cfg
	}
	if m.Storage != nil {
		storage := *m.Storage
		storage.EffectivePaths = maps.Clone(m.Storage.EffectivePaths)
		storage.Sizes = maps.Clone(m.Storage.Sizes)
		out.Storage = &storage
	}
	if m.LastError != nil {
		notice := *m.LastError
		out.LastError = &notice
	}
	return out
}

// Job returns the entry for kind and whether one exists.
func (m Model) Job(kind domain.JobKind) (domain.BackgroundJob, bool) {
	job, ok := m.Jobs[kind]
	return job, ok
}

// ValidationKey is the cache key for a backend/model pair.
func ValidationKey(backend, model string) string {
	return backend + "/" + model
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
