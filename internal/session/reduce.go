package session

import (
	"encoding/json"
	"math"
	"slices"
	"strings"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/protocol"
)

// Input is anything the reducer can apply.
type Input interface {
	input()
}

// EventReceived wraps one server event.
type EventReceived struct{ Event protocol.Event }

// StatusChanged is a transport lifecycle transition.
type StatusChanged struct {
	Status domain.ConnectionStatus
	Port   int
	Err    error
}

type ReconnectChanged struct{ State domain.ReconnectState }

type OwnershipChanged struct{ Ownership domain.Ownership }

// HydrationStarted begins a fresh hydration batch. Dictionary mutations and
// history entries seen from here until their baseline loads are replayed over
// the fetched baseline.
type HydrationStarted struct{}

// RefreshRequested drops cached values an explicit refresh invalidates:
// finished jobs and validation answers.
type RefreshRequested struct{}

type HydrationFinished struct{}

type CapabilitiesLoaded struct{ Raw json.RawMessage }

type ConfigLoaded struct{ Config domain.EngineConfig }

type DictionaryLoaded struct{ Entries map[string]string }

type HistoryLoaded struct{ Entries []domain.HistoryEntry }

type StorageLoaded struct{ Status domain.StorageStatus }

type ValidationLoaded struct {
	Backend string
	Model   string
	Result  domain.ValidationResult
}

// ErrorRecorded stores a notice as the last error.
type ErrorRecorded struct{ Notice domain.Notice }

// ErrorCleared drops the last error. When Match is set, only an identical
// notice is dropped.
type ErrorCleared struct{ Match *domain.Notice }

// StartupFailed records a consolidated startup failure. An empty message
// clears it.
type StartupFailed struct{ Message string }

func (EventReceived) input()      {}
func (StatusChanged) input()      {}
func (ReconnectChanged) input()   {}
func (OwnershipChanged) input()   {}
func (HydrationStarted) input()   {}
func (HydrationFinished) input()  {}
func (RefreshRequested) input()   {}
func (CapabilitiesLoaded) input() {}
func (ConfigLoaded) input()       {}
func (DictionaryLoaded) input()   {}
func (HistoryLoaded) input()      {}
func (StorageLoaded) input()      {}
func (ValidationLoaded) input()   {}
func (ErrorRecorded) input()      {}
func (ErrorCleared) input()       {}
func (StartupFailed) input()      {}

// Reduce applies in to a copy of m and returns it. m is never modified.
func Reduce(m Model, in Input) Model {
	next := m.Clone()
	if next.HistoryLimit <= 0 {
		next.HistoryLimit = DefaultHistoryLimit
	}

	switch v := in.(type) {
	case EventReceived:
		applyEvent(&next, v.Event)
	case StatusChanged:
		next.Status = v.Status
		if v.Status == domain.ConnectionConnected {
			next.Port = v.Port
			next.ShuttingDown = false
			next.StartupError = ""
		}
	case ReconnectChanged:
		next.Reconnect = v.State
	case OwnershipChanged:
		next.Ownership = v.Ownership
	case HydrationStarted:
		next.Hydrating = true
		next.DictionaryHydrated = false
		next.dictionaryOverlay = map[string]*string{}
		next.historyOverlay = nil
	case HydrationFinished:
		next.Hydrating = false
		next.historyOverlay = nil
	case RefreshRequested:
		for kind, job := range next.Jobs {
			if !job.Active {
				delete(next.Jobs, kind)
			}
		}
		next.Validation = map[string]domain.ValidationResult{}
	case CapabilitiesLoaded:
		next.Capabilities = append(json.RawMessage(nil), v.Raw...)
	case ConfigLoaded:
		cfg := v.Config
		next.Config = &cfg
	case DictionaryLoaded:
		next.Dictionary = make(map[string]string, len(v.Entries))
		for key, value := range v.Entries {
			next.Dictionary[normalizeKey(key)] = value
		}
		for key, value := range next.dictionaryOverlay {
			if value == nil {
				delete(next.Dictionary, key)
			} else {
				next.Dictionary[key] = *value
			}
		}
		next.dictionaryOverlay = map[string]*string{}
		next.DictionaryHydrated = true
	case HistoryLoaded:
		next.History = slices.Clone(v.Entries)
		if next.History == nil {
			next.History = []domain.HistoryEntry{}
		}
		overlay := next.historyOverlay
		next.historyOverlay = nil
		for _, entry := range overlay {
			insertHistory(&next, entry)
		}
		trimHistory(&next)
	case StorageLoaded:
		status := v.Status
		next.Storage = &status
	case ValidationLoaded:
		next.Validation[ValidationKey(v.Backend, v.Model)] = v.Result
	case ErrorRecorded:
		notice := v.Notice
		next.LastError = &notice
	case ErrorCleared:
		if v.Match == nil || (next.LastError != nil && *next.LastError == *v.Match) {
			next.LastError = nil
		}
	case StartupFailed:
		next.StartupError = v.Message
	}
	return next
}

func applyEvent(m *Model, event protocol.Event) {
	switch ev := event.(type) {
	case *protocol.StateEvent:
		m.EngineState = ev.State
	case *protocol.TranscriptionEvent:
		m.LastTranscript = ev.Text
		if ev.Entry != nil {
			prependHistory(m, *ev.Entry)
		}
	case *protocol.HistoryAppendedEvent:
		prependHistory(m, ev.Entry)
	case *protocol.ModelDownloadEvent:
		m.Jobs[domain.JobDownload] = domain.BackgroundJob{
			Kind:        domain.JobDownload,
			Status:      ev.Status,
			ProgressPct: percent(ev.ProgressPct),
			Model:       ev.Model,
			Message:     ev.Message,
			DoneBytes:   ev.DownloadedBytes,
			TotalBytes:  ev.TotalBytes,
			Active:      !ev.Status.Terminal(),
		}
	case *protocol.StorageMigrationEvent:
		m.Jobs[domain.JobMigration] = domain.BackgroundJob{
			Kind:        domain.JobMigration,
			Status:      ev.Status,
			ProgressPct: percent(ev.ProgressPct),
			Message:     ev.Message,
			DoneBytes:   ev.CopiedBytes,
			TotalBytes:  ev.TotalBytes,
			Active:      !ev.Status.Terminal(),
		}
	case *protocol.StorageUpdatedEvent:
		status := domain.StorageStatus{}
		if m.Storage != nil {
			status = *m.Storage
		}
		status.StorageRoot = ev.StorageRoot
		if ev.EffectivePaths != nil {
			status.EffectivePaths = ev.EffectivePaths
		}
		m.Storage = &status
	case *protocol.ErrorEvent:
		m.LastError = &domain.Notice{
			Level:   domain.NoticeTransient,
			Code:    domain.ErrorCodeEngine,
			Message: ev.Message,
			Detail:  ev.Code,
		}
	case *protocol.DictionaryUpdatedEvent:
		key := normalizeKey(ev.Key)
		value := ev.Value
		m.Dictionary[key] = value
		if !m.DictionaryHydrated {
			m.dictionaryOverlay[key] = &value
		}
	case *protocol.DictionaryDeletedEvent:
		key := normalizeKey(ev.Key)
		delete(m.Dictionary, key)
		if !m.DictionaryHydrated {
			m.dictionaryOverlay[key] = nil
		}
	case *protocol.ShuttingDownEvent:
		m.ShuttingDown = true
	}
}

func prependHistory(m *Model, entry domain.HistoryEntry) {
	if m.Hydrating {
		m.historyOverlay = append(m.historyOverlay, entry)
	}
	insertHistory(m, entry)
}

func insertHistory(m *Model, entry domain.HistoryEntry) {
	history := make([]domain.HistoryEntry, 0, len(m.History)+1)
	history = append(history, entry)
	for _, existing := range m.History {
		if entry.ID != 0 && existing.ID == entry.ID {
			continue
		}
		history = append(history, existing)
	}
	m.History = history
	trimHistory(m)
}

func trimHistory(m *Model) {
	if len(m.History) > m.HistoryLimit {
		m.History = m.History[:m.HistoryLimit]
	}
}

func percent(pct float64) int {
	if math.IsNaN(pct) {
		return 0
	}
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return domain.ClampPercent(int(math.Round(pct)))
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
