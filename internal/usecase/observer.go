package usecase

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/ports"
	"keyvoxdesk/internal/session"
)

// snapshotObserver turns model snapshots into UI side effects: the snapshot
// itself, the status indicator text and edge-triggered notices. It runs on
// the store goroutine.
type snapshotObserver struct {
	shell        ports.Shell
	events       ports.EventSink
	dispatch     func(session.Input)
	dismissAfter time.Duration
	history      *historyWriter

	mu           sync.Mutex
	statusText   string
	lastError    *domain.Notice
	paused       bool
	startupError string
	dismiss      *time.Timer
	stopped      bool
}

func newSnapshotObserver(shell ports.Shell, events ports.EventSink, dispatch func(session.Input), dismissAfter time.Duration, history *historyWriter) *snapshotObserver {
	return &snapshotObserver{
		shell:        shell,
		events:       events,
		dispatch:     dispatch,
		dismissAfter: dismissAfter,
		history:      history,
	}
}

func (o *snapshotObserver) observe(m session.Model) {
	if o.events != nil {
		o.events.SessionChanged(m)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}

	if text := StatusText(m); text != o.statusText {
		o.statusText = text
		if o.shell != nil {
			o.shell.SetStatus(text)
		}
	}

	o.observeError(m.LastError)

	if m.Reconnect.Paused && !o.paused {
		o.notify(domain.Notice{
			Level:   domain.NoticeBlocking,
			Code:    domain.ErrorCodeReconnectPaused,
			Message: "Lost connection to the Keyvox engine. Reconnect to try again.",
			Detail:  fmt.Sprintf("gave up after %d attempts", m.Reconnect.Attempts),
		})
	}
	o.paused = m.Reconnect.Paused

	if m.StartupError != "" && m.StartupError != o.startupError {
		o.notify(domain.Notice{
			Level:   domain.NoticeBlocking,
			Code:    domain.ErrorCodeStartup,
			Message: "Could not start or reach the Keyvox engine.",
			Detail:  m.StartupError,
		})
	}
	o.startupError = m.StartupError

	if o.history != nil {
		o.history.offer(m.History)
	}
}

func (o *snapshotObserver) observeError(current *domain.Notice) {
	if current == nil {
		o.lastError = nil
		return
	}
	if o.lastError != nil && *o.lastError == *current {
		return
	}
	notice := *current
	o.lastError = &notice
	o.notify(notice)

	if o.dismiss != nil {
		o.dismiss.Stop()
		o.dismiss = nil
	}
	if notice.Level == domain.NoticeTransient {
		o.dismiss = time.AfterFunc(o.dismissAfter, func() {
			o.dispatch(session.ErrorCleared{Match: &notice})
		})
	}
}

func (o *snapshotObserver) notify(notice domain.Notice) {
	if o.events != nil {
		o.events.Notice(notice)
	}
}

func (o *snapshotObserver) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	if o.dismiss != nil {
		o.dismiss.Stop()
		o.dismiss = nil
	}
}

// StatusText renders the one-line status indicator for m.
func StatusText(m session.Model) string {
	parts := []string{"Keyvox"}
	switch {
	case m.Status == domain.ConnectionConnected && m.ShuttingDown:
		parts = append(parts, "shutting down")
	case m.Status == domain.ConnectionConnected:
		state := string(m.EngineState)
		if state == "" {
			state = "ready"
		}
		parts = append(parts, state)
		if job, ok := m.Job(domain.JobDownload); ok && job.Active {
			parts = append(parts, fmt.Sprintf("downloading %d%%", job.ProgressPct))
		}
		if job, ok := m.Job(domain.JobMigration); ok && job.Active {
			parts = append(parts, fmt.Sprintf("moving storage %d%%", job.ProgressPct))
		}
	case m.Reconnect.Paused:
		parts = append(parts, "reconnect paused")
	case m.Reconnect.Scheduled || m.Reconnect.InFlight:
		parts = append(parts, "reconnecting")
	case m.Status == domain.ConnectionConnecting:
		parts = append(parts, "connecting")
	case m.StartupError != "":
		parts = append(parts, "engine unavailable")
	default:
		parts = append(parts, "offline")
	}
	return strings.Join(parts, " · ")
}
