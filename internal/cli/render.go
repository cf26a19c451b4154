package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/session"
	"keyvoxdesk/internal/usecase"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Width(12).Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	keyStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func renderStatus(m session.Model) string {
	lines := []string{titleStyle.Render(usecase.StatusText(m))}
	row := func(label, value string) {
		lines = append(lines, labelStyle.Render(label)+value)
	}

	if m.Port > 0 {
		row("port", fmt.Sprint(m.Port))
	}
	if m.Ownership != "" {
		row("ownership", string(m.Ownership))
	}
	if m.Config != nil {
		row("model", m.Config.Backend+"/"+m.Config.Model)
		if m.Config.Hotkey != "" {
			row("hotkey", m.Config.Hotkey)
		}
	}
	if m.Storage != nil {
		row("storage", m.Storage.StorageRoot)
	}
	if m.DictionaryHydrated {
		row("dictionary", pluralize(len(m.Dictionary), "entry", "entries"))
	} else {
		row("dictionary", "not loaded")
	}
	row("history", pluralize(len(m.History), "entry", "entries"))
	for _, kind := range []domain.JobKind{domain.JobDownload, domain.JobMigration} {
		if job, ok := m.Job(kind); ok {
			row(string(kind), renderJob(job))
		}
	}
	if m.LastTranscript != "" {
		row("last", m.LastTranscript)
	}
	if m.LastError != nil {
		lines = append(lines, errorStyle.Render(noticeLine(*m.LastError)))
	}
	if m.StartupError != "" {
		lines = append(lines, errorStyle.Render(m.StartupError))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderJob(job domain.BackgroundJob) string {
	parts := []string{string(job.Status), fmt.Sprintf("%d%%", job.ProgressPct)}
	if job.Model != "" {
		parts = append(parts, job.Model)
	}
	if job.Message != "" {
		parts = append(parts, job.Message)
	}
	return strings.Join(parts, " ")
}

func renderDictionary(entries map[string]string) string {
	if len(entries) == 0 {
		return "no dictionary entries"
	}
	keys := lo.Keys(entries)
	slices.Sort(keys)
	width := lo.Max(lo.Map(keys, func(k string, _ int) int { return len(k) }))
	lines := lo.Map(keys, func(k string, _ int) string {
		return keyStyle.Width(width+2).Render(k) + "=> " + entries[k]
	})
	return strings.Join(lines, "\n")
}

func renderHistory(entries []domain.HistoryEntry) string {
	if len(entries) == 0 {
		return "no history"
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s  %s", dimStyle.Render(e.CreatedAt), e.Text))
	}
	return strings.Join(lines, "\n")
}

func noticeLine(n domain.Notice) string {
	if n.Detail == "" {
		return n.Message
	}
	return n.Message + ": " + n.Detail
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}
