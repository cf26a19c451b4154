package cli

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"keyvoxdesk/internal/session"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the engine session live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			updates, unsubscribe := subscribeLatest(services.Store)
			defer unsubscribe()

			program := tea.NewProgram(
				newWatchModel(services.Controller.Snapshot(), updates),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			_, err = program.Run()
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
}

// subscribeLatest forwards store snapshots to a channel that only keeps the
// newest one.
func subscribeLatest(store *session.Store) (<-chan session.Model, func()) {
	updates := make(chan session.Model, 1)
	unsubscribe := store.Subscribe(func(m session.Model) {
		for {
			select {
			case updates <- m:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	return updates, unsubscribe
}

type snapshotMsg struct{ model session.Model }

type updatesClosedMsg struct{}

type watchModel struct {
	snapshot session.Model
	updates  <-chan session.Model
	quitting bool
}

func newWatchModel(initial session.Model, updates <-chan session.Model) watchModel {
	return watchModel{snapshot: initial, updates: updates}
}

func (m watchModel) Init() tea.Cmd {
	return waitForSnapshot(m.updates)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snapshot = msg.model
		return m, waitForSnapshot(m.updates)
	case updatesClosedMsg:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}
	return renderStatus(m.snapshot) + "\n\n" + dimStyle.Render("q to quit") + "\n"
}

func waitForSnapshot(updates <-chan session.Model) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return snapshotMsg{model: snap}
	}
}
