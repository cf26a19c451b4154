package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"keyvoxdesk/internal/config"
	"keyvoxdesk/internal/dictionary"
	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/historycache"
	"keyvoxdesk/internal/session"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the engine session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			snap := services.Controller.Snapshot()
			if asJSON {
				return writeJSON(cmd, snap)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(snap))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the session model as JSON")
	return cmd
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send TYPE [PAYLOAD]",
		Short: "Send a raw protocol command and print its result",
		Example: `  keyvoxctl send ping
  keyvoxctl send get_history '{"limit":5}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}

			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := services.Client.SendCommand(cmd.Context(), args[0], payload, timeout)
			if err != nil {
				return err
			}
			if len(resp.Result) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}
			return writeJSON(cmd, resp.Result)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Response timeout (defaults to client.command_timeout)")
	return cmd
}

func newDictCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dict",
		Short: "Manage the correction dictionary",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dictionary entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintln(cmd.OutOrStdout(), renderDictionary(services.Controller.Snapshot().Dictionary))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Add or replace an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			return services.Controller.SetDictionary(cmd.Context(), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "delete KEY",
		Aliases: []string{"rm"},
		Short:   "Remove an entry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			return services.Controller.DeleteDictionary(cmd.Context(), args[0])
		},
	})

	var dryRun bool
	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: `Import "spoken => Written" lines from a file`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := dictionary.ReadFile(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				preview := make(map[string]string, len(entries))
				for _, e := range entries {
					preview[e.Key] = e.Value
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderDictionary(preview))
				return nil
			}

			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, e := range entries {
				if err := services.Controller.SetDictionary(cmd.Context(), e.Key, e.Value); err != nil {
					return fmt.Errorf("import %q: %w", e.Key, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", pluralize(len(entries), "entry", "entries"))
			return nil
		},
	}
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the parsed entries without contacting the engine")
	cmd.AddCommand(importCmd)

	return cmd
}

func newDownloadCommand(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "download BACKEND MODEL",
		Short: "Download a model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			updates, unsubscribe := subscribeLatest(services.Store)
			defer unsubscribe()

			status, err := services.Controller.DownloadModel(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[1], status)
			if !wait || status.Terminal() {
				return nil
			}
			job, err := waitForJob(cmd.Context(), updates, domain.JobDownload, func(job domain.BackgroundJob) {
				fmt.Fprintln(cmd.OutOrStdout(), renderJob(job))
			})
			if err != nil {
				return err
			}
			if job.Status == domain.JobFailed {
				return fmt.Errorf("download failed: %s", job.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Follow progress until the download finishes")
	return cmd
}

// waitForJob follows snapshots until the job of kind reaches a terminal
// status, calling progress on every change.
func waitForJob(ctx context.Context, updates <-chan session.Model, kind domain.JobKind, progress func(domain.BackgroundJob)) (domain.BackgroundJob, error) {
	var last domain.BackgroundJob
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return last, fmt.Errorf("session closed before %s finished", kind)
			}
			job, found := snap.Job(kind)
			if !found {
				continue
			}
			if job.Status != last.Status || job.ProgressPct != last.ProgressPct {
				progress(job)
			}
			last = job
			if job.Status.Terminal() {
				return job, nil
			}
		}
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "validate BACKEND MODEL",
		Short: "Check whether a backend and model can run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := services.Controller.ValidateModelConfig(cmd.Context(), args[0], args[1], device)
			if err != nil {
				return err
			}
			if result.Valid {
				fmt.Fprintln(cmd.OutOrStdout(), "valid")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render("invalid"))
			for _, issue := range result.Issues {
				fmt.Fprintln(cmd.OutOrStdout(), "  - "+issue)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "Compute device (auto when empty)")
	return cmd
}

func newPreviewCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preview TEXT...",
		Short: "Apply the engine's dictionary to text locally",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			preview := services.Controller.PreviewCorrections(strings.Join(args, " "))
			fmt.Fprintln(cmd.OutOrStdout(), preview.Corrected)
			return nil
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		cached bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transcripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cached {
				entries, err := readCachedHistory(cmd.Context(), opts.configPath, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderHistory(entries))
				return nil
			}

			services, closeFn, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			entries := services.Controller.Snapshot().History
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(entries))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show")
	cmd.Flags().BoolVar(&cached, "cached", false, "Read the desktop's local history cache without contacting the engine")
	return cmd
}

func readCachedHistory(ctx context.Context, configPath string, limit int) ([]domain.HistoryEntry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.HistoryDB == "" {
		return nil, fmt.Errorf("cache.history_db is not configured")
	}
	cache, err := historycache.Open(cfg.Cache.HistoryDB, historycache.DefaultKeep)
	if err != nil {
		return nil, err
	}
	defer cache.Close()
	return cache.Recent(ctx, limit)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
