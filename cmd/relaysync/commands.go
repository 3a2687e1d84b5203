package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/opqueue"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync continuously until interrupted",
		Long: `Start the connectivity monitor, the realtime channel and the sync
orchestrator, and keep them running until SIGINT or SIGTERM.

Example:
  relaysync run --base-url https://sync.example.com --store-dsn bolt:///var/lib/relaysync/state.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, opts)
		},
	}
}

func runEngine(ctx context.Context, opts *rootOptions) error {
	eng, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	statuses, cancelStatuses := eng.SyncStatus()
	defer cancelStatuses()
	channels, cancelChannels := eng.ChannelState()
	defer cancelChannels()
	alerts, cancelAlerts := eng.Alerts()
	defer cancelAlerts()

	for {
		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			return nil
		case status, ok := <-statuses:
			if !ok {
				return nil
			}
			log.Printf("sync status %s", status)
		case state, ok := <-channels:
			if !ok {
				return nil
			}
			log.Printf("realtime channel %s", state)
		case alert, ok := <-alerts:
			if !ok {
				return nil
			}
			if alert != "" {
				log.Printf("warning: %s", alert)
			}
		}
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the local queue once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			eng, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()
			result, err := eng.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			summary := syncSummary{
				Status:    string(eng.Status()),
				Synced:    result.Synced,
				Abandoned: result.Abandoned,
				Remaining: result.Remaining,
				Stuck:     result.Stuck,
			}
			return writeOutput(cmd.OutOrStdout(), opts.Format, summary, func(w io.Writer) {
				fmt.Fprintf(w, "status %s: synced %d, abandoned %d, remaining %d\n",
					summary.Status, summary.Synced, summary.Abandoned, summary.Remaining)
				if summary.Stuck != "" {
					fmt.Fprintf(w, "stopped at operation %s\n", summary.Stuck)
				}
			})
		},
	}
}

type syncSummary struct {
	Status    string `json:"status"`
	Synced    int    `json:"synced"`
	Abandoned int    `json:"abandoned"`
	Remaining int    `json:"remaining"`
	Stuck     string `json:"stuck,omitempty"`
}

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue <store> <key> <create|update|delete> [payload|-]",
		Short: "Queue a local mutation",
		Long: `Queue a mutation for the next sync and apply it to the local mirror.

The payload is a JSON document; "-" reads it from stdin. Deletes take no
payload.

Example:
  relaysync enqueue elements e1 create '{"id":"e1","label":"draft"}'
  relaysync enqueue elements e1 delete`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			opType, err := opqueue.ParseOpType(args[2])
			if err != nil {
				return err
			}
			var payload json.RawMessage
			if len(args) == 4 {
				payload, err = readPayload(cmd.InOrStdin(), args[3])
				if err != nil {
					return err
				}
			}
			eng, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()
			op, err := eng.Enqueue(cmd.Context(), args[0], args[1], opType, payload, priority)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.Format, op, func(w io.Writer) {
				fmt.Fprintf(w, "queued %s %s %s/%s\n", op.ID, op.Type, op.StoreName, op.Key)
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher priorities sync first")
	return cmd
}

func readPayload(stdin io.Reader, arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if strings.TrimSpace(arg) == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", opqueue.ErrInvalidOperation)
	}
	return json.RawMessage(raw), nil
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued operations in sync order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()
			ops := eng.Queue().Pending(cmd.Context())
			if ops == nil {
				ops = []opqueue.Operation{}
			}
			return writeOutput(cmd.OutOrStdout(), opts.Format, ops, func(w io.Writer) {
				if len(ops) == 0 {
					fmt.Fprintln(w, "no pending operations")
					return
				}
				for _, op := range ops {
					fmt.Fprintf(w, "%s\t%s\t%s/%s\tattempts=%d\n", op.ID, op.Type, op.StoreName, op.Key, op.Attempts)
				}
			})
		},
	}
}

func newDeadLetterCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "dead-letter",
		Aliases: []string{"dead-letters"},
		Short:   "List operations the sync gave up on",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()
			letters, err := eng.Queue().DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			if letters == nil {
				letters = []opqueue.DeadLetter{}
			}
			return writeOutput(cmd.OutOrStdout(), opts.Format, letters, func(w io.Writer) {
				if len(letters) == 0 {
					fmt.Fprintln(w, "no dead letters")
					return
				}
				for _, letter := range letters {
					op := letter.Operation
					fmt.Fprintf(w, "%s\t%s\t%s/%s\tattempts=%d\t%s\n", op.ID, op.Type, op.StoreName, op.Key, op.Attempts, letter.Reason)
				}
			})
		},
	}
}

func writeOutput(w io.Writer, format string, value any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	text(w)
	return nil
}
