// commands.go
// Offline commands that inspect the configured message store.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/erilali/chathub/internal/config"
	"github.com/erilali/chathub/internal/logger"
	"github.com/erilali/chathub/internal/store"
	"github.com/spf13/cobra"
)

const storeCommandTimeout = 30 * time.Second

// openStore opens the configured message store without touching the blob
// store, which these commands never read. An unreachable broker is an
// error here, not a silent switch to an empty in-memory store.
func openStore(ctx context.Context, configPath string) (*store.Backend, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Storage.Blobs = config.BlobsMemory
	return store.Open(ctx, cfg.Storage, logger.NewLogger("store"), store.RequireBroker())
}

func historyCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), storeCommandTimeout)
			defer cancel()

			backend, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer backend.Close()

			records, err := backend.Messages.Recent(ctx, limit)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			return printRecords(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of messages to print")

	return cmd
}

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report message and user counts and the latest stored message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), storeCommandTimeout)
			defer cancel()

			backend, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer backend.Close()

			stats, err := backend.Stats(ctx)
			if err != nil {
				return fmt.Errorf("check store: %w", err)
			}
			return printStats(cmd.OutOrStdout(), backend.Name, stats)
		},
	}
}

func resetCmd(configPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every stored message and account",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), out, "This will DELETE all messages and accounts. Continue? (yes/no): ")
				if err != nil {
					return err
				}
				if !ok {
					_, err := fmt.Fprintln(out, "Cancelled.")
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), storeCommandTimeout)
			defer cancel()

			backend, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := backend.Reset(ctx); err != nil {
				return fmt.Errorf("reset store: %w", err)
			}
			_, err = fmt.Fprintf(out, "Deleted all messages and accounts from %s storage.\n", backend.Name)
			return err
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")

	return cmd
}

// confirm asks prompt on out and reports whether the answer read from in
// is "yes".
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(answer), "yes"), nil
}

func printRecords(out io.Writer, records []store.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No messages.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSENDER\tKIND\tCONTENT")
	for _, rec := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.CreatedAt.Local().Format(time.DateTime), rec.Sender, rec.Kind, rec.Content)
	}
	return tw.Flush()
}

func printStats(out io.Writer, backend string, stats store.Stats) error {
	fmt.Fprintf(out, "Storage:  %s\n", backend)
	fmt.Fprintf(out, "Users:    %d\n", stats.Users)
	fmt.Fprintf(out, "Messages: %d\n", stats.Count)
	if stats.Latest == nil {
		_, err := fmt.Fprintln(out, "Latest:   none")
		return err
	}
	l := stats.Latest
	_, err := fmt.Fprintf(out, "Latest:   #%d %s [%s] %s: %s\n",
		l.ID, l.CreatedAt.Local().Format(time.DateTime), l.Kind, l.Sender, l.Content)
	return err
}
