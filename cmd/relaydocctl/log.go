package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydoc/internal/document"
)

var logCmd = &cobra.Command{
	Use:   "log [doc-id]",
	Short: "Print a document's operation history",
	Long:  `Pages through the oplog after --since and prints one line per operation.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var (
	logSince    uint64
	logPageSize int
	logMax      int
)

func init() {
	logCmd.Flags().Uint64Var(&logSince, "since", 0, "print operations after this version")
	logCmd.Flags().IntVar(&logPageSize, "page-size", 500, "operations fetched per request")
	logCmd.Flags().IntVarP(&logMax, "max", "n", 0, "stop after this many operations (0 for all)")
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	client := newClient()
	since := logSince
	printed := 0
	for {
		page, err := client.ListOps(cmd.Context(), args[0], since, logPageSize)
		if err != nil {
			return fmt.Errorf("failed to list operations: %w", err)
		}
		for _, record := range page.Records {
			if logMax > 0 && printed >= logMax {
				return nil
			}
			cmd.Println(formatRecord(record))
			printed++
		}
		if page.NextCursor == 0 || page.NextCursor <= since {
			return nil
		}
		since = page.NextCursor
	}
}

func formatRecord(record document.Record) string {
	op := record.Operation
	author := op.Author
	if author == "" {
		author = op.ID.Site
	}
	detail := op.Target.String()
	if op.Kind == document.KindInsert {
		detail = "after " + detail + " " + strconv.Quote(op.Value)
	}
	return fmt.Sprintf("%6d  %s  %-6s  %s  %s  %s",
		record.Version,
		op.CreatedAt.UTC().Format(time.RFC3339),
		op.Kind,
		op.ID,
		author,
		detail,
	)
}
