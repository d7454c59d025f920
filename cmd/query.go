package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/imagingdatacommons/idc-client-go/internal/catalog"
	"github.com/imagingdatacommons/idc-client-go/internal/client"
	"github.com/imagingdatacommons/idc-client-go/internal/query"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute ad hoc SQL against the materialized catalog tables",
		Long: `Execute SQL against the catalog. Tables must be materialized to be
visible to the query; pass --tables to materialize additional tables before
running the statement. The main series index is always materialized.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			tables, _ := cmd.Flags().GetStringSlice("tables")
			if err := ensureTables(cmd, c, tables); err != nil {
				return err
			}

			res, err := c.Query(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
	cmd.Flags().StringSlice("tables", nil, "Additional tables to materialize before the query")
	return cmd
}

func ensureTables(cmd *cobra.Command, c *client.Client, extra []string) error {
	names := append([]string{catalog.MainIndexTable}, extra...)
	if failed := c.Registry().EnsureLoadedAll(cmd.Context(), names...); len(failed) > 0 {
		for name, err := range failed {
			return fmt.Errorf("failed to materialize table %q: %w", name, err)
		}
	}
	return nil
}

// printResult renders a result as a tab-aligned table, truncating cells when
// stdout is a narrow terminal.
func printResult(res *query.Result) {
	maxCell := 0
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && len(res.Columns) > 0 {
			maxCell = width / len(res.Columns)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = truncateCell(formatValue(v), maxCell)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
	fmt.Printf("(%d rows in %s)\n", res.Count, res.Duration)
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func truncateCell(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
