package commands

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maltedev/taobao-scraper/internal/storage"
)

var resultsFile *string

func init() {
	resultsFile = resultsCmd.Flags().String("results", "", "Result file to read (default FETCH_RESULTS_FILE).")
	rootCmd.AddCommand(resultsCmd)
}

var resultsCmd = &cobra.Command{
	Use:   "results [--results <path/to/results.json>]",
	Short: "Lists the references recorded in the result file and how each fetch ended.",
	RunE: func(cmd *cobra.Command, args []string) error {
		file := cfg.Fetch.ResultsFile
		if *resultsFile != "" {
			file = *resultsFile
		}

		store, err := storage.NewResultStore(file)
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}

		renderRecords(cmd.OutOrStdout(), store.Records())
		return nil
	},
}

func renderRecords(w io.Writer, records []*storage.FetchRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Reference", "Product", "Status", "Signature", "Attempts", "Output"})
	for _, r := range records {
		out := r.MarkdownPath
		if r.Error != "" {
			out = r.Error
		}
		t.AppendRow(table.Row{truncate(r.Reference, 48), r.ProductID, r.Status, r.Signature, r.Attempts, out})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
