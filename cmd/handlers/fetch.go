package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liuyongshun/msgtool/internal/pipeline"
)

func newFetchCmd() *cobra.Command {
	var maxResults int
	var format string
	var outPath string

	cmd := &cobra.Command{
		Use:   "fetch <source>",
		Short: "Run one source's ingestion pipeline once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args[0], maxResults, format, outPath)
		},
	}

	cmd.Flags().IntVar(&maxResults, "max-results", 0, "cap on items fetched (0 = source default)")
	cmd.Flags().StringVar(&format, "format", "structured", "output format: structured|human")
	cmd.Flags().StringVar(&outPath, "out", "", "write output to this file instead of stdout")

	return cmd
}

func runFetch(cmd *cobra.Command, sourceName string, maxResults int, format, outPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newConfiguredApp()
	if err != nil {
		return err
	}

	result, err := app.RunOne(ctx, sourceName, maxResults)
	if err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return err
	}

	if err := app.Persist(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch format {
	case "human":
		writeHumanResult(out, result)
	default:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
	}

	if !result.Success {
		return fmt.Errorf("source %q failed: %s", sourceName, result.Reason)
	}
	return nil
}

func writeHumanResult(w io.Writer, result pipeline.Result) {
	fmt.Fprintf(w, "%s: success=%v count=%d\n", result.Source, result.Success, result.Count)
	if result.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", result.Reason)
	}
	for _, item := range result.Items {
		fmt.Fprintf(w, "  - [%s] %s\n    %s\n", item.ArticleTag, item.Title, item.URL)
	}
}
