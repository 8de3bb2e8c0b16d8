// Package main provides an operator CLI for the visit-insights pipelines.
//
// It exists for two jobs the Lambdas cannot do conveniently: re-running a
// batch from a local JSON file against the real stores (after an incident or
// a redelivery gap), and inspecting the exact prompt a note or note group
// produces without touching AWS.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opencare/visit-insights/internal/classify"
	"github.com/opencare/visit-insights/internal/extract"
	"github.com/opencare/visit-insights/internal/lambdaboot"
	"github.com/opencare/visit-insights/internal/logging"
	"github.com/opencare/visit-insights/internal/pipeline"
	"github.com/opencare/visit-insights/internal/summarise"
)

// CLI flags
var (
	fileFlag    string
	batchIDFlag string
	noteFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "visits-cli",
	Short: "Operator tooling for the care-visit insights pipelines",
	Long: `visits-cli runs the classification or summary pipeline against a local
batch file, or prints the exact model prompt for a note.

Re-runs write to the same DynamoDB tables as the Lambdas and are idempotent:
results are keyed by (batch_id, record_index) or (batch_id, client), so
re-running a batch overwrites rather than duplicates.

Examples:
  visits-cli classify --file batch.json --batch-id 2026-08-21-visits
  visits-cli summarise --file batch.json --batch-id 2026-08-21-visits
  visits-cli prompt --note "Client had a fall in the bathroom"`,
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Run the classification pipeline for a local batch file",
	Run:   func(cmd *cobra.Command, args []string) { runPipeline("classification") },
}

var summariseCmd = &cobra.Command{
	Use:   "summarise",
	Short: "Run the per-client summary pipeline for a local batch file",
	Run:   func(cmd *cobra.Command, args []string) { runPipeline("summary") },
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Print the classification prompt for a note (no AWS access)",
	Run: func(cmd *cobra.Command, args []string) {
		if strings.TrimSpace(noteFlag) == "" {
			log.Fatal().Msg("--note is required")
		}
		fmt.Println(classify.Prompt(noteFlag))
	},
}

func init() {
	for _, c := range []*cobra.Command{classifyCmd, summariseCmd} {
		c.Flags().StringVarP(&fileFlag, "file", "f", "", "Batch payload file (JSON array of note objects)")
		c.Flags().StringVarP(&batchIDFlag, "batch-id", "b", "", "Batch ID for the run (default: file name without extension)")
	}
	promptCmd.Flags().StringVarP(&noteFlag, "note", "n", "", "Visit note text")
	rootCmd.AddCommand(classifyCmd, summariseCmd, promptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runPipeline loads the batch file and executes the requested pipeline
// variant against the configured AWS resources.
func runPipeline(variant string) {
	logging.Init()

	if fileFlag == "" {
		log.Fatal().Msg("--file is required")
	}
	payload, err := os.ReadFile(fileFlag)
	if err != nil {
		log.Fatal().Err(err).Str("file", fileFlag).Msg("Failed to read batch file")
	}

	batchID := batchIDFlag
	if batchID == "" {
		batchID = extract.BatchIDFromKey(fileFlag)
	}

	awsClients := lambdaboot.InitAWS()
	store := lambdaboot.InitResultStore(awsClients.Config, "CLASSIFICATION_TABLE_NAME", "SUMMARIES_TABLE_NAME")
	invoker := lambdaboot.InitInvoker(awsClients.Config, awsClients.SSM)

	pipe := pipeline.New(
		classify.New(invoker, classify.DefaultConfig()),
		summarise.New(invoker, summarise.DefaultConfig()),
		store,
		lambdaboot.PipelineConfig(),
	)

	ctx := context.Background()
	var report *pipeline.Report
	switch variant {
	case "classification":
		report, err = pipe.RunClassification(ctx, payload, batchID)
	case "summary":
		report, err = pipe.RunSummaries(ctx, payload, batchID)
	}
	if err != nil {
		log.Fatal().Err(err).Str("batchId", batchID).Msg("Batch failed")
	}

	fmt.Printf("batch %s: %s (%d/%d succeeded)\n", report.BatchID, report.Status, report.Succeeded, report.Total)
	for _, f := range report.Failures {
		if f.RecordIndex >= 0 {
			fmt.Printf("  record %d: %s: %s\n", f.RecordIndex, f.ErrorKind, f.Message)
		} else {
			fmt.Printf("  client %s: %s: %s\n", f.Client, f.ErrorKind, f.Message)
		}
	}
	if report.Status != pipeline.StatusAllSucceeded {
		os.Exit(1)
	}
}
