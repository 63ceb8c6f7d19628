package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/types"
)

var (
	runProcessAll bool
	runJSON       bool
)

func init() {
	for _, c := range []struct {
		use   string
		short string
		pt    types.PipelineType
	}{
		{"sync", "Discover recently merged pull requests and stage them", types.PipelineGitHubSync},
		{"process", "Normalize staged payloads into the relational tables", types.PipelineDataProcessing},
		{"enrich", "Fill in entity details from the provider API", types.PipelineDataEnrichment},
		{"rank", "Recompute the contributor leaderboard", types.PipelineAIAnalysis},
	} {
		pt := c.pt
		cmd := &cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPipeline(cmd, pt)
			},
		}
		cmd.Flags().BoolVar(&runProcessAll, "all", false, "keep draining batches until nothing is left")
		cmd.Flags().BoolVar(&runJSON, "json", false, "print run stats as JSON")
		rootCmd.AddCommand(cmd)
	}
}

func init() {
	runCmd := &cobra.Command{
		Use:   "run <pipeline_type>",
		Short: "Run one pipeline by type name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt := types.PipelineType(args[0])
			if !pt.IsValid() {
				return usageErrorf("unknown pipeline type %q", args[0])
			}
			return runPipeline(cmd, pt)
		},
	}
	runCmd.Flags().BoolVar(&runProcessAll, "all", false, "keep draining batches until nothing is left")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print run stats as JSON")
	rootCmd.AddCommand(runCmd)
}

// runPipeline executes one stage in the foreground and reports its stats.
func runPipeline(cmd *cobra.Command, pt types.PipelineType) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, ctx)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.runner.Start(ctx, pt, pipeline.StartOptions{
		Trigger:    types.TriggerDirect,
		ProcessAll: runProcessAll,
		Wait:       true,
	})
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", pt, err)
	}

	if runJSON {
		return json.NewEncoder(os.Stdout).Encode(res.Stats)
	}
	fmt.Printf("%s finished: %d processed, %d failed", pt, res.Stats.ItemsProcessed, res.Stats.Failed)
	if res.Stats.Remaining > 0 {
		fmt.Printf(", %d remaining", res.Stats.Remaining)
	}
	fmt.Println()
	return nil
}
