package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegate/internal/engine"
	"github.com/kozaktomas/facegate/internal/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Check whether a face is already registered",
	Long: `Scan every registered identity for the face in --image.

With the early_exit policy the scan stops at the first identity whose fused
similarity reaches the threshold. With best_of_corpus every identity is
scored and the best one is reported if it clears the threshold.

Examples:
  facegate scan --image new-user.jpg
  facegate scan --image new-user.jpg --policy best_of_corpus --concurrency 16
  facegate scan --image new-user.jpg --timeout 5s --quiet`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().String("image", "", "Path to the image to check (required)")
	scanCmd.Flags().String("policy", "", "Scan policy: early_exit or best_of_corpus (default from config)")
	scanCmd.Flags().Int("concurrency", 0, "Number of identities processed in parallel (default from config)")
	scanCmd.Flags().Duration("timeout", 0, "Time budget per identity (default from config)")
	scanCmd.Flags().String("exclude", "", "Identity to leave out of the scan")
	scanCmd.Flags().Bool("quiet", false, "Do not draw a progress bar")
	scanCmd.MarkFlagRequired("image")
}

// scanOptions reads the scan flags shared by scan, register and cache warm.
func scanOptions(cmd *cobra.Command) scanner.Options {
	opts := scanner.Options{}
	if f := cmd.Flags().Lookup("policy"); f != nil {
		opts.Policy = f.Value.String()
	}
	if cmd.Flags().Lookup("concurrency") != nil {
		opts.Concurrency = mustGetInt(cmd, "concurrency")
	}
	if cmd.Flags().Lookup("timeout") != nil {
		opts.IdentityTimeout = mustGetDuration(cmd, "timeout")
	}
	return opts
}

func runScan(cmd *cobra.Command, args []string) error {
	image, err := readImage(mustGetString(cmd, "image"))
	if err != nil {
		return err
	}
	opts := scanOptions(cmd)
	opts.ExcludeID = mustGetString(cmd, "exclude")
	opts.OnProgress = progressFunc("Scanning", mustGetBool(cmd, "quiet"))

	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		res, err := e.CheckDuplicate(ctx, image, opts)
		if err != nil {
			return err
		}
		return outputJSON(res)
	})
}
