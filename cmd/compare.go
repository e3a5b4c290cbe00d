package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegate/internal/engine"
)

var compareCmd = &cobra.Command{
	Use:   "compare <capture> <reference>",
	Short: "Compare the faces in two image files",
	Long: `Compare the primary face of two image files and print the verification
result as JSON. Errors such as a missing face are reported in the result's
error field rather than as a failed command.

Examples:
  facegate compare selfie.jpg passport.png
  facegate compare a.jpg b.jpg --threshold 0.7`,
	Args: cobra.ExactArgs(2),
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	capture, err := readImage(args[0])
	if err != nil {
		return err
	}
	ref, err := readImage(args[1])
	if err != nil {
		return err
	}
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		return outputJSON(e.Compare(ctx, capture, ref))
	})
}
