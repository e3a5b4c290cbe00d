package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegate/internal/engine"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the reference face of an identity",
	Long: `Store --image as the reference face of --identity.

The image must contain a face. Unless --allow-duplicate is given, the other
registered identities are scanned first and the registration is refused when
the face already belongs to one of them.

Examples:
  facegate register --identity u-1042 --image passport.jpg
  facegate register --identity u-1042 --image passport.jpg --allow-duplicate`,
	Args: cobra.NoArgs,
	RunE: runRegister,
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Remove the reference face of an identity",
	Args:  cobra.NoArgs,
	RunE:  runUnregister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(unregisterCmd)

	registerCmd.Flags().String("identity", "", "Identity to register (required)")
	registerCmd.Flags().String("image", "", "Path to the reference image (required)")
	registerCmd.Flags().Bool("allow-duplicate", false, "Register even if the face matches another identity")
	registerCmd.Flags().String("policy", "", "Duplicate scan policy (default from config)")
	registerCmd.Flags().Int("concurrency", 0, "Duplicate scan concurrency (default from config)")
	registerCmd.Flags().Bool("quiet", false, "Do not draw a progress bar")
	registerCmd.MarkFlagRequired("identity")
	registerCmd.MarkFlagRequired("image")

	unregisterCmd.Flags().String("identity", "", "Identity to unregister (required)")
	unregisterCmd.MarkFlagRequired("identity")
}

func runRegister(cmd *cobra.Command, args []string) error {
	identity := mustGetString(cmd, "identity")
	path := mustGetString(cmd, "image")
	image, err := readImage(path)
	if err != nil {
		return err
	}
	opts := engine.RegisterOptions{
		AllowDuplicate: mustGetBool(cmd, "allow-duplicate"),
		Scan:           scanOptions(cmd),
	}
	opts.Scan.OnProgress = progressFunc("Checking duplicates", mustGetBool(cmd, "quiet"))

	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		res, err := e.Register(ctx, identity, filepath.Base(path), image, opts)
		if errors.Is(err, faceerr.ErrDuplicateFace) && res != nil {
			if outErr := outputJSON(res); outErr != nil {
				return outErr
			}
		}
		if err != nil {
			return fmt.Errorf("registering %s: %w", identity, err)
		}
		return outputJSON(res)
	})
}

func runUnregister(cmd *cobra.Command, args []string) error {
	identity := mustGetString(cmd, "identity")
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		if err := e.Unregister(ctx, identity); err != nil {
			return err
		}
		return outputJSON(map[string]any{"identity_id": identity, "unregistered": true})
	})
}
