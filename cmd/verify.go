package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegate/internal/engine"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a capture against a registered identity",
	Long: `Compare the face in --image with the reference face registered for
--identity. The reference encoding is taken from the cache when the stored
image has not changed.

The identity can also be picked by display name with --name. The name must
match exactly one registered identity.

Examples:
  facegate verify --identity u-1042 --image capture.jpg
  facegate verify --name "Jan Novak" --image capture.jpg`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("identity", "", "Identity to verify against")
	verifyCmd.Flags().String("name", "", "Display name of the identity to verify against")
	verifyCmd.Flags().String("image", "", "Path to the captured image (required)")
	verifyCmd.MarkFlagsOneRequired("identity", "name")
	verifyCmd.MarkFlagsMutuallyExclusive("identity", "name")
	verifyCmd.MarkFlagRequired("image")
}

func runVerify(cmd *cobra.Command, args []string) error {
	identity := mustGetString(cmd, "identity")
	name := mustGetString(cmd, "name")
	capture, err := readImage(mustGetString(cmd, "image"))
	if err != nil {
		return err
	}
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		if name != "" {
			if identity, err = identityByName(ctx, e, name); err != nil {
				return err
			}
		}
		return outputJSON(e.Verify(ctx, identity, capture))
	})
}

func identityByName(ctx context.Context, e *engine.Engine, name string) (string, error) {
	matches, err := e.FindByName(ctx, name)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no registered identity named %q", name)
	case 1:
		return matches[0].ID, nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return "", fmt.Errorf("name %q is ambiguous: %s", name, strings.Join(ids, ", "))
	}
}
