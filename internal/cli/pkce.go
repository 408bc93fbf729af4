package cli

import (
	"github.com/spf13/cobra"

	"github.com/bobmcallan/cadence/internal/pkce"
)

func newPKCECommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkce",
		Short: "PKCE helpers for testing clients",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a code_verifier and its S256 code_challenge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := pkce.GenerateVerifier()
			if err != nil {
				return err
			}
			challenge, err := pkce.DeriveChallenge(verifier)
			if err != nil {
				return err
			}
			p := newPrinter(opts, cmd.OutOrStdout())
			if p.json() {
				return p.emit(map[string]string{
					"code_verifier":         verifier,
					"code_challenge":        challenge,
					"code_challenge_method": pkce.MethodS256,
				})
			}
			return p.fields(
				"code_verifier", verifier,
				"code_challenge", challenge,
				"code_challenge_method", pkce.MethodS256,
			)
		},
	})
	return cmd
}
