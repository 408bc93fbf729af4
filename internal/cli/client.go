package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/bobmcallan/cadence/internal/app"
	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/services/authz"
)

type clientRegisterOptions struct {
	name         string
	redirectURIs []string
	scope        string
	public       bool
}

func newClientCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth clients",
	}
	cmd.AddCommand(newClientRegisterCommand(opts))
	return cmd
}

func newClientRegisterCommand(opts *RootOptions) *cobra.Command {
	ro := &clientRegisterOptions{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an OAuth client and print its credentials",
		Long: `Register an OAuth client directly in storage.

The client secret is printed once and only its hash is stored. Public clients
(--public) have no secret and must use PKCE, as every client does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app.App) error {
				return runClientRegister(cmd, opts, ro, a)
			})
		},
	}
	cmd.Flags().StringVar(&ro.name, "name", "", "client display name")
	cmd.Flags().StringArrayVar(&ro.redirectURIs, "redirect-uri", nil, "registered redirect URI (repeatable)")
	cmd.Flags().StringVar(&ro.scope, "scope", "", "space separated scopes (default: all supported)")
	cmd.Flags().BoolVar(&ro.public, "public", false, "register a public client without a secret")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func runClientRegister(cmd *cobra.Command, opts *RootOptions, ro *clientRegisterOptions, a *app.App) error {
	reg := authz.Registration{
		ClientName:   ro.name,
		RedirectURIs: ro.redirectURIs,
		Scope:        ro.scope,
	}
	if ro.public {
		reg.TokenEndpointAuthMethod = "none"
	}
	client, secret, err := a.Authz.RegisterClient(cmd.Context(), reg)
	if err != nil {
		return err
	}

	p := newPrinter(opts, cmd.OutOrStdout())
	if p.json() {
		out := map[string]any{
			"client_id":     client.ClientID,
			"client_name":   client.ClientName,
			"redirect_uris": client.RedirectURIs,
			"scope":         common.FormatScope(client.Scopes),
			"public":        client.Public,
		}
		if secret != "" {
			out["client_secret"] = secret
		}
		return p.emit(out)
	}
	kv := []string{
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"redirect_uris", strings.Join(client.RedirectURIs, ", "),
		"scope", common.FormatScope(client.Scopes),
	}
	if secret != "" {
		kv = append(kv, "client_secret", secret)
	}
	return p.fields(kv...)
}
