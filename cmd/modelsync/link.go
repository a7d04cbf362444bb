package main

import (
	"fmt"

	"modelsync/internal/credentials"
	"modelsync/internal/link"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
	"modelsync/internal/report"

	"github.com/spf13/cobra"
)

func newLinkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Create or remove a package's remote repository",
	}
	cmd.AddCommand(newLinkCreateCommand(), newLinkRemoveCommand())
	return cmd
}

func newLinkCreateCommand() *cobra.Command {
	var req link.CreateRequest
	var kind, format string
	cmd := &cobra.Command{
		Use:   "create <package-iri>",
		Short: "Create a repository, link the package to it and push the first commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			req.PackageIRI = args[0]
			req.Provider = provider.Kind(kind)
			req.ExportFormat = packages.ExportFormat(format)
			resolved, err := a.Links.ProviderFor(req.Provider, req.ProviderURL)
			if err != nil {
				return err
			}
			req.Credentials = userCredentials(a, resolved)

			res, err := a.Links.CreateRemoteAndLink(cmd.Context(), req)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(cmd, res)
			}
			printWarnings(cmd, res.Warnings)
			printSuccess(cmd, "Linked %s to %s", res.Record.IRI, res.Repository.WebURL)
			fmt.Fprintln(cmd.OutOrStdout(), report.Field("branch", res.Record.Link.Branch))
			if res.CommitHash != "" {
				fmt.Fprintln(cmd.OutOrStdout(), report.Field("commit", res.CommitHash))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "provider", "", "github or gitlab (matched from --provider-url when empty)")
	cmd.Flags().StringVar(&req.ProviderURL, "provider-url", "", "provider web URL, e.g. https://gitlab.example.org")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "organization, group or user that owns the repository")
	cmd.Flags().StringVar(&req.Name, "name", "", "repository name")
	cmd.Flags().BoolVar(&req.UserScope, "user-scope", false, "create under the token owner's account instead of an organization")
	cmd.Flags().StringVarP(&req.Message, "message", "m", "", "initial commit message")
	cmd.Flags().StringVar(&format, "format", "", "export format: json or yaml (default as stored)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newLinkRemoveCommand() *cobra.Command {
	var keepRemote bool
	cmd := &cobra.Command{
		Use:   "remove <package-iri>",
		Short: "Delete the linked repository and clear the link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			rec, err := a.Packages.Get(args[0])
			if err != nil {
				return err
			}
			var creds credentials.GitCredentials
			if rec.Link != nil {
				creds = userCredentials(a, rec.Link.Provider)
			}
			rec, err = a.Links.RemoveLinkAndRemote(cmd.Context(), link.RemoveRequest{
				PackageIRI:  args[0],
				KeepRemote:  keepRemote,
				Credentials: creds,
			})
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(cmd, rec)
			}
			printSuccess(cmd, "Unlinked %s", rec.IRI)
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepRemote, "keep-remote", false, "leave the repository in place and only clear the link")
	return cmd
}
