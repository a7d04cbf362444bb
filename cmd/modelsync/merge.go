package main

import (
	"fmt"
	"strings"

	"modelsync/internal/mergestate"
	"modelsync/internal/modelfs"
	"modelsync/internal/provider"
	"modelsync/internal/report"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// rootFlags binds one merge root to a flag set under a name prefix.
type rootFlags struct {
	iri, fsType, url, refKind, ref string
}

func (r *rootFlags) bind(fs *pflag.FlagSet, prefix string) {
	name := func(s string) string {
		if prefix == "" {
			return s
		}
		return prefix + "-" + s
	}
	fs.StringVar(&r.iri, name("iri"), "", "package IRI")
	fs.StringVar(&r.fsType, name("type"), "", "local, github or gitlab (default local, or github with --"+name("url")+")")
	fs.StringVar(&r.url, name("url"), "", "repository URL of a git root")
	fs.StringVar(&r.refKind, name("ref-kind"), "", "branch, tag or commit")
	fs.StringVar(&r.ref, name("ref"), "", "branch, tag or commit value (default branch when empty)")
}

func (r *rootFlags) root() (mergestate.RootRef, error) {
	root := mergestate.RootRef{
		PackageIRI:    strings.TrimSpace(r.iri),
		RepositoryURL: strings.TrimSpace(r.url),
		Reference: provider.CommitReference{
			Kind:  provider.ReferenceKind(r.refKind),
			Value: r.ref,
		},
	}
	if root.PackageIRI == "" {
		return root, fmt.Errorf("a package IRI is required")
	}
	switch kind := modelfs.Kind(r.fsType); kind {
	case "":
		root.FilesystemType = modelfs.KindLocal
		if root.RepositoryURL != "" {
			root.FilesystemType = modelfs.KindGitHub
		}
	case modelfs.KindLocal, modelfs.KindGitHub, modelfs.KindGitLab:
		root.FilesystemType = kind
	default:
		return root, fmt.Errorf("unknown filesystem type %q", kind)
	}
	return root, nil
}

func newMergeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Create, inspect and finalize merge states",
	}
	cmd.AddCommand(
		newMergeCreateCommand(),
		newMergeListCommand(),
		newMergeShowCommand(),
		newMergeCheckCommand(),
		newMergeRemoveCommand(),
		newMergeFinalizeCommand(),
	)
	return cmd
}

func newMergeCreateCommand() *cobra.Command {
	var from, to rootFlags
	var cause, editable string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Diff two package roots and persist the conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fromRoot, err := from.root()
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			toRoot, err := to.root()
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			c, err := mergestate.ParseCause(cause)
			if err != nil {
				return err
			}
			side, err := mergestate.ParseSide(editable)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			res, err := a.Merges.Create(cmd.Context(), mergestate.CreateRequest{
				MergeFrom: fromRoot,
				MergeTo:   toRoot,
				Cause:     c,
				Editable:  side,
			})
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(cmd, res)
			}
			printWarnings(cmd, res.Warnings)
			if res.NoConflicts {
				printSuccess(cmd, "No differences; merge state %s created", res.State.ID)
			} else {
				printSuccess(cmd, "Merge state %s created with %d conflicts", res.State.ID, res.State.ConflictCount)
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Field("finalize", string(res.Policy)))
			return nil
		},
	}
	from.bind(cmd.Flags(), "from")
	to.bind(cmd.Flags(), "to")
	cmd.Flags().StringVar(&cause, "cause", "", "merge, pull, push or rebase (default merge)")
	cmd.Flags().StringVar(&editable, "editable", "", "side that accepts edits: mergeFrom or mergeTo (default mergeTo)")
	return cmd
}

func newMergeListCommand() *cobra.Command {
	var root rootFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the merge states involving a package root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := root.root()
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			states, err := a.Merges.ListByRoot(cmd.Context(), r)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				if states == nil {
					states = []*mergestate.MergeState{}
				}
				return printJSON(cmd, states)
			}
			if len(states) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), report.SubtitleStyle.Render("No merge states."))
				return nil
			}
			for _, st := range states {
				fmt.Fprintln(cmd.OutOrStdout(), report.TitleStyle.Render(st.ID))
				fmt.Fprintln(cmd.OutOrStdout(), report.Field("from", st.MergeFrom.String()))
				fmt.Fprintln(cmd.OutOrStdout(), report.Field("to", st.MergeTo.String()))
				fmt.Fprintln(cmd.OutOrStdout(), report.Field("finalize", string(st.Policy)))
			}
			return nil
		},
	}
	root.bind(cmd.Flags(), "")
	return cmd
}

func newMergeShowCommand() *cobra.Command {
	var diff bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a merge state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			state, err := a.Merges.Get(cmd.Context(), args[0], diff || !flags.jsonOutput)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(cmd, state)
			}
			printMarkdown(cmd, report.MergeStateMarkdown(state))
			return nil
		},
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "include the diff tree in JSON output")
	return cmd
}

func newMergeCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <id>",
		Short: "Check whether the roots moved since the merge state was created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			ok, err := a.Merges.CheckUpToDate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(cmd, map[string]bool{"isUpToDate": ok})
			}
			if ok {
				printSuccess(cmd, "Merge state %s is up to date", args[0])
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), report.WarningStyle.Render("Merge state "+args[0]+" is out of date"))
			}
			return nil
		},
	}
}

func newMergeRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Discard a merge state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if err := a.Merges.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess(cmd, "Removed merge state %s", args[0])
			return nil
		},
	}
}

func newMergeFinalizeCommand() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Publish a fully resolved merge state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			state, err := a.Merges.Get(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			var kind provider.Kind
			if root := state.EditableRoot(); root.IsGit() {
				kind = root.Provider()
			} else if rec, err := a.Packages.Get(root.PackageIRI); err == nil && rec.Link != nil {
				kind = rec.Link.Provider
			}
			res, err := a.Merges.Finalize(cmd.Context(), mergestate.FinalizeRequest{
				ID:          args[0],
				Credentials: userCredentials(a, kind),
				Message:     message,
			})
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(cmd, res)
			}
			if res.CommitHash != "" {
				printSuccess(cmd, "Finalized with %s at %s", res.Policy, res.CommitHash)
				return nil
			}
			printSuccess(cmd, "Finalized with %s", res.Policy)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}
