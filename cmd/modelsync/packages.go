package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"modelsync/internal/gitsync"
	"modelsync/internal/packages"
	"modelsync/internal/report"

	"github.com/spf13/cobra"
)

func newCommitCommand() *cobra.Command {
	var message, branch string
	cmd := &cobra.Command{
		Use:   "commit <package-iri>",
		Short: "Export a linked package and push it to its repository",
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
			if rec.Link == nil {
				return fmt.Errorf("%s: %w", rec.IRI, packages.ErrNotLinked)
			}
			res, err := a.Sync.Commit(cmd.Context(), gitsync.CommitRequest{
				Package:     rec,
				Branch:      branch,
				Message:     message,
				Credentials: userCredentials(a, rec.Link.Provider),
			})
			if err != nil {
				var pushErr *gitsync.PushError
				if errors.As(err, &pushErr) {
					return fmt.Errorf("%w (local commit %s was not published)", err, pushErr.LocalCommit)
				}
				return err
			}
			if flags.jsonOutput {
				return printJSON(cmd, res)
			}
			if res.NoChanges {
				printSuccess(cmd, "Nothing to commit, %s is up to date at %s", res.Branch, res.CommitHash)
				return nil
			}
			printSuccess(cmd, "Committed %s to %s", res.CommitHash, res.Branch)
			fmt.Fprintln(cmd.OutOrStdout(), report.Field("strategy", res.Strategy))
			fmt.Fprintln(cmd.OutOrStdout(), report.Field("message", res.Message))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message (generated when empty)")
	cmd.Flags().StringVar(&branch, "branch", "", "target branch (default is the linked branch)")
	return cmd
}

func newPackageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Manage the package registry",
	}

	var label string
	add := &cobra.Command{
		Use:   "add <package-iri> <content-dir>",
		Short: "Register a package stored in a local directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			dir, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			rec := packages.Record{IRI: args[0], Label: label, ContentDir: dir}
			if existing, err := a.Packages.Get(args[0]); err == nil {
				rec.Link = existing.Link
			}
			if err := a.Packages.Put(rec); err != nil {
				return err
			}
			printSuccess(cmd, "Registered %s", rec.IRI)
			return nil
		},
	}
	add.Flags().StringVar(&label, "label", "", "human readable label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			recs, err := a.Packages.List()
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				if recs == nil {
					recs = []packages.Record{}
				}
				return printJSON(cmd, recs)
			}
			printMarkdown(cmd, report.PackagesMarkdown(recs))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <package-iri>",
		Short: "Forget a package; its content directory is left alone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if err := a.Packages.Remove(args[0]); err != nil {
				return err
			}
			printSuccess(cmd, "Removed %s", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
