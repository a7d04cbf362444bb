// Package report renders packages and merge states for the terminal.
//
// Merge states are first written as markdown, then rendered with glamour so
// the same text reads well both in a terminal and when piped to a file.
package report

import (
	"fmt"
	"slices"
	"strings"

	"modelsync/internal/mergestate"
	"modelsync/internal/packages"

	"github.com/charmbracelet/glamour"
)

// MergeStateMarkdown describes state as markdown. Conflicts are listed only
// when the diff tree is loaded.
func MergeStateMarkdown(state *mergestate.MergeState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Merge state `%s`\n\n", state.ID)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Merge from | %s |\n", cell(state.MergeFrom.String()))
	fmt.Fprintf(&b, "| Merge to | %s |\n", cell(state.MergeTo.String()))
	fmt.Fprintf(&b, "| Cause | %s |\n", state.Cause)
	fmt.Fprintf(&b, "| Editable | %s |\n", state.Editable)
	fmt.Fprintf(&b, "| Finalize | %s |\n", state.Policy)
	fmt.Fprintf(&b, "| Up to date | %t |\n", state.IsUpToDate)
	fmt.Fprintf(&b, "| Modified | %s |\n\n", state.ModifiedAt.Format("2006-01-02 15:04:05"))

	if len(state.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range state.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}

	if state.DiffTree != nil {
		conflicts := state.DiffTree.Conflicts()
		fmt.Fprintf(&b, "## Conflicts (%d unresolved of %d)\n\n", state.Unresolved(), len(conflicts))
		for _, c := range conflicts {
			mark := " "
			if c.Resolved {
				mark = "x"
			}
			path := c.TreePath
			if path == "" {
				path = "/"
			}
			fmt.Fprintf(&b, "- [%s] `%s` %s (%s, %s)\n", mark, c.ID, path, c.Change, c.Format)
		}
		b.WriteString("\n")
	}

	if len(state.Edits) > 0 || len(state.CreateBatches) > 0 || len(state.RemovedTreePaths) > 0 {
		b.WriteString("## Pending changes\n\n")
		for _, id := range sortedEditIDs(state) {
			fmt.Fprintf(&b, "- edit `%s`\n", id)
		}
		for _, batch := range state.CreateBatches {
			for _, n := range batch.Nodes {
				fmt.Fprintf(&b, "- create `%s`\n", n.TreePath)
			}
		}
		for _, p := range state.RemovedTreePaths {
			fmt.Fprintf(&b, "- remove `%s`\n", p)
		}
	}
	return b.String()
}

// PackagesMarkdown lists packages and their links as a table.
func PackagesMarkdown(recs []packages.Record) string {
	if len(recs) == 0 {
		return "No packages registered.\n"
	}
	var b strings.Builder
	b.WriteString("| Package | Repository | Branch | Last commit |\n|---|---|---|---|\n")
	for _, rec := range recs {
		repo, branch, hash := "-", "-", "-"
		if rec.Link != nil {
			repo, branch = rec.Link.RepositoryURL, rec.Link.Branch
			if rec.Link.LastCommitHash != "" {
				hash = shortHash(rec.Link.LastCommitHash)
			}
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", cell(rec.IRI), cell(repo), branch, hash)
	}
	return b.String()
}

// Render turns markdown into terminal output using the named glamour style.
func Render(markdown, style string, width int) (string, error) {
	if style == "" {
		style = "auto"
	}
	opts := []glamour.TermRendererOption{glamour.WithStandardStyle(style)}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", fmt.Errorf("failed to create renderer: %w", err)
	}
	return r.Render(markdown)
}

func cell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func sortedEditIDs(state *mergestate.MergeState) []string {
	ids := make([]string, 0, len(state.Edits))
	for id := range state.Edits {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
