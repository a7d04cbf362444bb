package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"modelsync/internal/credentials"
	"modelsync/internal/gitsync"
	"modelsync/internal/logging"
	"modelsync/internal/mergestate"
	"modelsync/internal/modelfs"
	"modelsync/internal/packages"
	"modelsync/internal/provider"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Committer publishes a package. *gitsync.Synchronizer implements it.
type Committer interface {
	Commit(ctx context.Context, req gitsync.CommitRequest) (gitsync.CommitResult, error)
}

// MergeStates is the subset of *mergestate.Manager the tools use.
type MergeStates interface {
	Get(ctx context.Context, id string, includeDiffData bool) (*mergestate.MergeState, error)
	ListByRoot(ctx context.Context, root mergestate.RootRef) ([]*mergestate.MergeState, error)
	Remove(ctx context.Context, id string) error
}

type Options struct {
	Version   string
	Packages  *packages.Store
	Committer Committer
	Merges    MergeStates
	// Credentials supplies the identity commits are made with.
	Credentials func(kind provider.Kind) credentials.GitCredentials
	Logger      *logging.AppLogger
}

// Server represents an MCP server instance using mcp-go
type Server struct {
	opts      Options
	mcpServer *server.MCPServer
}

// NewServer creates the MCP server and registers every tool.
func NewServer(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		opts: opts,
		mcpServer: server.NewMCPServer("modelsync", opts.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// Serve speaks MCP over stdin and stdout until stdin closes.
func (s *Server) Serve() error {
	s.opts.Logger.Info("Starting MCP server on stdio")
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("commit_package",
		mcp.WithDescription("Export a linked package and push it to its repository branch."),
		mcp.WithString("packageIri", mcp.Required(), mcp.Description("IRI of the package to publish")),
		mcp.WithString("message", mcp.Description("Commit message; a unique message is generated when empty")),
		mcp.WithString("branch", mcp.Description("Target branch; defaults to the linked branch")),
	), s.handleCommitPackage)

	s.mcpServer.AddTool(mcp.NewTool("list_packages",
		mcp.WithDescription("List the known packages with their repository links."),
	), s.handleListPackages)

	s.mcpServer.AddTool(mcp.NewTool("list_merge_states",
		mcp.WithDescription("List the merge states that involve a package root on either side."),
		mcp.WithString("packageIri", mcp.Required(), mcp.Description("IRI of the package")),
		mcp.WithString("filesystemType", mcp.Description("local, github or gitlab; defaults to local")),
		mcp.WithString("repositoryUrl", mcp.Description("Repository URL of a git root")),
		mcp.WithString("refKind", mcp.Description("branch, tag or commit")),
		mcp.WithString("ref", mcp.Description("Branch, tag or commit value; empty is the default branch")),
	), s.handleListMergeStates)

	s.mcpServer.AddTool(mcp.NewTool("get_merge_state",
		mcp.WithDescription("Show one merge state."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Merge state id")),
		mcp.WithBoolean("includeDiffData", mcp.Description("Include the diff tree")),
	), s.handleGetMergeState)

	s.mcpServer.AddTool(mcp.NewTool("remove_merge_state",
		mcp.WithDescription("Delete a merge state without publishing anything."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Merge state id")),
	), s.handleRemoveMergeState)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *Server) toolError(tool string, err error) (*mcp.CallToolResult, error) {
	s.opts.Logger.Warn("MCP tool failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(err.Error()), nil
}

func (s *Server) handleCommitPackage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	iri, err := req.RequireString("packageIri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.opts.Packages.Get(iri)
	if err != nil {
		return s.toolError("commit_package", err)
	}
	if rec.Link == nil {
		return s.toolError("commit_package", fmt.Errorf("%s: %w", iri, packages.ErrNotLinked))
	}

	var creds credentials.GitCredentials
	if s.opts.Credentials != nil {
		creds = s.opts.Credentials(rec.Link.Provider)
	}
	res, err := s.opts.Committer.Commit(ctx, gitsync.CommitRequest{
		Package:     rec,
		Branch:      req.GetString("branch", ""),
		Message:     req.GetString("message", ""),
		Credentials: creds,
	})
	if err != nil {
		var pushErr *gitsync.PushError
		if errors.As(err, &pushErr) {
			err = fmt.Errorf("%w (local commit %s was not published)", err, pushErr.LocalCommit)
		}
		return s.toolError("commit_package", err)
	}
	return jsonResult(res)
}

func (s *Server) handleListPackages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recs, err := s.opts.Packages.List()
	if err != nil {
		return s.toolError("list_packages", err)
	}
	if recs == nil {
		recs = []packages.Record{}
	}
	return jsonResult(recs)
}

func (s *Server) handleListMergeStates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	iri, err := req.RequireString("packageIri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	root := mergestate.RootRef{
		PackageIRI:     iri,
		FilesystemType: modelfs.Kind(req.GetString("filesystemType", string(modelfs.KindLocal))),
		RepositoryURL:  req.GetString("repositoryUrl", ""),
		Reference: provider.CommitReference{
			Kind:  provider.ReferenceKind(req.GetString("refKind", "")),
			Value: req.GetString("ref", ""),
		},
	}
	states, err := s.opts.Merges.ListByRoot(ctx, root)
	if err != nil {
		return s.toolError("list_merge_states", err)
	}
	type summary struct {
		ID         string                    `json:"id"`
		MergeFrom  string                    `json:"mergeFrom"`
		MergeTo    string                    `json:"mergeTo"`
		Policy     mergestate.FinalizePolicy `json:"finalizePolicy"`
		Conflicts  int                       `json:"conflictCount"`
		IsUpToDate bool                      `json:"isUpToDate"`
	}
	out := make([]summary, 0, len(states))
	for _, st := range states {
		out = append(out, summary{
			ID:         st.ID,
			MergeFrom:  st.MergeFrom.String(),
			MergeTo:    st.MergeTo.String(),
			Policy:     st.Policy,
			Conflicts:  st.ConflictCount,
			IsUpToDate: st.IsUpToDate,
		})
	}
	return jsonResult(out)
}

func (s *Server) handleGetMergeState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	state, err := s.opts.Merges.Get(ctx, id, req.GetBool("includeDiffData", false))
	if err != nil {
		return s.toolError("get_merge_state", err)
	}
	return jsonResult(state)
}

func (s *Server) handleRemoveMergeState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.opts.Merges.Remove(ctx, id); err != nil {
		return s.toolError("remove_merge_state", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed merge state %s", id)), nil
}
