package server

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"modelsync/internal/mergestate"
	"modelsync/internal/modelfs"
	"modelsync/internal/provider"

	"github.com/go-chi/chi/v5"
)

// rootFromQuery reads a root from query parameters. With a prefix the keys
// are prefix+"Iri", prefix+"Type" and so on; without one they are "iri",
// "type", "url", "refKind" and "ref".
func rootFromQuery(q url.Values, prefix string) (mergestate.RootRef, error) {
	get := func(name string) string {
		if prefix == "" {
			return strings.TrimSpace(q.Get(strings.ToLower(name[:1]) + name[1:]))
		}
		return strings.TrimSpace(q.Get(prefix + name))
	}
	root := mergestate.RootRef{
		PackageIRI:    get("Iri"),
		RepositoryURL: get("Url"),
		Reference: provider.CommitReference{
			Kind:  provider.ReferenceKind(get("RefKind")),
			Value: get("Ref"),
		},
	}
	if root.PackageIRI == "" {
		return root, badRequest("missing %sIri", prefix)
	}
	switch kind := modelfs.Kind(get("Type")); kind {
	case "":
		root.FilesystemType = modelfs.KindLocal
		if root.RepositoryURL != "" {
			root.FilesystemType = modelfs.KindGitHub
		}
	case modelfs.KindLocal, modelfs.KindGitHub, modelfs.KindGitLab:
		root.FilesystemType = kind
	default:
		return root, badRequest("unknown filesystem type %q", kind)
	}
	switch root.Reference.Kind {
	case "", provider.RefBranch, provider.RefTag, provider.RefCommit:
	default:
		return root, badRequest("unknown reference kind %q", root.Reference.Kind)
	}
	return root, nil
}

func includeDiff(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("includeDiffData"))
	return v
}

func (s *Server) handleGetByRoots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := rootFromQuery(q, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := rootFromQuery(q, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.opts.Merges.GetByRoots(r.Context(), from, to, includeDiff(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListByRoot(w http.ResponseWriter, r *http.Request) {
	root, err := rootFromQuery(r.URL.Query(), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	states, err := s.opts.Merges.ListByRoot(r.Context(), root)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if states == nil {
		states = []*mergestate.MergeState{}
	}
	writeJSON(w, http.StatusOK, states)
}

type createMergeStateBody struct {
	MergeFrom mergestate.RootRef `json:"mergeFrom"`
	MergeTo   mergestate.RootRef `json:"mergeTo"`
	Cause     string             `json:"cause,omitempty"`
	Editable  string             `json:"editable,omitempty"`
}

func (s *Server) handleCreateMergeState(w http.ResponseWriter, r *http.Request) {
	var body createMergeStateBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	cause, err := mergestate.ParseCause(body.Cause)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	editable, err := mergestate.ParseSide(body.Editable)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	res, err := s.opts.Merges.Create(r.Context(), mergestate.CreateRequest{
		MergeFrom: body.MergeFrom,
		MergeTo:   body.MergeTo,
		Cause:     cause,
		Editable:  editable,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetMergeState(w http.ResponseWriter, r *http.Request) {
	state, err := s.opts.Merges.Get(r.Context(), chi.URLParam(r, "id"), includeDiff(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRemoveMergeState(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Merges.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type finalizeBody struct {
	Message string `json:"message,omitempty"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body finalizeBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.opts.Merges.Get(r.Context(), id, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var kind provider.Kind
	if root := state.EditableRoot(); root.IsGit() {
		kind = root.Provider()
	} else if rec, err := s.opts.Packages.Get(root.PackageIRI); err == nil && rec.Link != nil {
		kind = rec.Link.Provider
	}
	res, err := s.opts.Merges.Finalize(r.Context(), mergestate.FinalizeRequest{
		ID:          id,
		Credentials: s.credentialsFor(r, kind),
		Message:     body.Message,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckUpToDate(w http.ResponseWriter, r *http.Request) {
	ok, err := s.opts.Merges.CheckUpToDate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isUpToDate": ok})
}

// mutate runs fn against the session of the routed merge state and saves
// it when fn succeeds.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, status int, fn func(ctx context.Context, sess *mergestate.Session) (any, error)) {
	ctx := r.Context()
	sess, err := s.opts.Merges.OpenSession(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := fn(ctx, sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := sess.Save(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, out)
}

type resolveBody struct {
	ComparisonID string `json:"comparisonId"`
	// Resolved defaults to true.
	Resolved *bool `json:"resolved,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, sess *mergestate.Session) (any, error) {
		var err error
		if body.Resolved == nil || *body.Resolved {
			err = sess.MarkResolved(body.ComparisonID)
		} else {
			err = sess.Unmark(body.ComparisonID)
		}
		if err != nil {
			return nil, err
		}
		return map[string]int{"unresolved": sess.State().Unresolved()}, nil
	})
}

type contentBody struct {
	ComparisonID string `json:"comparisonId"`
	Side         string `json:"side,omitempty"`
	Content      string `json:"content"`
	Exists       bool   `json:"exists"`
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side, err := mergestate.ParseSide(q.Get("side"))
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	id := q.Get("comparisonId")
	sess, err := s.opts.Merges.OpenSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	content, ok, err := sess.Content(r.Context(), id, side)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contentBody{ComparisonID: id, Side: string(side), Content: string(content), Exists: ok})
}

func (s *Server) handleSetContent(w http.ResponseWriter, r *http.Request) {
	var body contentBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	side, err := mergestate.ParseSide(body.Side)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	s.mutate(w, r, http.StatusNoContent, func(ctx context.Context, sess *mergestate.Session) (any, error) {
		return nil, sess.SetContent(ctx, body.ComparisonID, side, []byte(body.Content))
	})
}

type strategyBody struct {
	ComparisonID string `json:"comparisonId"`
	Strategy     string `json:"strategy"`
}

func (s *Server) handleApplyStrategy(w http.ResponseWriter, r *http.Request) {
	var body strategyBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	strategy, err := mergestate.StrategyByName(body.Strategy)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, sess *mergestate.Session) (any, error) {
		if err := sess.ApplyStrategy(ctx, body.ComparisonID, strategy); err != nil {
			return nil, err
		}
		content, ok, err := sess.Content(ctx, body.ComparisonID, sess.State().Editable)
		if err != nil {
			return nil, err
		}
		return contentBody{ComparisonID: body.ComparisonID, Side: string(sess.State().Editable), Content: string(content), Exists: ok}, nil
	})
}

type createDatastoreBody struct {
	TreePath string         `json:"treePath"`
	Type     string         `json:"type"`
	Format   modelfs.Format `json:"format,omitempty"`
	File     string         `json:"file,omitempty"`
	Content  string         `json:"content"`
}

func (s *Server) handleCreateDatastore(w http.ResponseWriter, r *http.Request) {
	var body createDatastoreBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ds := modelfs.Datastore{Type: body.Type, Format: body.Format, File: body.File}
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, sess *mergestate.Session) (any, error) {
		batch, err := sess.CreateDatastore(ctx, body.TreePath, ds, []byte(body.Content))
		if err != nil {
			return nil, err
		}
		return map[string]*mergestate.CreateFilesystemNodesBatch{"batch": batch}, nil
	})
}

func (s *Server) handleRemoveDatastore(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mutate(w, r, http.StatusNoContent, func(ctx context.Context, sess *mergestate.Session) (any, error) {
		return nil, sess.RemoveDatastore(ctx, q.Get("treePath"), q.Get("type"))
	})
}

func (s *Server) handleRemoveTreePath(w http.ResponseWriter, r *http.Request) {
	treePath := r.URL.Query().Get("treePath")
	s.mutate(w, r, http.StatusNoContent, func(ctx context.Context, sess *mergestate.Session) (any, error) {
		return nil, sess.RemoveTreePath(ctx, treePath)
	})
}
