// Package server exposes the synchronization and merge operations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"modelsync/internal/credentials"
	"modelsync/internal/gitsync"
	"modelsync/internal/link"
	"modelsync/internal/logging"
	"modelsync/internal/mergestate"
	"modelsync/internal/modelfs"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
	"modelsync/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Session headers set by the surrounding platform.
const (
	HeaderUserID    = "X-Modelsync-User"
	HeaderUserName  = "X-Modelsync-User-Name"
	HeaderUserEmail = "X-Modelsync-User-Email"
)

// maxBody bounds request bodies, webhook deliveries included.
const maxBody = 16 << 20

// CredentialSource resolves the caller's credentials for a provider.
type CredentialSource interface {
	Resolve(session credentials.Session, kind provider.Kind) (credentials.GitCredentials, error)
}

type Options struct {
	Packages    *packages.Store
	Sync        *gitsync.Synchronizer
	Merges      *mergestate.Manager
	Links       *link.Service
	Webhooks    *webhook.Ingestor
	Credentials CredentialSource
	Logger      *logging.AppLogger
}

// Server holds the handlers.
type Server struct {
	opts Options
}

func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/packages", s.handleListPackages)
	r.Post("/packages/commit", s.handleCommit)

	r.Route("/merge-states", func(r chi.Router) {
		r.Get("/", s.handleGetByRoots)
		r.Post("/", s.handleCreateMergeState)
		r.Get("/by-root", s.handleListByRoot)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetMergeState)
			r.Delete("/", s.handleRemoveMergeState)
			r.Post("/finalize", s.handleFinalize)
			r.Post("/check", s.handleCheckUpToDate)
			r.Post("/resolve", s.handleResolve)
			r.Get("/content", s.handleGetContent)
			r.Put("/content", s.handleSetContent)
			r.Post("/strategy", s.handleApplyStrategy)
			r.Post("/datastores", s.handleCreateDatastore)
			r.Delete("/datastores", s.handleRemoveDatastore)
			r.Delete("/nodes", s.handleRemoveTreePath)
		})
	})

	r.Post("/links", s.handleCreateLink)
	r.Delete("/links", s.handleRemoveLink)
	r.Post("/webhooks", s.handleWebhook)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.opts.Logger.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.opts.Logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func session(r *http.Request) credentials.Session {
	return credentials.Session{
		UserID: r.Header.Get(HeaderUserID),
		Name:   r.Header.Get(HeaderUserName),
		Email:  r.Header.Get(HeaderUserEmail),
	}
}

// credentialsFor resolves the caller for kind. Missing credentials are not
// an error here: local and public remotes need none, and the synchronizer
// reports unreachable remotes itself.
func (s *Server) credentialsFor(r *http.Request, kind provider.Kind) credentials.GitCredentials {
	sess := session(r)
	if kind == "" || s.opts.Credentials == nil {
		return credentials.GitCredentials{Name: sess.Name, Email: sess.Email}
	}
	creds, err := s.opts.Credentials.Resolve(sess, kind)
	if err != nil {
		s.opts.Logger.Debug("No credentials for request", "provider", kind, "error", err)
		return credentials.GitCredentials{Name: sess.Name, Email: sess.Email}
	}
	return creds
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty bodies leave every field at its default.
			return nil
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

type errorBody struct {
	Error       string `json:"error"`
	LocalCommit string `json:"localCommit,omitempty"`
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	var reqErr *requestError
	var apiErr *provider.APIError
	var cloneErr *gitsync.CloneError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, mergestate.ErrNotFound), errors.Is(err, packages.ErrNotFound),
		errors.Is(err, mergestate.ErrUnknownComparison), errors.Is(err, modelfs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mergestate.ErrMergeStateExists), errors.Is(err, mergestate.ErrUnresolvedConflicts),
		errors.Is(err, mergestate.ErrDatastoreExists), errors.Is(err, link.ErrAlreadyLinked),
		errors.Is(err, gitsync.ErrPushRejected):
		return http.StatusConflict
	case errors.Is(err, mergestate.ErrFinalizeNotAllowed), errors.Is(err, mergestate.ErrNotEditable),
		errors.Is(err, mergestate.ErrNotApplicable), errors.Is(err, packages.ErrNotLinked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gitsync.ErrNoReachableCredential), errors.Is(err, link.ErrNoAPIToken):
		return http.StatusForbidden
	case errors.As(err, &apiErr), errors.As(err, &cloneErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}
	var conflict *mergestate.FinalizeConflictError
	if errors.As(err, &conflict) {
		body.LocalCommit = conflict.LocalCommit
		if status == http.StatusInternalServerError {
			status = http.StatusConflict
		}
	}
	if status >= http.StatusInternalServerError {
		s.opts.Logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.opts.Logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	recs, err := s.opts.Packages.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type commitBody struct {
	PackageIRI string `json:"packageIri"`
	Message    string `json:"message"`
	Branch     string `json:"branch,omitempty"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var body commitBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.opts.Packages.Get(body.PackageIRI)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec.Link == nil {
		s.writeError(w, r, fmt.Errorf("%s: %w", rec.IRI, packages.ErrNotLinked))
		return
	}
	res, err := s.opts.Sync.Commit(r.Context(), gitsync.CommitRequest{
		Package:     rec,
		Branch:      body.Branch,
		Message:     body.Message,
		Credentials: s.credentialsFor(r, rec.Link.Provider),
	})
	if err != nil {
		var pushErr *gitsync.PushError
		if errors.As(err, &pushErr) {
			writeJSON(w, statusOf(err), errorBody{Error: err.Error(), LocalCommit: pushErr.LocalCommit})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createLinkBody struct {
	PackageIRI   string        `json:"packageIri"`
	Provider     provider.Kind `json:"provider,omitempty"`
	ProviderURL  string        `json:"providerUrl,omitempty"`
	Owner        string        `json:"owner"`
	Name         string        `json:"name"`
	UserScope    bool          `json:"userScope,omitempty"`
	Message      string        `json:"message,omitempty"`
	ExportFormat string        `json:"exportFormat,omitempty"`
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var body createLinkBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind, err := s.opts.Links.ProviderFor(body.Provider, body.ProviderURL)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	res, err := s.opts.Links.CreateRemoteAndLink(r.Context(), link.CreateRequest{
		PackageIRI:   body.PackageIRI,
		Provider:     body.Provider,
		ProviderURL:  body.ProviderURL,
		Owner:        body.Owner,
		Name:         body.Name,
		UserScope:    body.UserScope,
		Message:      body.Message,
		ExportFormat: packages.ExportFormat(body.ExportFormat),
		Credentials:  s.credentialsFor(r, kind),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type removeLinkBody struct {
	PackageIRI string `json:"packageIri"`
	KeepRemote bool   `json:"keepRemote,omitempty"`
}

func (s *Server) handleRemoveLink(w http.ResponseWriter, r *http.Request) {
	var body removeLinkBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var kind provider.Kind
	if rec, err := s.opts.Packages.Get(body.PackageIRI); err == nil && rec.Link != nil {
		kind = rec.Link.Provider
	}
	rec, err := s.opts.Links.RemoveLinkAndRemote(r.Context(), link.RemoveRequest{
		PackageIRI:  body.PackageIRI,
		KeepRemote:  body.KeepRemote,
		Credentials: s.credentialsFor(r, kind),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, badRequest("read body: %v", err))
		return
	}
	res, err := s.opts.Webhooks.Ingest(r.Context(), r.Header, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Ignored {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}
