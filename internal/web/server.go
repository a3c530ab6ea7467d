// Package web exposes the engine over HTTP: run inspection and control, the
// cross-pipeline poll contract, artifact listing, and prometheus metrics. It
// also provides the client half of the poll contract.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyor-ci/conveyor/internal/artifact"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
	"github.com/conveyor-ci/conveyor/internal/orchestrator"
	"github.com/conveyor-ci/conveyor/internal/pipectx"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
)

// Server serves the engine's HTTP API.
type Server struct {
	orch     *orchestrator.Orchestrator
	project  string
	registry *prometheus.Registry // nil serves the default registry
}

// NewServer creates a Server for the given orchestrator. The project name is
// echoed in poll responses so peers can detect misrouted requests.
func NewServer(orch *orchestrator.Orchestrator, project string) *Server {
	return &Server{orch: orch, project: project}
}

// SetRegistry overrides the prometheus registry served at /metrics.
func (s *Server) SetRegistry(reg *prometheus.Registry) { s.registry = reg }

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleTriggerRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Post("/runs/{id}/jobs/{job}/release", s.handleReleaseJob)
		r.Post("/supersede", s.handleSupersede)
		r.Get("/poll", s.handlePoll)
		r.Get("/artifacts", s.handleListArtifacts)
		r.Get("/artifacts/files", s.handleArtifactFiles)
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	ctxlog.FromContext(ctx).Info("http server listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := pipeline.RunStatus(r.URL.Query().Get("status"))
	runs, err := s.orch.List(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []pipeline.RunState{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rs, err := s.orch.Status(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// handleTriggerRun starts a run in the background and answers 202 with the
// generated run ID.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var ev pipectx.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid trigger event: "+err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := pipectx.New(ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID := uuid.NewString()
	logger := ctxlog.FromContext(r.Context())
	go func() {
		ctx := ctxlog.WithLogger(context.Background(), logger)
		if _, err := s.orch.Run(ctx, orchestrator.RunOpts{Event: ev, RunID: runID}); err != nil {
			logger.Error("triggered run failed", "run", runID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": runID})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Cancel(chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseJob(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Release(chi.URLParam(r, "id"), chi.URLParam(r, "job"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSupersede(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Ref == "" {
		http.Error(w, "ref is required", http.StatusBadRequest)
		return
	}
	s.orch.Supersede(req.Ref)
	w.WriteHeader(http.StatusNoContent)
}

// PollResponse is the engine's answer to a cross-pipeline poll. Peers treat
// anything short of succeeded-with-artifacts as not-yet.
type PollResponse struct {
	Project          string            `json:"project"`
	Succeeded        bool              `json:"succeeded"`
	ArtifactsPresent bool              `json:"artifacts_present"`
	SHA              string            `json:"sha,omitempty"`
	Files            map[string][]byte `json:"files,omitempty"`
}

// handlePoll answers GET /api/poll?project=&ref=&job=. Query parameters keep
// refs with slashes routable.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project, ref, job := q.Get("project"), q.Get("ref"), q.Get("job")
	if ref == "" || job == "" {
		http.Error(w, "ref and job are required", http.StatusBadRequest)
		return
	}
	if project != "" && project != s.project {
		http.Error(w, "unknown project "+project, http.StatusNotFound)
		return
	}

	resp := PollResponse{Project: s.project}

	runs, err := s.orch.List("")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// When a bundle exists, the whole response describes that bundle's
	// commit: verdict, sha, and files never mix commits. Failure-mode
	// artifacts exist too, so the verdict still comes from the run record.
	if stored, err := s.orch.Artifacts().ResolveLatest(job, ref, time.Now()); err == nil {
		resp.ArtifactsPresent = true
		resp.SHA = stored.Key.SHA
		resp.Files = stored.Files
		resp.Succeeded = jobSucceeded(runs, ref, stored.Key.SHA, job)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// No bundle: report the newest run on the ref that includes the job.
	for _, rs := range runs {
		if rs.Ref != ref {
			continue
		}
		for _, jr := range rs.Jobs {
			if jr.Name == job {
				resp.Succeeded = jr.State == pipeline.StateSucceeded
				resp.SHA = rs.CommitSHA
				writeJSON(w, http.StatusOK, resp)
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// jobSucceeded reports whether the newest run on ref for the given commit
// recorded the job as succeeded.
func jobSucceeded(runs []pipeline.RunState, ref, sha, job string) bool {
	for _, rs := range runs {
		if rs.Ref != ref || rs.CommitSHA != sha {
			continue
		}
		for _, jr := range rs.Jobs {
			if jr.Name == job {
				return jr.State == pipeline.StateSucceeded
			}
		}
	}
	return false
}

// artifactInfo is the list representation of a stored bundle.
type artifactInfo struct {
	Job       string    `json:"job"`
	Ref       string    `json:"ref"`
	SHA       string    `json:"sha"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	stored := s.orch.Artifacts().List()
	out := make([]artifactInfo, 0, len(stored))
	for _, a := range stored {
		out = append(out, artifactInfo{
			Job:       a.Key.Job,
			Ref:       a.Key.Ref,
			SHA:       a.Key.SHA,
			SizeBytes: a.Size(),
			CreatedAt: a.CreatedAt,
			ExpiresAt: a.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleArtifactFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := artifact.Key{Job: q.Get("job"), Ref: q.Get("ref"), SHA: q.Get("sha")}
	if key.Job == "" || key.Ref == "" || key.SHA == "" {
		http.Error(w, "job, ref and sha are required", http.StatusBadRequest)
		return
	}
	stored, err := s.orch.Artifacts().Get(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stored.Files)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
