// Package api exposes the HTTP surface: dataset queries, map images and
// the niche job lifecycle.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nichemap/server/internal/cache"
	"github.com/nichemap/server/internal/nichestore"
	"github.com/nichemap/server/internal/service"
)

type ctxKey int

const datasetKey ctxKey = iota

// Server bundles the handler dependencies.
type Server struct {
	registry *DatasetRegistry
	store    *nichestore.Store
	jobs     *JobManager
	niches   *service.NicheService
	caches   *cache.Cache
}

// NewRouter builds the chi router over all endpoints.
func NewRouter(registry *DatasetRegistry, store *nichestore.Store, jobs *JobManager,
	niches *service.NicheService, caches *cache.Cache, allowedOrigins []string) http.Handler {

	s := &Server{registry: registry, store: store, jobs: jobs, niches: niches, caches: caches}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/api/datasets", s.handleListDatasets)

	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(s.datasetCtx)

		r.Get("/api/metadata", s.handleMetadata)
		r.Get("/api/fovs", s.handleFOVs)
		r.Get("/api/labels", s.handleLabels)
		r.Get("/api/cells", s.handleCellsInBounds)

		r.Route("/api/niche/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
			r.Delete("/{jobID}", s.handleDeleteJob)
			r.Get("/{jobID}/results", s.handleJobResults)
			r.Get("/{jobID}/profiles", s.handleJobProfiles)
		})

		r.Get("/maps/labels/{fov}.png", s.handleLabelMap)
		r.Get("/maps/niches/{jobID}/{fov}.png", s.handleNicheMap)
	})

	return r
}

// datasetCtx resolves the {dataset} segment and stores the dataset in the
// request context.
func (s *Server) datasetCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "dataset")
		ds, ok := s.registry.Dataset(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown dataset %q", id))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), datasetKey, ds)))
	})
}

func datasetFrom(r *http.Request) *service.Dataset {
	return r.Context().Value(datasetKey).(*service.Dataset)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Default bool   `json:"default,omitempty"`
	}
	var out []entry
	for _, id := range s.registry.IDs() {
		ds, _ := s.registry.Dataset(id)
		out = append(out, entry{ID: id, Name: ds.Name, Default: id == s.registry.DefaultID()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := datasetFrom(r).Metadata()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleFOVs(w http.ResponseWriter, r *http.Request) {
	fovs, err := datasetFrom(r).FOVs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fovs)
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	legend, err := datasetFrom(r).LabelLegend()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, legend)
}

func (s *Server) handleCellsInBounds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fov := q.Get("fov")
	if fov == "" {
		writeError(w, http.StatusBadRequest, "missing fov parameter")
		return
	}
	parse := func(name string) (float64, bool) {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s parameter", name))
			return 0, false
		}
		return v, true
	}
	minX, ok := parse("min_x")
	if !ok {
		return
	}
	minY, ok := parse("min_y")
	if !ok {
		return
	}
	maxX, ok := parse("max_x")
	if !ok {
		return
	}
	maxY, ok := parse("max_y")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	points, err := datasetFrom(r).CellsInBounds(fov, []float64{minX, minY}, []float64{maxX, maxY}, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if points == nil {
		points = []service.CellPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

type createJobRequest struct {
	FOVs        []string `json:"fovs,omitempty"`
	KNeighbors  int      `json:"k_neighbors"`
	KNiches     int      `json:"k_niches"`
	Seed        *int64   `json:"seed,omitempty"`
	MaxIter     int      `json:"max_iterations,omitempty"`
	IncludeSelf bool     `json:"include_self,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.KNeighbors <= 0 {
		writeError(w, http.StatusBadRequest, "k_neighbors must be positive")
		return
	}
	if req.KNiches <= 0 {
		writeError(w, http.StatusBadRequest, "k_niches must be positive")
		return
	}

	// A fixed default seed keeps unseeded requests reproducible too.
	var seed int64 = 1
	if req.Seed != nil {
		seed = *req.Seed
	}

	id, err := NewJobID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	params := nichestore.JobParams{
		FOVs:        req.FOVs,
		KNeighbors:  req.KNeighbors,
		KNiches:     req.KNiches,
		Seed:        seed,
		MaxIter:     req.MaxIter,
		IncludeSelf: req.IncludeSelf,
	}
	if err := s.store.CreateJob(id, datasetFrom(r).ID, params); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.jobs.Submit(id); err != nil {
		if markErr := s.store.MarkFailed(id, err.Error()); markErr != nil {
			log.Printf("[API] job %s: record submit failure: %v", id, markErr)
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	job, err := s.store.GetJob(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(datasetFrom(r).ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, out)
}

// jobFor loads the job and checks it belongs to the request's dataset.
func (s *Server) jobFor(w http.ResponseWriter, r *http.Request) (*nichestore.Job, bool) {
	id := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(id)
	if errors.Is(err, nichestore.ErrNotFound) || (err == nil && job.Dataset != datasetFrom(r).ID) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", id))
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFor(w, r)
	if !ok {
		return
	}
	if job.Status == nichestore.StatusRunning {
		writeError(w, http.StatusConflict, "job is running")
		return
	}
	if err := s.store.DeleteJob(job.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.caches.InvalidateJob(job.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFor(w, r)
	if !ok {
		return
	}
	if job.Status != nichestore.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}

	q := r.URL.Query()
	fov := q.Get("fov")
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 50000 {
		limit = 50000
	}

	key := cache.JobQueryKey(job.ID, "results", fov, strconv.Itoa(offset), strconv.Itoa(limit))
	if payload, hit := s.caches.GetQuery(key); hit {
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
		return
	}

	rows, err := s.store.QueryResults(job.ID, fov, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []nichestore.CellNiche{}
	}
	payload, err := json.Marshal(map[string]any{
		"job_id":  job.ID,
		"offset":  offset,
		"limit":   limit,
		"results": rows,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.caches.SetQuery(key, payload)
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) handleJobProfiles(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFor(w, r)
	if !ok {
		return
	}
	if job.Status != nichestore.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}
	profiles, err := s.store.QueryProfiles(job.ID, r.URL.Query().Get("fov"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleLabelMap(w http.ResponseWriter, r *http.Request) {
	png, err := datasetFrom(r).RenderLabelMap(chi.URLParam(r, "fov"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writePNG(w, png)
}

func (s *Server) handleNicheMap(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFor(w, r)
	if !ok {
		return
	}
	if job.Status != nichestore.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}
	fov := chi.URLParam(r, "fov")
	niches, err := s.niches.NichesForFOV(job.ID, fov)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	png, err := datasetFrom(r).RenderNicheMap(job.ID, fov, niches)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePNG(w, png)
}

func jobResponse(job *nichestore.Job) map[string]any {
	out := map[string]any{
		"id":         job.ID,
		"dataset":    job.Dataset,
		"params":     job.Params,
		"status":     job.Status,
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.Phase != "" {
		out["phase"] = job.Phase
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	if job.Status == nichestore.StatusCompleted {
		out["converged"] = job.Converged
	}
	if !job.StartedAt.IsZero() {
		out["started_at"] = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if !job.FinishedAt.IsZero() {
		out["finished_at"] = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Write(data)
}
