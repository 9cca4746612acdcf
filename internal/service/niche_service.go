package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nichemap/server/internal/niche"
	"github.com/nichemap/server/internal/nichestore"
)

// Job execution phases, surfaced through the job status endpoint.
const (
	PhaseLoadingCells  = "loading_cells"
	PhaseBuildingIndex = "building_index"
	PhaseCompositions  = "computing_compositions"
	PhaseClustering    = "clustering"
	PhaseSaving        = "saving_results"
)

// DatasetLookup resolves dataset ids. The API registry implements it.
type DatasetLookup interface {
	Dataset(id string) (*Dataset, bool)
}

// NicheService runs niche identification jobs against the job store.
type NicheService struct {
	store    *nichestore.Store
	datasets DatasetLookup
	workers  int
}

// NewNicheService wires the job executor. workers caps the per-job
// composition parallelism.
func NewNicheService(store *nichestore.Store, datasets DatasetLookup, workers int) *NicheService {
	return &NicheService{store: store, datasets: datasets, workers: workers}
}

// ExecuteNicheJob runs one queued job to completion, updating its status
// and persisting per-fov assignments. Returned errors are also recorded on
// the job row.
func (s *NicheService) ExecuteNicheJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if err := s.store.MarkStarted(jobID); err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}

	start := time.Now()
	converged, err := s.run(ctx, job)
	if err != nil {
		log.Printf("[NicheService] job %s failed after %v: %v", jobID, time.Since(start), err)
		if markErr := s.store.MarkFailed(jobID, err.Error()); markErr != nil {
			log.Printf("[NicheService] job %s: record failure: %v", jobID, markErr)
		}
		return err
	}

	if err := s.store.MarkCompleted(jobID, converged); err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	log.Printf("[NicheService] job %s completed in %v (converged=%v)", jobID, time.Since(start), converged)
	return nil
}

func (s *NicheService) run(ctx context.Context, job *nichestore.Job) (bool, error) {
	ds, ok := s.datasets.Dataset(job.Dataset)
	if !ok {
		return false, fmt.Errorf("unknown dataset %q", job.Dataset)
	}

	fovs := job.Params.FOVs
	if len(fovs) == 0 {
		meta, err := ds.Metadata()
		if err != nil {
			return false, err
		}
		for _, info := range meta.FOVs {
			fovs = append(fovs, info.ID)
		}
	}
	if len(fovs) == 0 {
		return false, fmt.Errorf("dataset %q has no fields of view", job.Dataset)
	}

	meta, err := ds.Metadata()
	if err != nil {
		return false, err
	}

	allConverged := true
	for _, fovID := range fovs {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("job canceled: %w", err)
		}

		s.setPhase(job.ID, PhaseLoadingCells)
		data, err := ds.FOVColumns(fovID)
		if err != nil {
			return false, err
		}

		s.setPhase(job.ID, PhaseBuildingIndex)
		index, err := ds.FOVIndex(fovID)
		if err != nil {
			return false, err
		}

		cellList := make([]niche.Cell, len(data.Keys))
		labels := make([]string, len(data.Keys))
		for i := range data.Keys {
			cellList[i] = niche.Cell{Key: data.Keys[i], Coord: data.Coords[i]}
			labels[i] = meta.Labels[data.Labels[i]]
		}

		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("job canceled: %w", err)
		}
		s.setPhase(job.ID, PhaseCompositions)
		table, err := niche.ComputeCompositions(cellList, labels, job.Params.KNeighbors, niche.Options{
			FOV:         fovID,
			Dims:        meta.Dims,
			IncludeSelf: job.Params.IncludeSelf,
			Workers:     s.workers,
			Index:       index,
		})
		if err != nil {
			return false, err
		}

		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("job canceled: %w", err)
		}
		s.setPhase(job.ID, PhaseClustering)
		asn, err := niche.AssignNiches(table, job.Params.KNiches, job.Params.Seed, job.Params.MaxIter)
		if err != nil {
			return false, err
		}
		if !asn.Converged {
			log.Printf("[NicheService] job %s fov %s: clustering hit the iteration budget (%d iterations)",
				job.ID, fovID, asn.Iterations)
			allConverged = false
		}

		s.setPhase(job.ID, PhaseSaving)
		profiles := niche.Profiles(table, asn)
		if err := s.store.InsertAssignment(job.ID, asn, profiles); err != nil {
			return false, err
		}
	}
	return allConverged, nil
}

// setPhase records the phase for progress polling; failures only lose
// progress granularity, never the job.
func (s *NicheService) setPhase(jobID, phase string) {
	if err := s.store.SetPhase(jobID, phase); err != nil {
		log.Printf("[NicheService] job %s: set phase %s: %v", jobID, phase, err)
	}
}

// NichesForFOV returns a completed job's niche ids for one field of view,
// aligned with the field of view's cell order.
func (s *NicheService) NichesForFOV(jobID, fov string) ([]int, error) {
	rows, err := s.store.QueryResults(jobID, fov, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("job %s has no results for fov %q", jobID, fov)
	}
	niches := make([]int, len(rows))
	for i, r := range rows {
		niches[i] = r.Niche
	}
	return niches, nil
}
