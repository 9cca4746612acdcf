package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nichemap/server/internal/nichestore"
)

// Executor runs one job to completion. Implemented by
// service.NicheService.ExecuteNicheJob.
type Executor func(ctx context.Context, jobID string) error

// JobManager dispatches queued niche jobs to a fixed worker pool and
// prunes expired jobs on a timer. Jobs persisted by a previous process are
// recovered on Start.
type JobManager struct {
	store        *nichestore.Store
	exec         Executor
	workers      int
	retention    time.Duration
	cleanupEvery time.Duration

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobManager builds a manager with the given pool size and retention
// policy for finished jobs.
func NewJobManager(store *nichestore.Store, exec Executor, workers int, retention, cleanupEvery time.Duration) *JobManager {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobManager{
		store:        store,
		exec:         exec,
		workers:      workers,
		retention:    retention,
		cleanupEvery: cleanupEvery,
		jobs:         make(chan string, 256),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start recovers persisted state and launches the workers. Jobs left in
// the running state by a crashed process are failed; queued jobs are
// re-enqueued.
func (m *JobManager) Start() error {
	failed, err := m.store.MarkRunningAsFailed()
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if failed > 0 {
		log.Printf("[JobManager] failed %d jobs interrupted by restart", failed)
	}

	queued, err := m.store.ListQueuedJobs()
	if err != nil {
		return fmt.Errorf("recover queued jobs: %w", err)
	}
	for _, job := range queued {
		select {
		case m.jobs <- job.ID:
		default:
			log.Printf("[JobManager] queue full, leaving job %s for the next restart", job.ID)
		}
	}
	if len(queued) > 0 {
		log.Printf("[JobManager] re-enqueued %d queued jobs", len(queued))
	}

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	if m.retention > 0 && m.cleanupEvery > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}
	return nil
}

// Submit enqueues a created job for execution.
func (m *JobManager) Submit(jobID string) error {
	select {
	case m.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("job queue full")
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (m *JobManager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *JobManager) worker(id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case jobID := <-m.jobs:
			log.Printf("[JobManager] worker %d: starting job %s", id, jobID)
			if err := m.exec(m.ctx, jobID); err != nil {
				log.Printf("[JobManager] worker %d: job %s: %v", id, jobID, err)
			}
		}
	}
}

func (m *JobManager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.DeleteExpiredJobs(m.retention)
			if err != nil {
				log.Printf("[JobManager] cleanup: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[JobManager] cleanup removed %d expired jobs", n)
			}
		}
	}
}

// NewJobID returns a 16-byte random hex id.
func NewJobID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
