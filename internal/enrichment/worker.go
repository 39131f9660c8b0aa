package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/cascade"
	"github.com/equipkb/backend/internal/metrics"
	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/internal/storage/sqlite"
	"github.com/equipkb/backend/internal/vector/milvus"
	"github.com/equipkb/backend/pkg/logger"
	"github.com/equipkb/backend/pkg/retry"
)

// Store is the durable queue and knowledge surface workers operate on.
type Store interface {
	ClaimJob(ctx context.Context, workerID string) (*models.EnrichmentJob, error)
	ReleaseJob(ctx context.Context, jobID string, status models.JobStatus, atomsCreated, membersFound int, errDetail string) error
	ScheduleRetry(ctx context.Context, jobID string, nextRetryAt time.Time) (int, error)
	ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error)
	UpsertHeartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error
	InsertAtom(ctx context.Context, atom *models.KnowledgeAtom) error
	SetGapStatus(ctx context.Context, id string, status models.GapStatus, resolvedAtomID string) error
	RecountFamilyIndexed(ctx context.Context, familyID string) error
	QueueDepth(ctx context.Context) (int, error)
}

// Researcher runs the tiered source search for one piece of equipment.
type Researcher interface {
	Run(ctx context.Context, req cascade.Request) (*cascade.Outcome, error)
}

// Discoverer expands a model into its product family.
type Discoverer interface {
	Discover(ctx context.Context, manufacturer, model string) (*models.ProductFamily, []string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Insert(ctx context.Context, vectors []milvus.AtomVector) error
}

type Options struct {
	PoolSize          int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Staleness         time.Duration
	MaxRetries        int
	RetryBackoff      retry.Config
}

// Pool runs N identical workers against the durable job queue plus one
// reclaimer loop. Liveness lives entirely in the heartbeat table, so a pool
// in one process can reclaim jobs abandoned by another.
type Pool struct {
	store      Store
	researcher Researcher
	discoverer Discoverer
	embedder   Embedder
	index      VectorIndex
	opts       Options

	wg sync.WaitGroup
}

func NewPool(store Store, researcher Researcher, discoverer Discoverer, embedder Embedder, index VectorIndex, opts Options) *Pool {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Pool{
		store:      store,
		researcher: researcher,
		discoverer: discoverer,
		embedder:   embedder,
		index:      index,
		opts:       opts,
	}
}

// Start launches the workers and the reclaimer. They stop when ctx is
// cancelled; Wait blocks until all have exited.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.PoolSize; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReclaimer(ctx)
	}()

	logger.Info("Enrichment pool started", zap.Int("workers", p.opts.PoolSize))
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	var processed, failed int

	p.heartbeat(ctx, workerID, models.WorkerIdle, "", processed, failed)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.heartbeat(context.Background(), workerID, models.WorkerStopped, "", processed, failed)
			logger.Info("Worker stopped", zap.String("worker_id", workerID))
			return
		case <-ticker.C:
		}

		job, err := p.store.ClaimJob(ctx, workerID)
		if errors.Is(err, sqlite.ErrNoPendingJobs) {
			p.heartbeat(ctx, workerID, models.WorkerIdle, "", processed, failed)
			continue
		}
		if err != nil {
			logger.Error("Job claim failed", zap.String("worker_id", workerID), zap.Error(err))
			continue
		}

		if p.processJob(ctx, workerID, job, processed, failed) {
			processed++
		} else {
			failed++
		}
		p.heartbeat(ctx, workerID, models.WorkerIdle, "", processed, failed)
	}
}

// processJob researches one job end to end: expand the family, run the
// cascade per member, persist and index the resulting atoms, then settle the
// job. Returns true when the job completed with at least one atom.
func (p *Pool) processJob(ctx context.Context, workerID string, job *models.EnrichmentJob, processed, failed int) bool {
	logger.Info("Processing enrichment job",
		zap.String("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("manufacturer", job.Manufacturer),
		zap.String("pattern", job.ModelPattern),
		zap.Float64("priority", job.Priority),
	)

	stopBeat := p.beatWhileBusy(ctx, workerID, job.ID, processed, failed)
	defer stopBeat()

	seed := strings.TrimSuffix(job.ModelPattern, "*")

	fam, members, err := p.discoverer.Discover(ctx, job.Manufacturer, seed)
	if err != nil {
		logger.Warn("Family discovery failed, researching seed model only",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		members = []string{seed}
	} else {
		metrics.FamiliesDiscovered.Inc()
	}

	var atomsCreated int
	var firstAtomID string

	for _, member := range members {
		if ctx.Err() != nil {
			break
		}

		atomID, err := p.researchMember(ctx, job, seed, member)
		if err != nil {
			logger.Warn("Member research failed",
				zap.String("job_id", job.ID),
				zap.String("member", member),
				zap.Error(err),
			)
			continue
		}
		if atomID == "" {
			continue
		}

		atomsCreated++
		if firstAtomID == "" {
			firstAtomID = atomID
		}
	}

	if fam != nil {
		if err := p.store.RecountFamilyIndexed(ctx, fam.ID); err != nil {
			logger.Warn("Family recount failed", zap.String("family_id", fam.ID), zap.Error(err))
		}
	}

	if atomsCreated > 0 {
		return p.settleCompleted(ctx, job, atomsCreated, len(members), firstAtomID)
	}
	return p.settleEmpty(ctx, job, len(members))
}

// researchMember runs the cascade for one family member and materializes the
// accepted source as a knowledge atom. Returns the atom ID, or empty when
// nothing was accepted.
func (p *Pool) researchMember(ctx context.Context, job *models.EnrichmentJob, seed, member string) (string, error) {
	outcome, err := p.researcher.Run(ctx, cascade.Request{
		Manufacturer: job.Manufacturer,
		Model:        member,
	})
	if err != nil {
		return "", err
	}

	metrics.CascadeOutcomes.WithLabelValues(string(outcome.Status), fmt.Sprintf("%d", outcome.TiersRun)).Inc()

	if outcome.Result == nil {
		return "", nil
	}

	source := models.SourceProactiveFamily
	if strings.EqualFold(member, seed) && job.GapID != "" {
		source = models.SourceReactive
	}

	atom := &models.KnowledgeAtom{
		ID:               uuid.New().String(),
		Kind:             atomKindFor(outcome.Result.Category),
		Manufacturer:     job.Manufacturer,
		Model:            member,
		Title:            outcome.Result.Title,
		Body:             outcome.Result.Snippet,
		SourceRef:        outcome.Result.URL,
		Confidence:       outcome.Result.Confidence,
		EnrichmentSource: source,
		CreatedAt:        time.Now(),
	}

	if err := p.store.InsertAtom(ctx, atom); err != nil {
		return "", fmt.Errorf("failed to persist atom: %w", err)
	}
	metrics.AtomsCreated.WithLabelValues(string(source)).Inc()

	p.indexAtom(ctx, atom)
	return atom.ID, nil
}

// indexAtom embeds and indexes an atom. Indexing is best effort: the atom is
// already durable in the relational store, and the next recount pass can
// observe an index shortfall.
func (p *Pool) indexAtom(ctx context.Context, atom *models.KnowledgeAtom) {
	embedding, err := p.embedder.Embed(ctx, atom.Title+"\n"+atom.Body)
	if err != nil {
		logger.Warn("Atom embedding failed, skipping vector index",
			zap.String("atom_id", atom.ID),
			zap.Error(err),
		)
		return
	}

	err = p.index.Insert(ctx, []milvus.AtomVector{{
		AtomID:       atom.ID,
		Embedding:    embedding,
		Manufacturer: atom.Manufacturer,
		Model:        atom.Model,
		Kind:         string(atom.Kind),
		CreatedAt:    time.Now(),
	}})
	if err != nil {
		logger.Warn("Atom vector insert failed",
			zap.String("atom_id", atom.ID),
			zap.Error(err),
		)
	}
}

func (p *Pool) settleCompleted(ctx context.Context, job *models.EnrichmentJob, atomsCreated, membersFound int, firstAtomID string) bool {
	if job.GapID != "" {
		if err := p.store.SetGapStatus(ctx, job.GapID, models.GapCompleted, firstAtomID); err != nil {
			logger.Error("Failed to resolve gap", zap.String("gap_id", job.GapID), zap.Error(err))
		}
	}
	if err := p.store.ReleaseJob(ctx, job.ID, models.JobCompleted, atomsCreated, membersFound, ""); err != nil {
		logger.Error("Failed to release completed job", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}

	metrics.JobsProcessed.WithLabelValues("completed").Inc()
	logger.Info("Enrichment job completed",
		zap.String("job_id", job.ID),
		zap.Int("atoms_created", atomsCreated),
		zap.Int("members_found", membersFound),
	)
	return true
}

// settleEmpty handles a job that produced no atoms: schedule a backed-off
// retry until the retry budget is spent, then fail the job and its gap.
func (p *Pool) settleEmpty(ctx context.Context, job *models.EnrichmentJob, membersFound int) bool {
	if job.RetryCount+1 < p.opts.MaxRetries {
		nextRetry := time.Now().Add(retry.NextDelay(p.opts.RetryBackoff, job.RetryCount))
		retries, err := p.store.ScheduleRetry(ctx, job.ID, nextRetry)
		if err != nil {
			logger.Error("Failed to schedule retry", zap.String("job_id", job.ID), zap.Error(err))
			return false
		}

		metrics.JobsProcessed.WithLabelValues("retried").Inc()
		logger.Info("Enrichment job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", retries),
			zap.Time("next_retry_at", nextRetry),
		)
		return false
	}

	if job.GapID != "" {
		if err := p.store.SetGapStatus(ctx, job.GapID, models.GapFailed, ""); err != nil {
			logger.Error("Failed to mark gap failed", zap.String("gap_id", job.GapID), zap.Error(err))
		}
	}
	if err := p.store.ReleaseJob(ctx, job.ID, models.JobFailed, 0, membersFound, "no sources validated"); err != nil {
		logger.Error("Failed to release failed job", zap.String("job_id", job.ID), zap.Error(err))
	}

	metrics.JobsProcessed.WithLabelValues("failed").Inc()
	logger.Warn("Enrichment job failed permanently",
		zap.String("job_id", job.ID),
		zap.Int("retries", job.RetryCount),
	)
	return false
}

// beatWhileBusy keeps the busy heartbeat fresh for the duration of a job.
func (p *Pool) beatWhileBusy(ctx context.Context, workerID, jobID string, processed, failed int) func() {
	p.heartbeat(ctx, workerID, models.WorkerBusy, jobID, processed, failed)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.heartbeat(ctx, workerID, models.WorkerBusy, jobID, processed, failed)
			}
		}
	}()
	return func() { close(done) }
}

func (p *Pool) heartbeat(ctx context.Context, workerID string, status models.WorkerStatus, jobID string, processed, failed int) {
	err := p.store.UpsertHeartbeat(ctx, &models.WorkerHeartbeat{
		WorkerID:      workerID,
		Status:        status,
		CurrentJobID:  jobID,
		JobsProcessed: processed,
		JobsFailed:    failed,
		LastHeartbeat: time.Now(),
	})
	if err != nil {
		logger.Warn("Heartbeat write failed", zap.String("worker_id", workerID), zap.Error(err))
	}
}

// runReclaimer periodically returns jobs held by dead workers to the queue
// and refreshes the queue depth gauge.
func (p *Pool) runReclaimer(ctx context.Context) {
	interval := p.opts.Staleness / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := p.store.ReclaimStaleJobs(ctx, p.opts.Staleness)
		if err != nil {
			logger.Error("Stale job reclaim failed", zap.Error(err))
		} else if n > 0 {
			metrics.JobsReclaimed.Add(float64(n))
		}

		if depth, err := p.store.QueueDepth(ctx); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func atomKindFor(category string) models.AtomKind {
	switch category {
	case "service_manual", "user_manual":
		return models.AtomProcedure
	case "spec_sheet":
		return models.AtomSpecification
	case "parts_list":
		return models.AtomPart
	case "fault_codes":
		return models.AtomFaultCode
	default:
		return models.AtomTip
	}
}
