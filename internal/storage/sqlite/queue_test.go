package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equipkb/backend/internal/storage/models"
)

func newJob(manufacturer, pattern string, priority float64) *models.EnrichmentJob {
	return &models.EnrichmentJob{
		ID:           uuid.New().String(),
		GapID:        uuid.New().String(),
		Manufacturer: manufacturer,
		ModelPattern: pattern,
		Priority:     priority,
	}
}

func TestEnqueueJobDeduplicatesActiveWork(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 0.6))
	require.NoError(t, err)

	second, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 0.9))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same target never queues twice")
	assert.Equal(t, 2, second.UserQueryCount, "demand accumulates on the existing job")
	assert.Equal(t, 0.9, second.Priority, "priority only rises")

	third, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 0.1))
	require.NoError(t, err)
	assert.Equal(t, 0.9, third.Priority)

	depth, err := client.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestClaimJobPicksHighestPriorityFirst(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 0.3))
	require.NoError(t, err)
	urgent, err := client.EnqueueJob(ctx, newJob("Acme", "Y500", 1.8))
	require.NoError(t, err)

	claimed, err := client.ClaimJob(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, claimed.ID)
	assert.Equal(t, models.JobProcessing, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)
	require.NotNil(t, claimed.StartedAt)
}

func TestClaimJobConcurrentClaimersOneWinner(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 1.0))
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	winners := make(chan string, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := client.ClaimJob(ctx, uuid.New().String())
			if err == nil {
				winners <- job.ID
			} else {
				assert.ErrorIs(t, err, ErrNoPendingJobs)
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []string
	for id := range winners {
		won = append(won, id)
	}
	assert.Len(t, won, 1, "exactly one claimer wins the job")
}

func TestClaimJobHonorsNextRetryAt(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	job, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 1.0))
	require.NoError(t, err)

	claimed, err := client.ClaimJob(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	retries, err := client.ScheduleRetry(ctx, job.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	_, err = client.ClaimJob(ctx, "w2")
	assert.ErrorIs(t, err, ErrNoPendingJobs, "backed-off jobs are invisible to claimers")

	// A due retry becomes claimable again with its retry state intact.
	require.NoError(t, reclaimNow(client, job.ID))

	claimed, err = client.ClaimJob(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, 1, claimed.RetryCount)
}

// reclaimNow rewinds a job's next_retry_at so tests need not sleep.
func reclaimNow(c *Client, jobID string) error {
	_, err := c.db.Exec(`UPDATE enrichment_jobs SET next_retry_at = 0 WHERE id = ?`, jobID)
	return err
}

func TestReleaseJobRequiresTerminalStatus(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	job, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 1.0))
	require.NoError(t, err)
	_, err = client.ClaimJob(ctx, "w1")
	require.NoError(t, err)

	assert.Error(t, client.ReleaseJob(ctx, job.ID, models.JobPending, 0, 0, ""))

	require.NoError(t, client.ReleaseJob(ctx, job.ID, models.JobCompleted, 4, 3, ""))

	done, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Equal(t, 4, done.AtomsCreated)
	assert.Equal(t, 3, done.MembersFound)
	require.NotNil(t, done.FinishedAt)
}

func TestReclaimStaleJobsUsesHeartbeatLiveness(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	staleJob, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 2.0))
	require.NoError(t, err)
	liveJob, err := client.EnqueueJob(ctx, newJob("Acme", "Y500", 1.0))
	require.NoError(t, err)

	claimed, err := client.ClaimJob(ctx, "dead-worker")
	require.NoError(t, err)
	require.Equal(t, staleJob.ID, claimed.ID)
	claimed, err = client.ClaimJob(ctx, "live-worker")
	require.NoError(t, err)
	require.Equal(t, liveJob.ID, claimed.ID)

	// Dead worker last beat 12 minutes ago; live worker is current.
	require.NoError(t, client.UpsertHeartbeat(ctx, &models.WorkerHeartbeat{
		WorkerID: "dead-worker", Status: models.WorkerBusy,
		LastHeartbeat: time.Now().Add(-12 * time.Minute),
	}))
	require.NoError(t, client.UpsertHeartbeat(ctx, &models.WorkerHeartbeat{
		WorkerID: "live-worker", Status: models.WorkerBusy,
		LastHeartbeat: time.Now(),
	}))

	n, err := client.ReclaimStaleJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := client.GetJob(ctx, staleJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, reclaimed.Status)
	assert.Empty(t, reclaimed.WorkerID)

	held, err := client.GetJob(ctx, liveJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, held.Status)
	assert.Equal(t, "live-worker", held.WorkerID)
}

func TestReclaimStaleJobsReclaimsWorkersWithoutHeartbeats(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	job, err := client.EnqueueJob(ctx, newJob("Acme", "X200", 1.0))
	require.NoError(t, err)
	_, err = client.ClaimJob(ctx, "vanished-worker")
	require.NoError(t, err)

	n, err := client.ReclaimStaleJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a worker that never heartbeated is stale by definition")

	reclaimed, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, reclaimed.Status)
}
