package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equipkb/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { client.Close() })
	return client
}

func newAtom(manufacturer, model string, confidence float64) *models.KnowledgeAtom {
	return &models.KnowledgeAtom{
		ID:               uuid.New().String(),
		Kind:             models.AtomProcedure,
		Manufacturer:     manufacturer,
		Model:            model,
		Title:            "test atom",
		Body:             "body",
		SourceRef:        "https://example.com/manual.pdf",
		Confidence:       confidence,
		EnrichmentSource: models.SourceReactive,
		CreatedAt:        time.Now(),
	}
}

func TestAtomLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	atom := newAtom("Acme", "X200", 0.80)
	require.NoError(t, client.InsertAtom(ctx, atom))

	got, err := client.GetAtom(ctx, atom.ID)
	require.NoError(t, err)
	assert.Equal(t, atom.Title, got.Title)
	assert.False(t, got.HumanVerified)
	assert.Zero(t, got.UsageCount)

	require.NoError(t, client.IncrementAtomUsage(ctx, atom.ID))
	require.NoError(t, client.IncrementAtomUsage(ctx, atom.ID))

	got, err = client.GetAtom(ctx, atom.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
}

func TestPromoteAtomMarksVerified(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	atom := newAtom("Acme", "X200", 0.72)
	require.NoError(t, client.InsertAtom(ctx, atom))
	require.NoError(t, client.PromoteAtom(ctx, atom.ID, 0.95))

	got, err := client.GetAtom(ctx, atom.ID)
	require.NoError(t, err)
	assert.True(t, got.HumanVerified)
	assert.Equal(t, 0.95, got.Confidence)
	require.NotNil(t, got.LastVerifiedAt)

	assert.ErrorIs(t, client.PromoteAtom(ctx, "missing", 0.9), ErrNotFound)
}

func TestSupersedeAtomKeepsOldRow(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	old := newAtom("Acme", "X200", 0.70)
	replacement := newAtom("Acme", "X200", 0.95)
	require.NoError(t, client.InsertAtom(ctx, old))
	require.NoError(t, client.InsertAtom(ctx, replacement))

	require.NoError(t, client.SupersedeAtom(ctx, old.ID, replacement.ID))

	got, err := client.GetAtom(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, got.SupersededBy)
}

func TestUpsertGapDeduplicatesPending(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.UpsertGap(ctx, &models.KnowledgeGap{
		ID:              uuid.New().String(),
		QueryNormalized: "fault code e42",
		Manufacturer:    "Acme",
		Model:           "X200",
		Confidence:      0.40,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.OccurrenceCount)

	second, err := client.UpsertGap(ctx, &models.KnowledgeGap{
		ID:              uuid.New().String(),
		QueryNormalized: "fault code e42",
		Manufacturer:    "Acme",
		Model:           "X200",
		Confidence:      0.35,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-detection bumps the pending row, never duplicates")
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, 0.35, second.Confidence, "confidence reflects the latest detection")
}

func TestUpsertGapResolvedGapReopensAsNewRow(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.UpsertGap(ctx, &models.KnowledgeGap{
		ID:              uuid.New().String(),
		QueryNormalized: "fault code e42",
		Manufacturer:    "Acme",
		Model:           "X200",
		Confidence:      0.40,
	})
	require.NoError(t, err)
	require.NoError(t, client.SetGapStatus(ctx, first.ID, models.GapCompleted, "atom-1"))

	reopened, err := client.UpsertGap(ctx, &models.KnowledgeGap{
		ID:              uuid.New().String(),
		QueryNormalized: "fault code e42",
		Manufacturer:    "Acme",
		Model:           "X200",
		Confidence:      0.40,
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, reopened.ID, "uniqueness only binds pending gaps")
	assert.Equal(t, 1, reopened.OccurrenceCount)

	resolved, err := client.GetGap(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GapCompleted, resolved.ResearchStatus)
	assert.Equal(t, "atom-1", resolved.ResolvedAtomID)
}

func TestListGapsOrdersByPriority(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	low, err := client.UpsertGap(ctx, &models.KnowledgeGap{
		ID: uuid.New().String(), QueryNormalized: "q1", Manufacturer: "Acme", Model: "X200", Confidence: 0.5,
	})
	require.NoError(t, err)
	high, err := client.UpsertGap(ctx, &models.KnowledgeGap{
		ID: uuid.New().String(), QueryNormalized: "q2", Manufacturer: "Acme", Model: "X300", Confidence: 0.1,
	})
	require.NoError(t, err)

	require.NoError(t, client.SetGapPriority(ctx, low.ID, 0.5))
	require.NoError(t, client.SetGapPriority(ctx, high.ID, 2.0))

	gaps, err := client.ListGaps(ctx, models.GapPending, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, high.ID, gaps[0].ID)
}

func TestInsertFingerprintIsWriteOnce(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	fp := &models.SourceFingerprint{Hash: "abc123", URL: "https://acme.com/m.pdf", FirstSeen: time.Now()}

	seen, err := client.InsertFingerprint(ctx, fp)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = client.InsertFingerprint(ctx, fp)
	require.NoError(t, err)
	assert.True(t, seen, "second insert of the same hash reports seen")

	has, err := client.HasFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = client.HasFingerprint(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestFamilyRecountClampsAndCompletes(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	fam, err := client.UpsertFamily(ctx, &models.ProductFamily{
		ID:           uuid.New().String(),
		Manufacturer: "Acme",
		Name:         "X2 Series",
		MatchPattern: "X2*",
		MemberCount:  3,
	})
	require.NoError(t, err)

	require.NoError(t, client.InsertAtom(ctx, newAtom("Acme", "X200", 0.9)))
	require.NoError(t, client.InsertAtom(ctx, newAtom("Acme", "X210", 0.9)))
	require.NoError(t, client.RecountFamilyIndexed(ctx, fam.ID))

	got, err := client.GetFamily(ctx, "Acme", "X2 Series")
	require.NoError(t, err)
	assert.Equal(t, 2, got.IndexedCount)
	assert.False(t, got.IsComplete)

	// Two more distinct models would exceed member_count; the count clamps.
	require.NoError(t, client.InsertAtom(ctx, newAtom("Acme", "X220", 0.9)))
	require.NoError(t, client.InsertAtom(ctx, newAtom("Acme", "X230", 0.9)))
	require.NoError(t, client.RecountFamilyIndexed(ctx, fam.ID))

	got, err = client.GetFamily(ctx, "Acme", "X2 Series")
	require.NoError(t, err)
	assert.Equal(t, 3, got.IndexedCount, "indexed count never exceeds member count")
	assert.True(t, got.IsComplete)
}

func TestUpsertFamilyIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.UpsertFamily(ctx, &models.ProductFamily{
		ID: uuid.New().String(), Manufacturer: "Acme", Name: "X2 Series", MatchPattern: "X2*", MemberCount: 2,
	})
	require.NoError(t, err)

	second, err := client.UpsertFamily(ctx, &models.ProductFamily{
		ID: uuid.New().String(), Manufacturer: "Acme", Name: "X2 Series", MatchPattern: "X2*", MemberCount: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 5, second.MemberCount, "member count only grows")
}

func TestHeartbeatUpsertAndList(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.UpsertHeartbeat(ctx, &models.WorkerHeartbeat{
		WorkerID: "w1", Status: models.WorkerIdle, LastHeartbeat: time.Now(),
	}))
	require.NoError(t, client.UpsertHeartbeat(ctx, &models.WorkerHeartbeat{
		WorkerID: "w1", Status: models.WorkerBusy, CurrentJobID: "job-1",
		JobsProcessed: 3, LastHeartbeat: time.Now(),
	}))

	hbs, err := client.ListHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, hbs, 1, "heartbeats upsert by worker id")
	assert.Equal(t, models.WorkerBusy, hbs[0].Status)
	assert.Equal(t, "job-1", hbs[0].CurrentJobID)
	assert.Equal(t, 3, hbs[0].JobsProcessed)
}
