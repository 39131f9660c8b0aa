package gap

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/pkg/logger"
)

// Store is the persistence surface the detector writes through.
type Store interface {
	UpsertGap(ctx context.Context, gap *models.KnowledgeGap) (*models.KnowledgeGap, error)
	SetGapPriority(ctx context.Context, id string, priority float64) error
	EnqueueJob(ctx context.Context, job *models.EnrichmentJob) (*models.EnrichmentJob, error)
}

type Policy struct {
	VendorBoost    float64
	BoostedVendors map[string]struct{}
	EnqueueFloor   float64
}

// Detector records queries the knowledge store could not answer confidently
// and turns the demand signal into prioritized enrichment work.
type Detector struct {
	store  Store
	policy Policy
}

func NewDetector(store Store, policy Policy) *Detector {
	if policy.VendorBoost == 0 {
		policy.VendorBoost = 1.0
	}
	// Vendor lookups are case-insensitive; fold the configured set once.
	if len(policy.BoostedVendors) > 0 {
		folded := make(map[string]struct{}, len(policy.BoostedVendors))
		for vendor := range policy.BoostedVendors {
			folded[strings.ToLower(strings.TrimSpace(vendor))] = struct{}{}
		}
		policy.BoostedVendors = folded
	}
	return &Detector{store: store, policy: policy}
}

// Score computes a gap's research priority:
// occurrence_count * (1 - confidence) * vendor_boost.
// Priority grows with demand and with how badly the store answered.
func Score(occurrenceCount int, confidence float64, boosted bool, boost float64) float64 {
	if occurrenceCount < 1 {
		occurrenceCount = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	priority := float64(occurrenceCount) * (1 - confidence)
	if boosted {
		priority *= boost
	}
	return priority
}

// Record upserts the gap for a low-confidence query, recomputes its priority
// from the accumulated occurrence count, and enqueues enrichment work when the
// priority clears the floor. Repeated detections of the same gap bump the
// existing rows instead of duplicating them.
func (d *Detector) Record(ctx context.Context, rawQuery, manufacturer, model string, confidence float64) (*models.KnowledgeGap, *models.EnrichmentJob, error) {
	normalized := Normalize(rawQuery)

	gap, err := d.store.UpsertGap(ctx, &models.KnowledgeGap{
		ID:              uuid.New().String(),
		QueryNormalized: normalized,
		Manufacturer:    manufacturer,
		Model:           model,
		Confidence:      confidence,
	})
	if err != nil {
		return nil, nil, err
	}

	boosted := d.isBoosted(manufacturer)
	priority := Score(gap.OccurrenceCount, gap.Confidence, boosted, d.policy.VendorBoost)
	if err := d.store.SetGapPriority(ctx, gap.ID, priority); err != nil {
		return nil, nil, err
	}
	gap.Priority = priority

	logger.Info("Knowledge gap recorded",
		zap.String("gap_id", gap.ID),
		zap.String("query", normalized),
		zap.String("manufacturer", manufacturer),
		zap.String("model", model),
		zap.Int("occurrences", gap.OccurrenceCount),
		zap.Float64("priority", priority),
	)

	if priority < d.policy.EnqueueFloor {
		return gap, nil, nil
	}

	job, err := d.store.EnqueueJob(ctx, &models.EnrichmentJob{
		ID:           uuid.New().String(),
		GapID:        gap.ID,
		Manufacturer: manufacturer,
		ModelPattern: model,
		Priority:     priority,
	})
	if err != nil {
		return nil, nil, err
	}
	return gap, job, nil
}

func (d *Detector) isBoosted(manufacturer string) bool {
	_, ok := d.policy.BoostedVendors[strings.ToLower(strings.TrimSpace(manufacturer))]
	return ok
}

// Normalize canonicalizes a query for gap identity: lowercase, tokenized,
// punctuation-only tokens dropped, single-space joined. Two phrasings that
// tokenize identically count against the same gap.
func Normalize(query string) string {
	lowered := strings.ToLower(strings.TrimSpace(query))

	doc, err := prose.NewDocument(lowered,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Warn("Query tokenization failed, falling back to whitespace split", zap.Error(err))
		return strings.Join(strings.Fields(lowered), " ")
	}

	tokens := make([]string, 0, 8)
	for _, tok := range doc.Tokens() {
		if isPunctOnly(tok.Text) {
			continue
		}
		tokens = append(tokens, tok.Text)
	}
	return strings.Join(tokens, " ")
}

func isPunctOnly(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}
