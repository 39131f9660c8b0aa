package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/metrics"
	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/internal/vector/milvus"
	"github.com/equipkb/backend/pkg/fingerprint"
	"github.com/equipkb/backend/pkg/logger"
)

type AtomStore interface {
	GetAtoms(ctx context.Context, ids []string) ([]models.KnowledgeAtom, error)
	IncrementAtomUsage(ctx context.Context, id string) error
	InsertQueryOutcome(ctx context.Context, o *models.QueryOutcome) error
}

type VectorIndex interface {
	Search(ctx context.Context, queryEmbedding []float32, topK int, manufacturer, model string) ([]milvus.Match, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type Synthesizer interface {
	Synthesize(ctx context.Context, query string, fragments []string) (string, error)
}

// GapRecorder turns an unanswered query into enrichment demand.
type GapRecorder interface {
	Record(ctx context.Context, rawQuery, manufacturer, model string, confidence float64) (*models.KnowledgeGap, *models.EnrichmentJob, error)
}

type Citation struct {
	AtomID    string `json:"atom_id"`
	Title     string `json:"title"`
	SourceRef string `json:"source_ref"`
}

type Answer struct {
	Decision   Decision   `json:"-"`
	Route      Route      `json:"route"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Citations  []Citation `json:"citations,omitempty"`
	GapID      string     `json:"gap_id,omitempty"`
	JobID      string     `json:"job_id,omitempty"`
}

// Engine retrieves, routes, and answers. The routing itself is the pure
// Decide function; the engine supplies its inputs and acts on its output.
type Engine struct {
	atoms       AtomStore
	index       VectorIndex
	embedder    Embedder
	embedCache  EmbeddingCache
	synthesizer Synthesizer
	gaps        GapRecorder
	thresholds  Thresholds
	topK        int
	embedTTL    time.Duration
}

func NewEngine(atoms AtomStore, index VectorIndex, embedder Embedder, embedCache EmbeddingCache,
	synthesizer Synthesizer, gaps GapRecorder, thresholds Thresholds, topK int, embedTTL time.Duration) *Engine {
	if topK <= 0 {
		topK = 5
	}
	return &Engine{
		atoms:       atoms,
		index:       index,
		embedder:    embedder,
		embedCache:  embedCache,
		synthesizer: synthesizer,
		gaps:        gaps,
		thresholds:  thresholds,
		topK:        topK,
		embedTTL:    embedTTL,
	}
}

// Answer routes one query end to end and records its outcome.
func (e *Engine) Answer(ctx context.Context, q Query) (*Answer, error) {
	start := time.Now()

	matches, err := e.retrieve(ctx, q)
	if err != nil {
		return nil, err
	}

	decision := Decide(q, matches, e.thresholds)

	answer := &Answer{
		Decision:   decision,
		Route:      decision.Route,
		Confidence: decision.Confidence,
	}

	switch decision.Route {
	case RouteDirect:
		e.answerDirect(ctx, decision, answer)
	case RouteSynthesize:
		e.answerSynthesize(ctx, q, decision, answer)
	case RouteClarify:
		answer.Text = clarifyPrompt(decision.Matches)
	case RouteResearch:
		e.triggerResearch(ctx, q, decision, answer)
	}

	// Any imperfect answer is demand for enrichment, not just total misses.
	if decision.Route == RouteSynthesize && decision.Confidence < e.thresholds.High {
		e.recordGap(ctx, q, decision.Confidence, answer)
	}

	e.recordOutcome(ctx, q, decision, answer, time.Since(start))
	return answer, nil
}

func (e *Engine) retrieve(ctx context.Context, q Query) ([]Match, error) {
	embedding, err := e.embedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := e.index.Search(ctx, embedding, e.topK, q.Manufacturer, q.Model)
	if err != nil {
		logger.Warn("Vector search failed, routing with no matches", zap.Error(err))
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		ids = append(ids, h.AtomID)
		scores[h.AtomID] = float64(h.Score)
	}

	atoms, err := e.atoms.GetAtoms(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load atoms: %w", err)
	}

	matches := make([]Match, 0, len(atoms))
	for _, atom := range atoms {
		matches = append(matches, Match{Atom: atom, Similarity: scores[atom.ID]})
	}
	return matches, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	hash := fingerprint.Of("query", text)

	if cached, ok, err := e.embedCache.GetEmbedding(ctx, hash); err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	embedding, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.embedCache.SetEmbedding(ctx, hash, embedding, e.embedTTL); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return embedding, nil
}

func (e *Engine) answerDirect(ctx context.Context, decision Decision, answer *Answer) {
	top := decision.Matches[0]
	answer.Text = top.Atom.Body
	answer.Citations = []Citation{citationFor(top.Atom)}
	e.bumpUsage(ctx, decision.Matches[:1])
}

func (e *Engine) answerSynthesize(ctx context.Context, q Query, decision Decision, answer *Answer) {
	fragments := make([]string, 0, len(decision.Matches))
	for _, m := range decision.Matches {
		fragments = append(fragments, m.Atom.Title+": "+m.Atom.Body)
		answer.Citations = append(answer.Citations, citationFor(m.Atom))
	}

	text, err := e.synthesizer.Synthesize(ctx, q.Text, fragments)
	if err != nil {
		// Degrade to the strongest fragment rather than fail the query.
		logger.Warn("Synthesis failed, serving top fragment", zap.Error(err))
		text = decision.Matches[0].Atom.Body
		answer.Citations = answer.Citations[:1]
	}
	answer.Text = text
	e.bumpUsage(ctx, decision.Matches)
}

func (e *Engine) triggerResearch(ctx context.Context, q Query, decision Decision, answer *Answer) {
	answer.Text = "No verified answer is available yet. The question has been queued for research."
	e.recordGap(ctx, q, decision.Confidence, answer)
}

func (e *Engine) recordGap(ctx context.Context, q Query, confidence float64, answer *Answer) {
	gap, job, err := e.gaps.Record(ctx, q.Text, q.Manufacturer, q.Model, confidence)
	if err != nil {
		logger.Error("Failed to record knowledge gap", zap.Error(err))
		return
	}

	metrics.GapsDetected.Inc()
	answer.GapID = gap.ID
	if job != nil {
		answer.JobID = job.ID
	}
}

func (e *Engine) bumpUsage(ctx context.Context, matches []Match) {
	for _, m := range matches {
		if err := e.atoms.IncrementAtomUsage(ctx, m.Atom.ID); err != nil {
			logger.Warn("Failed to bump atom usage", zap.String("atom_id", m.Atom.ID), zap.Error(err))
		}
	}
}

func (e *Engine) recordOutcome(ctx context.Context, q Query, decision Decision, answer *Answer, elapsed time.Duration) {
	metrics.RouteDecisions.WithLabelValues(string(decision.Route)).Inc()
	metrics.QueryDuration.WithLabelValues(string(decision.Route)).Observe(elapsed.Seconds())
	metrics.AnswerConfidence.Observe(decision.Confidence)
	metrics.AtomMatches.Observe(float64(len(decision.Matches)))

	err := e.atoms.InsertQueryOutcome(ctx, &models.QueryOutcome{
		ID:           uuid.New().String(),
		QueryText:    q.Text,
		Manufacturer: q.Manufacturer,
		Model:        q.Model,
		Route:        string(decision.Route),
		Confidence:   decision.Confidence,
		AtomsMatched: len(decision.Matches),
		GapID:        answer.GapID,
		LatencyMS:    int(elapsed.Milliseconds()),
	})
	if err != nil {
		logger.Warn("Failed to record query outcome", zap.Error(err))
	}
}

func citationFor(atom models.KnowledgeAtom) Citation {
	return Citation{AtomID: atom.ID, Title: atom.Title, SourceRef: atom.SourceRef}
}

func clarifyPrompt(matches []Match) string {
	seen := make(map[string]struct{})
	var options []string
	for _, m := range matches {
		key := m.Atom.Manufacturer + " " + m.Atom.Model
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		options = append(options, key)
	}
	return fmt.Sprintf("Which equipment is this about? Known candidates: %s.", strings.Join(options, ", "))
}
