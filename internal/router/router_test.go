package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/equipkb/backend/internal/storage/models"
)

func th() Thresholds {
	return Thresholds{High: 0.85, Provisional: 0.70, Clarify: 0.60, MinMatch: 0.50}
}

func match(id, manufacturer, model string, similarity, confidence float64) Match {
	return Match{
		Atom: models.KnowledgeAtom{
			ID:           id,
			Manufacturer: manufacturer,
			Model:        model,
			Confidence:   confidence,
		},
		Similarity: similarity,
	}
}

func TestDecideNoMatchesTriggersResearch(t *testing.T) {
	d := Decide(Query{Text: "fault code e42", Model: "X200"}, nil, th())

	assert.Equal(t, RouteResearch, d.Route)
	assert.Zero(t, d.Confidence, "zero matched atoms means zero confidence")
}

func TestDecideDirectRequiresHighAdjustedScore(t *testing.T) {
	d := Decide(Query{Model: "X200"}, []Match{
		match("a1", "Acme", "X200", 0.95, 0.95),
	}, th())

	assert.Equal(t, RouteDirect, d.Route)
	assert.InDelta(t, 0.9025, d.Confidence, 1e-9, "confidence is similarity-adjusted")
	assert.Len(t, d.Matches, 1)
}

func TestDecideConfidentAtomWithWeakSimilarityDoesNotServeDirect(t *testing.T) {
	d := Decide(Query{Model: "X200"}, []Match{
		match("a1", "Acme", "X200", 0.80, 0.95),
	}, th())

	assert.Equal(t, RouteSynthesize, d.Route, "0.76 adjusted score lands in the synthesis band")
}

func TestDecideBelowProvisionalTriggersResearchNotSynthesis(t *testing.T) {
	d := Decide(Query{Model: "X200"}, []Match{
		match("a1", "Acme", "X200", 0.70, 0.95),
	}, th())

	assert.Equal(t, RouteResearch, d.Route, "0.665 adjusted score is below the synthesis floor")
	assert.InDelta(t, 0.665, d.Confidence, 1e-9)
}

func TestDecideMiddleBandSynthesizes(t *testing.T) {
	d := Decide(Query{Model: "X200"}, []Match{
		match("a1", "Acme", "X200", 0.90, 0.80),
		match("a2", "Acme", "X200", 0.85, 0.75),
	}, th())

	assert.Equal(t, RouteSynthesize, d.Route)
	assert.Len(t, d.Matches, 2, "synthesis keeps all usable fragments")
}

func TestDecideWeakEvidenceTriggersResearchWithObservedConfidence(t *testing.T) {
	d := Decide(Query{Model: "X200"}, []Match{
		match("a1", "Acme", "X200", 0.55, 0.50),
	}, th())

	assert.Equal(t, RouteResearch, d.Route)
	assert.InDelta(t, 0.275, d.Confidence, 1e-9)
}

func TestDecideClarifyPrecedesDirect(t *testing.T) {
	d := Decide(Query{Text: "fault code e42"}, []Match{
		match("a1", "Acme", "X200", 0.95, 0.95),
		match("a2", "Acme", "X300", 0.90, 0.90),
	}, th())

	assert.Equal(t, RouteClarify, d.Route,
		"ambiguous equipment outranks even a direct-grade match")
}

func TestDecideNamedModelSkipsClarify(t *testing.T) {
	d := Decide(Query{Text: "fault code e42", Model: "X200"}, []Match{
		match("a1", "Acme", "X200", 0.95, 0.95),
		match("a2", "Acme", "X300", 0.90, 0.90),
	}, th())

	assert.Equal(t, RouteDirect, d.Route)
}

func TestDecideLowIdentityConfidenceTriggersClarify(t *testing.T) {
	d := Decide(Query{Text: "fault code e42", Model: "X200", IdentityConfidence: 0.40}, []Match{
		match("a1", "Acme", "X200", 0.95, 0.95),
		match("a2", "Acme", "X300", 0.90, 0.90),
	}, th())

	assert.Equal(t, RouteClarify, d.Route,
		"a shaky machine-read model must not be silently trusted")
}

func TestDecideConfidentIdentificationBypassesClarify(t *testing.T) {
	d := Decide(Query{Text: "fault code e42", Model: "X200", IdentityConfidence: 0.90}, []Match{
		match("a1", "Acme", "X200", 0.95, 0.95),
		match("a2", "Acme", "X300", 0.90, 0.90),
	}, th())

	assert.Equal(t, RouteDirect, d.Route)
}

func TestDecideLowIdentityConfidenceWithSingleModelAnswers(t *testing.T) {
	d := Decide(Query{Text: "fault code e42", Model: "X200", IdentityConfidence: 0.40}, []Match{
		match("a1", "Acme", "X200", 0.95, 0.95),
		match("a2", "Acme", "X200", 0.90, 0.90),
	}, th())

	assert.Equal(t, RouteDirect, d.Route,
		"nothing to clarify when all evidence points at one model")
}

func TestDecideFiltersWeakAndSupersededMatches(t *testing.T) {
	superseded := match("a1", "Acme", "X200", 0.95, 0.95)
	superseded.Atom.SupersededBy = "a9"

	d := Decide(Query{Model: "X200"}, []Match{
		superseded,
		match("a2", "Acme", "X200", 0.40, 0.95), // below similarity floor
	}, th())

	assert.Equal(t, RouteResearch, d.Route, "only unusable matches leaves no evidence")
	assert.Zero(t, d.Confidence)
}

func TestDecideOrdersByAdjustedScore(t *testing.T) {
	d := Decide(Query{Model: "X200"}, []Match{
		match("low", "Acme", "X200", 0.80, 0.70),
		match("high", "Acme", "X200", 0.90, 0.80),
	}, th())

	assert.Equal(t, "high", d.Matches[0].Atom.ID)
}

func TestDecideIsDeterministic(t *testing.T) {
	q := Query{Text: "pressure spec", Model: "X200"}
	matches := []Match{
		match("a1", "Acme", "X200", 0.80, 0.80),
		match("a2", "Acme", "X200", 0.80, 0.80),
		match("a3", "Acme", "X200", 0.75, 0.90),
	}

	first := Decide(q, matches, th())
	for i := 0; i < 10; i++ {
		again := Decide(q, matches, th())
		assert.Equal(t, first, again)
	}
}
