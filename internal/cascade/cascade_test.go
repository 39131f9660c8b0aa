package cascade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equipkb/backend/internal/storage/models"
)

type fakeSearcher struct {
	byTier map[Tier][]Candidate
	errs   map[Tier]error
	calls  []Tier
}

func (f *fakeSearcher) Search(_ context.Context, tier Tier, _, _ string) ([]Candidate, error) {
	f.calls = append(f.calls, tier)
	if err := f.errs[tier]; err != nil {
		return nil, err
	}
	return f.byTier[tier], nil
}

type fakeValidator struct {
	byURL map[string]*Verdict
	err   error
	calls int
}

func (f *fakeValidator) Validate(_ context.Context, c Candidate, _, _ string) (*Verdict, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	url, _, _ := describe(c)
	if v, ok := f.byURL[url]; ok {
		return v, nil
	}
	return &Verdict{Confidence: 0}, nil
}

type fakeStore struct {
	seen map[string]bool
}

func (f *fakeStore) HasFingerprint(_ context.Context, hash string) (bool, error) {
	return f.seen[hash], nil
}

func (f *fakeStore) InsertFingerprint(_ context.Context, fp *models.SourceFingerprint) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[fp.Hash] {
		return true, nil
	}
	f.seen[fp.Hash] = true
	return false, nil
}

type fakeCache struct {
	stored *models.CachedSearchResult
}

func (f *fakeCache) GetSearchResult(_ context.Context, _, _ string) (*models.CachedSearchResult, bool, error) {
	if f.stored == nil {
		return nil, false, nil
	}
	return f.stored, true, nil
}

func (f *fakeCache) SetSearchResult(_ context.Context, r *models.CachedSearchResult, _ time.Duration) error {
	f.stored = r
	return nil
}

func testPolicy() Policy {
	return Policy{
		HighThreshold:        0.85,
		ProvisionalThreshold: 0.70,
		ResultTTL:            time.Hour,
		SearchRetries:        1,
	}
}

func broad(url string) Candidate {
	return Candidate{Tier: Tier1, Origin: BroadHit{Title: "t", URL: url, Snippet: "s"}}
}

func targeted(url string) Candidate {
	return Candidate{Tier: Tier2, Origin: TargetedHit{Title: "t", URL: url, Snippet: "s"}}
}

func TestRunAcceptsHighConfidenceAtTier1(t *testing.T) {
	searcher := &fakeSearcher{byTier: map[Tier][]Candidate{
		Tier1: {broad("https://acme.com/manual.pdf")},
	}}
	validator := &fakeValidator{byURL: map[string]*Verdict{
		"https://acme.com/manual.pdf": {Confidence: 0.92, Category: "service_manual"},
	}}
	cache := &fakeCache{}

	c := New(searcher, validator, &fakeStore{}, cache, testPolicy())
	outcome, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})

	require.NoError(t, err)
	assert.Equal(t, StatusResolved, outcome.Status)
	assert.Equal(t, 1, outcome.TiersRun)
	require.NotNil(t, outcome.Result)
	assert.False(t, outcome.Result.RequiresHumanVerification)
	assert.Equal(t, 1, outcome.Result.Tier)
	assert.NotNil(t, cache.stored, "accepted result must be cached")
}

func TestRunProvisionalStopsCascadeFlagged(t *testing.T) {
	searcher := &fakeSearcher{byTier: map[Tier][]Candidate{
		Tier1: {broad("https://forum.example/thread")},
		Tier2: {targeted("https://acme.com/manual.pdf")},
	}}
	validator := &fakeValidator{byURL: map[string]*Verdict{
		"https://forum.example/thread": {Confidence: 0.75, Category: "user_manual"},
	}}

	c := New(searcher, validator, &fakeStore{}, &fakeCache{}, testPolicy())
	outcome, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})

	require.NoError(t, err)
	assert.Equal(t, StatusProvisional, outcome.Status)
	assert.True(t, outcome.Result.RequiresHumanVerification)
	assert.Equal(t, 1, outcome.TiersRun, "provisional acceptance must not spend further tiers")
	assert.NotContains(t, searcher.calls, Tier2)
}

func TestRunDiscardsLowConfidenceAndAdvances(t *testing.T) {
	searcher := &fakeSearcher{byTier: map[Tier][]Candidate{
		Tier1: {broad("https://spam.example/page")},
		Tier2: {targeted("https://acme.com/x200-service.pdf")},
	}}
	validator := &fakeValidator{byURL: map[string]*Verdict{
		"https://spam.example/page":         {Confidence: 0.20, Category: "unrelated"},
		"https://acme.com/x200-service.pdf": {Confidence: 0.90, Category: "service_manual"},
	}}

	c := New(searcher, validator, &fakeStore{}, &fakeCache{}, testPolicy())
	outcome, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})

	require.NoError(t, err)
	assert.Equal(t, StatusResolved, outcome.Status)
	assert.Equal(t, 2, outcome.TiersRun)
	assert.Equal(t, 2, outcome.Result.Tier)
}

func TestRunProviderFailureAdvancesInsteadOfAborting(t *testing.T) {
	searcher := &fakeSearcher{
		byTier: map[Tier][]Candidate{
			Tier2: {targeted("https://acme.com/manual.pdf")},
		},
		errs: map[Tier]error{Tier1: errors.New("search provider down")},
	}
	validator := &fakeValidator{byURL: map[string]*Verdict{
		"https://acme.com/manual.pdf": {Confidence: 0.88, Category: "service_manual"},
	}}

	c := New(searcher, validator, &fakeStore{}, &fakeCache{}, testPolicy())
	outcome, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})

	require.NoError(t, err)
	assert.Equal(t, StatusResolved, outcome.Status)
	assert.Equal(t, 2, outcome.TiersRun)
}

func TestRunValidationFailureTreatedAsZeroConfidence(t *testing.T) {
	searcher := &fakeSearcher{byTier: map[Tier][]Candidate{
		Tier1: {broad("https://acme.com/manual.pdf")},
	}}
	validator := &fakeValidator{err: errors.New("llm unavailable")}

	c := New(searcher, validator, &fakeStore{}, &fakeCache{}, testPolicy())
	outcome, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})

	require.NoError(t, err)
	assert.Equal(t, StatusNoManualFound, outcome.Status)
	assert.Equal(t, 3, outcome.TiersRun)
}

func TestRunFingerprintedSourceSkipsValidation(t *testing.T) {
	searcher := &fakeSearcher{byTier: map[Tier][]Candidate{
		Tier1: {broad("https://acme.com/manual.pdf")},
	}}
	validator := &fakeValidator{byURL: map[string]*Verdict{
		"https://acme.com/manual.pdf": {Confidence: 0.95, Category: "service_manual"},
	}}
	store := &fakeStore{}

	c := New(searcher, validator, store, &fakeCache{}, testPolicy())

	first, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})
	require.NoError(t, err)
	require.Equal(t, StatusResolved, first.Status)
	require.Equal(t, 1, validator.calls)

	// Same source on a fresh run (empty cache) must not pay validation again.
	c2 := New(searcher, validator, store, &fakeCache{}, testPolicy())
	second, err := c2.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})
	require.NoError(t, err)
	assert.Equal(t, StatusNoManualFound, second.Status)
	assert.Equal(t, 1, validator.calls, "fingerprinted source must skip validation")
}

func TestRunValidatorOutageLeavesSourceEligibleForRetry(t *testing.T) {
	searcher := &fakeSearcher{byTier: map[Tier][]Candidate{
		Tier1: {broad("https://acme.com/manual.pdf")},
	}}
	validator := &fakeValidator{
		err: errors.New("llm unavailable"),
		byURL: map[string]*Verdict{
			"https://acme.com/manual.pdf": {Confidence: 0.92, Category: "service_manual"},
		},
	}
	store := &fakeStore{}

	c := New(searcher, validator, store, &fakeCache{}, testPolicy())
	first, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})
	require.NoError(t, err)
	require.Equal(t, StatusNoManualFound, first.Status)
	require.Empty(t, store.seen, "an unvalidated source must not be fingerprinted")

	// Validator recovers; the retry must re-attempt the same source.
	validator.err = nil
	c2 := New(searcher, validator, store, &fakeCache{}, testPolicy())
	second, err := c2.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, second.Status)
	assert.Equal(t, 2, validator.calls, "recovered validator must be invoked again")
}

func TestRunExhaustionReportsNoManualFound(t *testing.T) {
	searcher := &fakeSearcher{byTier: map[Tier][]Candidate{}}
	validator := &fakeValidator{}

	c := New(searcher, validator, &fakeStore{}, &fakeCache{}, testPolicy())
	outcome, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})

	require.NoError(t, err)
	assert.Equal(t, StatusNoManualFound, outcome.Status)
	assert.Equal(t, 3, outcome.TiersRun)
	assert.Zero(t, outcome.ValidationsRun)
	assert.Nil(t, outcome.Result)
}

func TestRunServesCachedResultWithoutSearching(t *testing.T) {
	cached := &models.CachedSearchResult{
		Manufacturer: "Acme",
		Model:        "X200",
		URL:          "https://acme.com/manual.pdf",
		Confidence:   0.91,
		ValidatedAt:  time.Now(),
	}
	searcher := &fakeSearcher{}

	c := New(searcher, &fakeValidator{}, &fakeStore{}, &fakeCache{stored: cached}, testPolicy())
	outcome, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})

	require.NoError(t, err)
	assert.True(t, outcome.FromCache)
	assert.Equal(t, StatusResolved, outcome.Status)
	assert.Empty(t, searcher.calls)
}

func TestRunCachedProvisionalKeepsFlag(t *testing.T) {
	cached := &models.CachedSearchResult{
		Manufacturer:              "Acme",
		Model:                     "X200",
		Confidence:                0.74,
		RequiresHumanVerification: true,
	}

	c := New(&fakeSearcher{}, &fakeValidator{}, &fakeStore{}, &fakeCache{stored: cached}, testPolicy())
	outcome, err := c.Run(context.Background(), Request{Manufacturer: "Acme", Model: "X200"})

	require.NoError(t, err)
	assert.Equal(t, StatusProvisional, outcome.Status)
}
