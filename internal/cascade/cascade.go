package cascade

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/metrics"
	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/pkg/fingerprint"
	"github.com/equipkb/backend/pkg/logger"
	"github.com/equipkb/backend/pkg/retry"
)

type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Origin is the tagged variant carried by a candidate: each tier produces a
// different payload shape, and validation pattern-matches on it instead of an
// untyped blob.
type Origin interface {
	origin() string
}

// BroadHit is a tier-1 result: a cheap, general web lookup.
type BroadHit struct {
	Title   string
	URL     string
	Snippet string
}

// TargetedHit is a tier-2 result: a source-targeted, higher-recall lookup.
type TargetedHit struct {
	Title   string
	URL     string
	Snippet string
}

// ReasonedNote is a tier-3 result: synthesis over general knowledge when
// structured search failed.
type ReasonedNote struct {
	Title           string
	URL             string
	Summary         string
	ModelConfidence float64
}

func (BroadHit) origin() string     { return "broad" }
func (TargetedHit) origin() string  { return "targeted" }
func (ReasonedNote) origin() string { return "reasoned" }

type Candidate struct {
	Tier   Tier
	Origin Origin
}

// Verdict is the validation outcome for one candidate.
type Verdict struct {
	Confidence float64
	Reasoning  string
	Category   string
}

// Searcher issues one tier's search. Implementations are replaceable,
// multiply-redundant providers; a failure is equivalent to zero results.
type Searcher interface {
	Search(ctx context.Context, tier Tier, manufacturer, model string) ([]Candidate, error)
}

// Validator scores one candidate against the expected equipment.
type Validator interface {
	Validate(ctx context.Context, c Candidate, manufacturer, model string) (*Verdict, error)
}

// Store is the fingerprint index the cascade dedupes against. A source is
// fingerprinted only once a validation verdict exists for it, so a transient
// validator failure never blacklists a source from later runs.
type Store interface {
	HasFingerprint(ctx context.Context, hash string) (bool, error)
	InsertFingerprint(ctx context.Context, fp *models.SourceFingerprint) (seen bool, err error)
}

// ResultCache holds validated results for the freshness window.
type ResultCache interface {
	GetSearchResult(ctx context.Context, manufacturer, model string) (*models.CachedSearchResult, bool, error)
	SetSearchResult(ctx context.Context, result *models.CachedSearchResult, ttl time.Duration) error
}

type Status string

const (
	StatusResolved      Status = "resolved"
	StatusProvisional   Status = "provisional"
	StatusNoManualFound Status = "no_manual_found"
)

type Policy struct {
	HighThreshold        float64
	ProvisionalThreshold float64
	TierTimeouts         map[Tier]time.Duration
	ResultTTL            time.Duration
	SearchRetries        int
}

type Request struct {
	Manufacturer string
	Model        string
}

type Outcome struct {
	Status         Status
	Result         *models.CachedSearchResult
	TiersRun       int
	ValidationsRun int
	FromCache      bool
}

type Cascade struct {
	searcher  Searcher
	validator Validator
	store     Store
	cache     ResultCache
	policy    Policy
}

func New(searcher Searcher, validator Validator, store Store, cache ResultCache, policy Policy) *Cascade {
	if policy.SearchRetries == 0 {
		policy.SearchRetries = 2
	}
	return &Cascade{
		searcher:  searcher,
		validator: validator,
		store:     store,
		cache:     cache,
		policy:    policy,
	}
}

// Run drives one search request through the tier state machine:
// pending -> tier1 -> tier2 -> tier3 -> {resolved | no_manual_found}.
// Tiers run strictly in sequence; a later tier is only justified by the
// earlier tier's failure. Provider failures are treated as zero-confidence
// results: advance, never abort.
func (c *Cascade) Run(ctx context.Context, req Request) (*Outcome, error) {
	if cached, ok, err := c.cache.GetSearchResult(ctx, req.Manufacturer, req.Model); err != nil {
		logger.Warn("Result cache lookup failed", zap.Error(err))
	} else if ok {
		status := StatusResolved
		if cached.RequiresHumanVerification {
			status = StatusProvisional
		}
		return &Outcome{Status: status, Result: cached, FromCache: true}, nil
	}

	outcome := &Outcome{}

	for _, tier := range []Tier{Tier1, Tier2, Tier3} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome.TiersRun++

		candidates := c.searchTier(ctx, tier, req)
		if len(candidates) == 0 {
			logger.Info("Tier produced no candidates",
				zap.Int("tier", int(tier)),
				zap.String("manufacturer", req.Manufacturer),
				zap.String("model", req.Model),
			)
			continue
		}

		result, stop := c.validateCandidates(ctx, req, candidates, outcome)
		if !stop {
			continue
		}

		if err := c.cache.SetSearchResult(ctx, result, c.policy.ResultTTL); err != nil {
			logger.Warn("Failed to cache validated result", zap.Error(err))
		}

		if result.RequiresHumanVerification {
			outcome.Status = StatusProvisional
		} else {
			outcome.Status = StatusResolved
		}
		outcome.Result = result
		return outcome, nil
	}

	outcome.Status = StatusNoManualFound
	logger.Info("Cascade exhausted without acceptance",
		zap.String("manufacturer", req.Manufacturer),
		zap.String("model", req.Model),
	)
	return outcome, nil
}

func (c *Cascade) searchTier(ctx context.Context, tier Tier, req Request) []Candidate {
	tierCtx := ctx
	if timeout, ok := c.policy.TierTimeouts[tier]; ok && timeout > 0 {
		var cancel context.CancelFunc
		tierCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	retryCfg := retry.Config{
		MaxAttempts:  c.policy.SearchRetries,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		Logger:       logger.GetLogger(),
	}

	candidates, err := retry.DoWithResult(tierCtx, retryCfg, func() ([]Candidate, error) {
		return c.searcher.Search(tierCtx, tier, req.Manufacturer, req.Model)
	})
	if err != nil {
		// Transient provider failure is indistinguishable from an empty tier.
		logger.Warn("Tier search failed, advancing",
			zap.Int("tier", int(tier)),
			zap.Error(err),
		)
		return nil
	}
	return candidates
}

// validateCandidates scores each candidate, skipping sources already present
// in the fingerprint index so validation cost is never paid twice. Returns
// (result, true) once a candidate clears the provisional threshold; anything
// plausible stops the cascade.
func (c *Cascade) validateCandidates(ctx context.Context, req Request, candidates []Candidate, outcome *Outcome) (*models.CachedSearchResult, bool) {
	for _, cand := range candidates {
		url, title, snippet := describe(cand)

		hash := fingerprint.Of(url, snippet)
		seen, err := c.store.HasFingerprint(ctx, hash)
		if err != nil {
			logger.Warn("Fingerprint check failed", zap.Error(err))
		} else if seen {
			logger.Debug("Source already fingerprinted, skipping validation", zap.String("url", url))
			metrics.SourceValidations.WithLabelValues("fingerprinted").Inc()
			continue
		}

		verdict, err := c.validator.Validate(ctx, cand, req.Manufacturer, req.Model)
		outcome.ValidationsRun++
		if err != nil {
			// No verdict, no fingerprint: the source stays eligible for the
			// next retry once the validator recovers.
			logger.Warn("Validation failed, treating as zero confidence",
				zap.String("url", url),
				zap.Error(err),
			)
			metrics.SourceValidations.WithLabelValues("error").Inc()
			continue
		}

		if _, err := c.store.InsertFingerprint(ctx, &models.SourceFingerprint{
			Hash:      hash,
			URL:       url,
			FirstSeen: time.Now(),
		}); err != nil {
			logger.Warn("Failed to record fingerprint", zap.String("url", url), zap.Error(err))
		}

		switch {
		case verdict.Confidence >= c.policy.HighThreshold:
			metrics.SourceValidations.WithLabelValues("accepted").Inc()
			return c.buildResult(req, cand, verdict, url, title, snippet, false), true
		case verdict.Confidence >= c.policy.ProvisionalThreshold:
			// Plausible but unproven: accept flagged, do not spend further tiers.
			metrics.SourceValidations.WithLabelValues("provisional").Inc()
			return c.buildResult(req, cand, verdict, url, title, snippet, true), true
		default:
			metrics.SourceValidations.WithLabelValues("discarded").Inc()
			logger.Debug("Candidate discarded",
				zap.String("url", url),
				zap.Float64("confidence", verdict.Confidence),
			)
		}
	}
	return nil, false
}

func (c *Cascade) buildResult(req Request, cand Candidate, verdict *Verdict, url, title, snippet string, flagged bool) *models.CachedSearchResult {
	return &models.CachedSearchResult{
		Manufacturer:              req.Manufacturer,
		Model:                     req.Model,
		URL:                       url,
		Title:                     title,
		Snippet:                   snippet,
		Tier:                      int(cand.Tier),
		Category:                  verdict.Category,
		Confidence:                verdict.Confidence,
		Reasoning:                 verdict.Reasoning,
		RequiresHumanVerification: flagged,
		ValidatedAt:               time.Now(),
	}
}

func describe(c Candidate) (url, title, snippet string) {
	switch o := c.Origin.(type) {
	case BroadHit:
		return o.URL, o.Title, o.Snippet
	case TargetedHit:
		return o.URL, o.Title, o.Snippet
	case ReasonedNote:
		return o.URL, o.Title, o.Summary
	default:
		return "", "", ""
	}
}

var ErrUnknownOrigin = errors.New("unknown candidate origin")
