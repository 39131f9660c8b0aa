package cascade

import (
	"context"
	"fmt"

	"github.com/equipkb/backend/internal/llm"
	"github.com/equipkb/backend/internal/search/web"
)

// WebSearcher adapts the web search client and the LLM reasoner into the
// cascade's three tiers.
type WebSearcher struct {
	Web *web.Client
	LLM *llm.Client
}

func (s *WebSearcher) Search(ctx context.Context, tier Tier, manufacturer, model string) ([]Candidate, error) {
	switch tier {
	case Tier1:
		hits, err := s.Web.BroadSearch(ctx, manufacturer, model)
		if err != nil {
			return nil, err
		}
		candidates := make([]Candidate, 0, len(hits))
		for _, h := range hits {
			candidates = append(candidates, Candidate{
				Tier:   Tier1,
				Origin: BroadHit{Title: h.Title, URL: h.URL, Snippet: h.Snippet},
			})
		}
		return candidates, nil

	case Tier2:
		hits, err := s.Web.TargetedSearch(ctx, manufacturer, model)
		if err != nil {
			return nil, err
		}
		candidates := make([]Candidate, 0, len(hits))
		for _, h := range hits {
			candidates = append(candidates, Candidate{
				Tier:   Tier2,
				Origin: TargetedHit{Title: h.Title, URL: h.URL, Snippet: h.Snippet},
			})
		}
		return candidates, nil

	case Tier3:
		reasoned, err := s.LLM.ReasonSource(ctx, manufacturer, model)
		if err != nil {
			return nil, err
		}
		if reasoned.URL == "" {
			return nil, nil
		}
		return []Candidate{{
			Tier: Tier3,
			Origin: ReasonedNote{
				Title:           reasoned.Title,
				URL:             reasoned.URL,
				Summary:         reasoned.Summary,
				ModelConfidence: reasoned.Confidence,
			},
		}}, nil

	default:
		return nil, fmt.Errorf("%w: tier %d", ErrUnknownOrigin, tier)
	}
}

// LLMValidator scores candidates with the validation model. A tier-3 note
// already carries the reasoner's own confidence; validating it again with the
// same model would launder the number, so the note's confidence is used
// directly and capped below the unconditional-accept threshold.
type LLMValidator struct {
	LLM     *llm.Client
	HighCap float64
}

func (v *LLMValidator) Validate(ctx context.Context, c Candidate, manufacturer, model string) (*Verdict, error) {
	switch o := c.Origin.(type) {
	case BroadHit:
		val, err := v.LLM.ValidateSource(ctx, o.Title, o.URL, o.Snippet, manufacturer, model)
		if err != nil {
			return nil, err
		}
		return &Verdict{Confidence: val.Confidence, Reasoning: val.Reasoning, Category: val.Category}, nil

	case TargetedHit:
		val, err := v.LLM.ValidateSource(ctx, o.Title, o.URL, o.Snippet, manufacturer, model)
		if err != nil {
			return nil, err
		}
		return &Verdict{Confidence: val.Confidence, Reasoning: val.Reasoning, Category: val.Category}, nil

	case ReasonedNote:
		confidence := o.ModelConfidence
		if v.HighCap > 0 && confidence >= v.HighCap {
			confidence = v.HighCap - 0.01
		}
		return &Verdict{
			Confidence: confidence,
			Reasoning:  "derived from model knowledge without a verified source",
			Category:   "service_manual",
		}, nil

	default:
		return nil, ErrUnknownOrigin
	}
}
