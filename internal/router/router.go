package router

import (
	"sort"

	"github.com/equipkb/backend/internal/storage/models"
)

type Route string

const (
	// RouteDirect serves the single best atom verbatim.
	RouteDirect Route = "direct"
	// RouteSynthesize composes an answer from several partial atoms.
	RouteSynthesize Route = "synthesize"
	// RouteClarify asks the user to pin down the equipment first.
	RouteClarify Route = "clarify"
	// RouteResearch admits ignorance and triggers enrichment.
	RouteResearch Route = "research"
)

// Match pairs an atom with its retrieval similarity against the query.
type Match struct {
	Atom       models.KnowledgeAtom
	Similarity float64
}

// Scored returns the similarity-adjusted confidence of a match: how much the
// atom is worth for THIS query, not in general.
func (m Match) Scored() float64 {
	return m.Similarity * m.Atom.Confidence
}

// Thresholds gate the four routes. High is the direct-answer floor,
// Provisional the synthesis floor (below it we research), Clarify the minimum
// equipment-identification confidence before a machine-read model is trusted,
// MinMatch the retrieval similarity floor.
type Thresholds struct {
	High        float64
	Provisional float64
	Clarify     float64
	MinMatch    float64
}

// Query carries the question plus the equipment identity. IdentityConfidence
// is how sure the identification step was about Manufacturer/Model; zero means
// the caller typed them in directly.
type Query struct {
	Text               string
	Manufacturer       string
	Model              string
	IdentityConfidence float64
}

type Decision struct {
	Route      Route
	Confidence float64
	Matches    []Match
	Reason     string
}

// Decide routes a query from its retrieval evidence. Pure and deterministic:
// the same inputs always produce the same decision, so routing is replayable
// from the query log.
//
// The clarify check runs before any confidence gate: a strong answer for the
// wrong equipment is worse than a question back to the user.
func Decide(q Query, matches []Match, th Thresholds) Decision {
	usable := usableMatches(matches, th.MinMatch)

	if len(usable) == 0 {
		return Decision{
			Route:      RouteResearch,
			Confidence: 0,
			Reason:     "no knowledge atoms matched",
		}
	}

	if !identityTrusted(q, th) && spansMultipleModels(usable) {
		return Decision{
			Route:      RouteClarify,
			Confidence: usable[0].Scored(),
			Matches:    usable,
			Reason:     "matches span multiple models and the equipment identity is uncertain",
		}
	}

	best := usable[0].Scored()

	switch {
	case best >= th.High:
		return Decision{
			Route:      RouteDirect,
			Confidence: best,
			Matches:    usable[:1],
			Reason:     "top atom clears the direct-answer threshold",
		}
	case best >= th.Provisional:
		return Decision{
			Route:      RouteSynthesize,
			Confidence: best,
			Matches:    usable,
			Reason:     "partial evidence, composing from fragments",
		}
	default:
		return Decision{
			Route:      RouteResearch,
			Confidence: best,
			Matches:    usable,
			Reason:     "evidence too weak to answer",
		}
	}
}

// usableMatches drops matches below the similarity floor and superseded
// atoms, then orders the rest by similarity-adjusted confidence.
func usableMatches(matches []Match, minMatch float64) []Match {
	usable := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < minMatch {
			continue
		}
		if m.Atom.SupersededBy != "" {
			continue
		}
		usable = append(usable, m)
	}

	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Scored() > usable[j].Scored()
	})
	return usable
}

// identityTrusted reports whether the query pins down one piece of equipment:
// a model must be named, and a machine-read identification must clear the
// clarify threshold. A shaky identification is never silently trusted.
func identityTrusted(q Query, th Thresholds) bool {
	if q.Model == "" {
		return false
	}
	return q.IdentityConfidence == 0 || q.IdentityConfidence >= th.Clarify
}

func spansMultipleModels(matches []Match) bool {
	first := matches[0].Atom.Manufacturer + "|" + matches[0].Atom.Model
	for _, m := range matches[1:] {
		if m.Atom.Manufacturer+"|"+m.Atom.Model != first {
			return true
		}
	}
	return false
}
