package family

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	graph "github.com/equipkb/backend/internal/graph/neo4j"
	"github.com/equipkb/backend/internal/llm"
	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/pkg/logger"
)

// Guesser names the product family a model belongs to. The LLM client is the
// production implementation.
type Guesser interface {
	InferFamily(ctx context.Context, manufacturer, model string) (*llm.FamilyGuess, error)
}

// Graph holds the family topology; relational counts are derived from it.
type Graph interface {
	MergeFamily(ctx context.Context, family *graph.FamilyNode) error
	AddMember(ctx context.Context, manufacturer, familyName, model string) error
	CountMembers(ctx context.Context, manufacturer, familyName string) (int, error)
}

type Store interface {
	UpsertFamily(ctx context.Context, family *models.ProductFamily) (*models.ProductFamily, error)
}

// Discoverer expands one model into its product family so a single enrichment
// job can index sibling equipment proactively.
type Discoverer struct {
	guesser Guesser
	graph   Graph
	store   Store
	timeout time.Duration
}

func NewDiscoverer(guesser Guesser, g Graph, store Store, timeout time.Duration) *Discoverer {
	return &Discoverer{guesser: guesser, graph: g, store: store, timeout: timeout}
}

// Discover infers the family for a model, records it in the graph and the
// relational store, and returns the family with its known members. Inference
// is best effort: a failed or timed-out guess degrades to a single-member
// family around the seed model, never to an error.
func (d *Discoverer) Discover(ctx context.Context, manufacturer, model string) (*models.ProductFamily, []string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	name, pattern, members := d.infer(ctx, manufacturer, model)

	if err := d.graph.MergeFamily(ctx, &graph.FamilyNode{
		Manufacturer: manufacturer,
		Name:         name,
		MatchPattern: pattern,
	}); err != nil {
		return nil, nil, err
	}

	for _, member := range members {
		if err := d.graph.AddMember(ctx, manufacturer, name, member); err != nil {
			// Partial membership is acceptable; the next discovery pass
			// re-merges idempotently.
			logger.Warn("Failed to add family member",
				zap.String("family", name),
				zap.String("member", member),
				zap.Error(err),
			)
		}
	}

	memberCount, err := d.graph.CountMembers(ctx, manufacturer, name)
	if err != nil || memberCount < len(members) {
		memberCount = len(members)
	}

	fam, err := d.store.UpsertFamily(ctx, &models.ProductFamily{
		ID:           uuid.New().String(),
		Manufacturer: manufacturer,
		Name:         name,
		MatchPattern: pattern,
		MemberCount:  memberCount,
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Product family discovered",
		zap.String("manufacturer", manufacturer),
		zap.String("family", name),
		zap.String("pattern", pattern),
		zap.Int("members", len(members)),
	)
	return fam, members, nil
}

func (d *Discoverer) infer(ctx context.Context, manufacturer, model string) (name, pattern string, members []string) {
	pattern = PatternFromModel(model)
	name = strings.TrimSuffix(pattern, "*") + " series"
	members = []string{model}

	guess, err := d.guesser.InferFamily(ctx, manufacturer, model)
	if err != nil {
		logger.Warn("Family inference failed, using seed-only family",
			zap.String("manufacturer", manufacturer),
			zap.String("model", model),
			zap.Error(err),
		)
		return name, pattern, members
	}

	if guess.Name != "" {
		name = guess.Name
	}
	if validPattern(guess.Pattern) {
		pattern = guess.Pattern
	}
	members = dedupe(append([]string{model}, guess.Members...))
	return name, pattern, members
}

// PatternFromModel derives a prefix-wildcard pattern covering the model's
// likely siblings: the prefix through the first digit run, wildcarded.
// "X200B" and "X200-DX" both collapse to "X200*"; a model with no digits
// matches only itself plus suffixed variants.
func PatternFromModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "*"
	}

	end := len(model)
	inDigits := false
	for i, r := range model {
		if unicode.IsDigit(r) {
			inDigits = true
			continue
		}
		if inDigits {
			end = i
			break
		}
	}
	return model[:end] + "*"
}

// MatchesPattern reports whether a model falls under a prefix-wildcard
// pattern. Comparison is case-insensitive; a pattern without a wildcard
// requires an exact match.
func MatchesPattern(pattern, model string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return len(model) >= len(prefix) && strings.EqualFold(model[:len(prefix)], prefix)
	}
	return strings.EqualFold(pattern, model)
}

func validPattern(pattern string) bool {
	return len(pattern) > 1 && strings.HasSuffix(pattern, "*") && strings.Count(pattern, "*") == 1
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
