package family

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	graph "github.com/equipkb/backend/internal/graph/neo4j"
	"github.com/equipkb/backend/internal/llm"
	"github.com/equipkb/backend/internal/storage/models"
)

type fakeGuesser struct {
	guess *llm.FamilyGuess
	err   error
}

func (f *fakeGuesser) InferFamily(_ context.Context, _, _ string) (*llm.FamilyGuess, error) {
	return f.guess, f.err
}

type fakeGraph struct {
	families  []*graph.FamilyNode
	members   map[string][]string
	memberErr error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{members: make(map[string][]string)}
}

func (f *fakeGraph) MergeFamily(_ context.Context, fam *graph.FamilyNode) error {
	f.families = append(f.families, fam)
	return nil
}

func (f *fakeGraph) AddMember(_ context.Context, _, familyName, model string) error {
	if f.memberErr != nil {
		return f.memberErr
	}
	f.members[familyName] = append(f.members[familyName], model)
	return nil
}

func (f *fakeGraph) CountMembers(_ context.Context, _, familyName string) (int, error) {
	return len(f.members[familyName]), nil
}

type fakeStore struct {
	upserted *models.ProductFamily
}

func (f *fakeStore) UpsertFamily(_ context.Context, fam *models.ProductFamily) (*models.ProductFamily, error) {
	f.upserted = fam
	out := *fam
	return &out, nil
}

func TestDiscoverUsesInferredFamily(t *testing.T) {
	guesser := &fakeGuesser{guess: &llm.FamilyGuess{
		Name:    "X2 Series",
		Pattern: "X2*",
		Members: []string{"X200", "X210", "X220"},
	}}
	g := newFakeGraph()
	store := &fakeStore{}

	d := NewDiscoverer(guesser, g, store, time.Second)
	fam, members, err := d.Discover(context.Background(), "Acme", "X200")

	require.NoError(t, err)
	assert.Equal(t, "X2 Series", fam.Name)
	assert.Equal(t, "X2*", fam.MatchPattern)
	assert.ElementsMatch(t, []string{"X200", "X210", "X220"}, members, "seed model deduped against guess members")
	assert.Equal(t, 3, fam.MemberCount)
	require.Len(t, g.families, 1)
	assert.Equal(t, "X2*", g.families[0].MatchPattern)
}

func TestDiscoverFallsBackWhenInferenceFails(t *testing.T) {
	guesser := &fakeGuesser{err: errors.New("llm unavailable")}
	g := newFakeGraph()
	store := &fakeStore{}

	d := NewDiscoverer(guesser, g, store, time.Second)
	fam, members, err := d.Discover(context.Background(), "Acme", "X200B")

	require.NoError(t, err, "inference failure must degrade, not error")
	assert.Equal(t, "X200*", fam.MatchPattern)
	assert.Equal(t, "X200 series", fam.Name)
	assert.Equal(t, []string{"X200B"}, members)
	assert.Equal(t, 1, fam.MemberCount)
}

func TestDiscoverToleratesPartialMembership(t *testing.T) {
	guesser := &fakeGuesser{guess: &llm.FamilyGuess{
		Name:    "X2 Series",
		Pattern: "X2*",
		Members: []string{"X200", "X210"},
	}}
	g := newFakeGraph()
	g.memberErr = errors.New("graph write failed")
	store := &fakeStore{}

	d := NewDiscoverer(guesser, g, store, time.Second)
	fam, members, err := d.Discover(context.Background(), "Acme", "X200")

	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Equal(t, 2, fam.MemberCount, "member count falls back to the inferred list")
}

func TestDiscoverRejectsMalformedPattern(t *testing.T) {
	guesser := &fakeGuesser{guess: &llm.FamilyGuess{
		Name:    "X2 Series",
		Pattern: "X2* OR 1=1*",
		Members: []string{"X200"},
	}}
	g := newFakeGraph()
	store := &fakeStore{}

	d := NewDiscoverer(guesser, g, store, time.Second)
	fam, _, err := d.Discover(context.Background(), "Acme", "X200")

	require.NoError(t, err)
	assert.Equal(t, "X200*", fam.MatchPattern, "multi-wildcard pattern replaced by derived prefix")
}

func TestPatternFromModel(t *testing.T) {
	cases := map[string]string{
		"X200":    "X200*",
		"X200B":   "X200*",
		"X200-DX": "X200*",
		"HPU55C":  "HPU55*",
		"Alpha":   "Alpha*",
		"":        "*",
	}
	for model, want := range cases {
		assert.Equal(t, want, PatternFromModel(model), "model %q", model)
	}
}

func TestMatchesPattern(t *testing.T) {
	assert.True(t, MatchesPattern("X200*", "X200"))
	assert.True(t, MatchesPattern("X200*", "x200-dx"))
	assert.False(t, MatchesPattern("X200*", "X2"))
	assert.False(t, MatchesPattern("X200*", "Y200"))
	assert.True(t, MatchesPattern("X200", "x200"))
	assert.False(t, MatchesPattern("X200", "X200B"))
}
