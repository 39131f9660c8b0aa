package milvus

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/equipkb/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// AtomVector is the indexed projection of a KnowledgeAtom: the embedding plus
// the scoping fields the router filters on.
type AtomVector struct {
	AtomID       string
	Embedding    []float32
	Manufacturer string
	Model        string
	Kind         string
	CreatedAt    time.Time
}

type Match struct {
	AtomID       string
	Manufacturer string
	Model        string
	Kind         string
	Score        float32
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Knowledge atom embeddings",
		Fields: []*entity.Field{
			{
				Name:       "atom_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", m.vectorDim)},
			},
			{
				Name:       "manufacturer",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "model",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "kind",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "32"},
			},
			{
				Name:     "created_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

func (m *Client) Insert(ctx context.Context, vectors []AtomVector) error {
	if len(vectors) == 0 {
		return nil
	}

	atomIDs := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))
	manufacturers := make([]string, len(vectors))
	modelNames := make([]string, len(vectors))
	kinds := make([]string, len(vectors))
	createdAts := make([]int64, len(vectors))

	for i, v := range vectors {
		atomIDs[i] = v.AtomID
		embeddings[i] = v.Embedding
		manufacturers[i] = v.Manufacturer
		modelNames[i] = v.Model
		kinds[i] = v.Kind
		createdAts[i] = v.CreatedAt.Unix()
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("atom_id", atomIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("manufacturer", manufacturers),
		entity.NewColumnVarChar("model", modelNames),
		entity.NewColumnVarChar("kind", kinds),
		entity.NewColumnInt64("created_at", createdAts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert atom vectors: %w", err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Atom vectors inserted", zap.Int("count", len(vectors)))
	return nil
}

// Search returns the nearest atoms to the query embedding, optionally scoped
// to a manufacturer and model.
func (m *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, manufacturer, model string) ([]Match, error) {
	expr := ""
	if manufacturer != "" {
		expr = fmt.Sprintf(`manufacturer == "%s"`, manufacturer)
	}
	if model != "" {
		if expr != "" {
			expr += " && "
		}
		expr += fmt.Sprintf(`model == "%s"`, model)
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"atom_id", "manufacturer", "model", "kind"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	matches := make([]Match, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			atomID, _ := sr.Fields.GetColumn("atom_id").Get(i)
			mfr, _ := sr.Fields.GetColumn("manufacturer").Get(i)
			mdl, _ := sr.Fields.GetColumn("model").Get(i)
			kind, _ := sr.Fields.GetColumn("kind").Get(i)

			matches = append(matches, Match{
				AtomID:       atomID.(string),
				Manufacturer: mfr.(string),
				Model:        mdl.(string),
				Kind:         kind.(string),
				Score:        sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(matches)),
		zap.String("filter", expr),
	)
	return matches, nil
}
