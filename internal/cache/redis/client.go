package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetSearchResult caches a validated manufacturer/model -> source mapping for
// the freshness window. Callers must never cache results below the discard
// threshold; provisional results are stored with their verification flag
// intact so the router can see it.
func (c *Client) SetSearchResult(ctx context.Context, result *models.CachedSearchResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal search result: %w", err)
	}

	key := searchKey(result.Manufacturer, result.Model)
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set search result cache: %w", err)
	}

	logger.Debug("Search result cached",
		zap.String("key", key),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("requires_verification", result.RequiresHumanVerification),
	)
	return nil
}

func (c *Client) GetSearchResult(ctx context.Context, manufacturer, model string) (*models.CachedSearchResult, bool, error) {
	data, err := c.client.Get(ctx, searchKey(manufacturer, model)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get search result cache: %w", err)
	}

	var result models.CachedSearchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal search result: %w", err)
	}

	logger.Debug("Search result cache hit", zap.String("manufacturer", manufacturer), zap.String("model", model))
	return &result, true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, "embedding:"+textHash, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, "embedding:"+textHash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, true, nil
}

func (c *Client) InvalidateSearchResults(ctx context.Context, manufacturer string) error {
	iter := c.client.Scan(ctx, 0, searchKey(manufacturer, "*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	return nil
}

func searchKey(manufacturer, model string) string {
	return fmt.Sprintf("source:%s:%s",
		strings.ToLower(strings.TrimSpace(manufacturer)),
		strings.ToLower(strings.TrimSpace(model)))
}
