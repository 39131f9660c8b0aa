package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/equipkb/backend/pkg/circuitbreaker"
	"github.com/equipkb/backend/pkg/logger"
	"github.com/equipkb/backend/pkg/retry"
)

// Client maintains the product-family graph:
// (Manufacturer)-[:HAS_FAMILY]->(Family)-[:HAS_MEMBER]->(Model).
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type FamilyNode struct {
	Manufacturer string
	Name         string
	MatchPattern string
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// MergeFamily upserts a family node under its manufacturer. Idempotent on
// (manufacturer, family name).
func (c *Client) MergeFamily(ctx context.Context, family *FamilyNode) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (m:Manufacturer {name: $manufacturer})
			MERGE (m)-[:HAS_FAMILY]->(f:Family {name: $name, manufacturer: $manufacturer})
			SET f.match_pattern = $pattern,
			    f.updated_at = timestamp()
		`

		_, err := session.Run(ctx, query, map[string]interface{}{
			"manufacturer": family.Manufacturer,
			"name":         family.Name,
			"pattern":      family.MatchPattern,
		})
		if err != nil {
			return fmt.Errorf("failed to merge family: %w", err)
		}

		logger.Debug("Family merged",
			zap.String("manufacturer", family.Manufacturer),
			zap.String("family", family.Name),
		)
		return nil
	})
}

// AddMember attaches a model to a family. MERGE keeps re-discovery idempotent.
func (c *Client) AddMember(ctx context.Context, manufacturer, familyName, model string) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (f:Family {name: $family, manufacturer: $manufacturer})
			MERGE (mo:Model {name: $model, manufacturer: $manufacturer})
			MERGE (f)-[:HAS_MEMBER]->(mo)
		`

		_, err := session.Run(ctx, query, map[string]interface{}{
			"manufacturer": manufacturer,
			"family":       familyName,
			"model":        model,
		})
		if err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
		return nil
	})
}

// ListMembers returns the known models of a family.
func (c *Client) ListMembers(ctx context.Context, manufacturer, familyName string) ([]string, error) {
	var members []string

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (f:Family {name: $family, manufacturer: $manufacturer})-[:HAS_MEMBER]->(mo:Model)
			RETURN mo.name AS name
			ORDER BY mo.name
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"manufacturer": manufacturer,
			"family":       familyName,
		})
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}

		members = members[:0]
		for result.Next(ctx) {
			if name, ok := result.Record().Get("name"); ok {
				if s, ok := name.(string); ok {
					members = append(members, s)
				}
			}
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	return members, nil
}

// CountMembers recomputes member_count directly from the graph.
func (c *Client) CountMembers(ctx context.Context, manufacturer, familyName string) (int, error) {
	var count int

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (f:Family {name: $family, manufacturer: $manufacturer})-[:HAS_MEMBER]->(mo:Model)
			RETURN count(mo) AS c
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"manufacturer": manufacturer,
			"family":       familyName,
		})
		if err != nil {
			return fmt.Errorf("failed to count members: %w", err)
		}

		if result.Next(ctx) {
			if v, ok := result.Record().Get("c"); ok {
				if n, ok := v.(int64); ok {
					count = int(n)
				}
			}
		}
		return result.Err()
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// FamiliesForModel finds families whose pattern could cover the given model,
// used to attribute newly created atoms back to a family.
func (c *Client) FamiliesForModel(ctx context.Context, manufacturer, model string) ([]FamilyNode, error) {
	var families []FamilyNode

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (f:Family {manufacturer: $manufacturer})-[:HAS_MEMBER]->(mo:Model {name: $model})
			RETURN f.name AS name, f.match_pattern AS pattern
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"manufacturer": manufacturer,
			"model":        model,
		})
		if err != nil {
			return fmt.Errorf("failed to find families: %w", err)
		}

		families = families[:0]
		for result.Next(ctx) {
			record := result.Record()
			name, _ := record.Get("name")
			pattern, _ := record.Get("pattern")

			node := FamilyNode{Manufacturer: manufacturer}
			if s, ok := name.(string); ok {
				node.Name = s
			}
			if s, ok := pattern.(string); ok {
				node.MatchPattern = s
			}
			families = append(families, node)
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	return families, nil
}
