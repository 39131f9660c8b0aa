package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_atoms (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		manufacturer TEXT,
		model TEXT,
		equipment_type TEXT,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		source_ref TEXT,
		confidence REAL NOT NULL,
		human_verified INTEGER NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		enrichment_source TEXT NOT NULL,
		superseded_by TEXT,
		created_at INTEGER NOT NULL,
		last_verified_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_atoms_mfr_model ON knowledge_atoms(manufacturer, model);
	CREATE INDEX IF NOT EXISTS idx_atoms_kind ON knowledge_atoms(kind);

	CREATE TABLE IF NOT EXISTS knowledge_gaps (
		id TEXT PRIMARY KEY,
		query_normalized TEXT NOT NULL,
		manufacturer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL,
		occurrence_count INTEGER NOT NULL DEFAULT 1,
		priority REAL NOT NULL DEFAULT 0,
		research_status TEXT NOT NULL DEFAULT 'pending',
		resolved_atom_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_gaps_pending
		ON knowledge_gaps(query_normalized, manufacturer, model)
		WHERE research_status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_gaps_status ON knowledge_gaps(research_status);

	CREATE TABLE IF NOT EXISTS product_families (
		id TEXT PRIMARY KEY,
		manufacturer TEXT NOT NULL,
		name TEXT NOT NULL,
		match_pattern TEXT NOT NULL,
		member_count INTEGER NOT NULL DEFAULT 0,
		indexed_count INTEGER NOT NULL DEFAULT 0,
		is_complete INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(manufacturer, name)
	);

	CREATE TABLE IF NOT EXISTS enrichment_jobs (
		id TEXT PRIMARY KEY,
		gap_id TEXT,
		manufacturer TEXT NOT NULL,
		model_pattern TEXT NOT NULL,
		priority REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		user_query_count INTEGER NOT NULL DEFAULT 1,
		worker_id TEXT,
		atoms_created INTEGER NOT NULL DEFAULT 0,
		members_found INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_pending
		ON enrichment_jobs(manufacturer, model_pattern)
		WHERE status IN ('pending', 'processing');
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON enrichment_jobs(status, priority, created_at);

	CREATE TABLE IF NOT EXISTS source_fingerprints (
		hash TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		first_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worker_heartbeats (
		worker_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		current_job_id TEXT,
		jobs_processed INTEGER NOT NULL DEFAULT 0,
		jobs_failed INTEGER NOT NULL DEFAULT 0,
		last_heartbeat INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS query_outcomes (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		manufacturer TEXT,
		model TEXT,
		route TEXT NOT NULL,
		confidence REAL,
		atoms_matched INTEGER,
		gap_id TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_created ON query_outcomes(created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertAtom(ctx context.Context, atom *models.KnowledgeAtom) error {
	query := `
		INSERT INTO knowledge_atoms (id, kind, manufacturer, model, equipment_type, title, body,
			source_ref, confidence, human_verified, usage_count, enrichment_source, created_at, last_verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var verifiedAt interface{}
	if atom.LastVerifiedAt != nil {
		verifiedAt = atom.LastVerifiedAt.Unix()
	}

	_, err := c.db.ExecContext(ctx, query,
		atom.ID,
		string(atom.Kind),
		atom.Manufacturer,
		atom.Model,
		atom.EquipmentType,
		atom.Title,
		atom.Body,
		atom.SourceRef,
		atom.Confidence,
		boolToInt(atom.HumanVerified),
		atom.UsageCount,
		string(atom.EnrichmentSource),
		atom.CreatedAt.Unix(),
		verifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert atom: %w", err)
	}

	logger.Debug("Atom inserted",
		zap.String("atom_id", atom.ID),
		zap.String("kind", string(atom.Kind)),
		zap.Float64("confidence", atom.Confidence),
	)
	return nil
}

func (c *Client) GetAtom(ctx context.Context, id string) (*models.KnowledgeAtom, error) {
	query := `
		SELECT id, kind, manufacturer, model, equipment_type, title, body, source_ref,
			confidence, human_verified, usage_count, enrichment_source,
			COALESCE(superseded_by, ''), created_at, last_verified_at
		FROM knowledge_atoms WHERE id = ?
	`

	atom, err := scanAtom(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get atom: %w", err)
	}
	return atom, nil
}

func (c *Client) GetAtoms(ctx context.Context, ids []string) ([]models.KnowledgeAtom, error) {
	atoms := make([]models.KnowledgeAtom, 0, len(ids))
	for _, id := range ids {
		atom, err := c.GetAtom(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, *atom)
	}
	return atoms, nil
}

// IncrementAtomUsage is a plain counter bump; exact precision is not
// safety-critical so no read-modify-write transaction is needed.
func (c *Client) IncrementAtomUsage(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE knowledge_atoms SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// PromoteAtom marks an atom human-verified and lifts its confidence to the
// given value. Atoms created from unverified cascade results stay below the
// verification threshold until promoted here.
func (c *Client) PromoteAtom(ctx context.Context, id string, confidence float64) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE knowledge_atoms
		SET human_verified = 1, confidence = ?, last_verified_at = ?
		WHERE id = ?`,
		confidence, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to promote atom: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	logger.Info("Atom promoted", zap.String("atom_id", id), zap.Float64("confidence", confidence))
	return nil
}

// SupersedeAtom links an old atom to its verified replacement. Atoms are
// never deleted.
func (c *Client) SupersedeAtom(ctx context.Context, oldID, newID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE knowledge_atoms SET superseded_by = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to supersede atom: %w", err)
	}
	return nil
}

// UpsertGap creates a pending gap or, when the same (query, manufacturer,
// model) gap is already pending, increments its occurrence count and refreshes
// the achieved confidence. Returns the current row either way.
func (c *Client) UpsertGap(ctx context.Context, gap *models.KnowledgeGap) (*models.KnowledgeGap, error) {
	now := time.Now().Unix()

	query := `
		INSERT INTO knowledge_gaps (id, query_normalized, manufacturer, model, confidence,
			occurrence_count, priority, research_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, 'pending', ?, ?)
		ON CONFLICT(query_normalized, manufacturer, model) WHERE research_status = 'pending'
		DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		gap.ID, gap.QueryNormalized, gap.Manufacturer, gap.Model,
		gap.Confidence, gap.Priority, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert gap: %w", err)
	}

	return c.getPendingGap(ctx, gap.QueryNormalized, gap.Manufacturer, gap.Model)
}

func (c *Client) getPendingGap(ctx context.Context, queryNorm, manufacturer, model string) (*models.KnowledgeGap, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, query_normalized, manufacturer, model, confidence, occurrence_count,
			priority, research_status, COALESCE(resolved_atom_id, ''), created_at, updated_at
		FROM knowledge_gaps
		WHERE query_normalized = ? AND manufacturer = ? AND model = ? AND research_status = 'pending'`,
		queryNorm, manufacturer, model)

	gap, err := scanGap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending gap: %w", err)
	}
	return gap, nil
}

func (c *Client) GetGap(ctx context.Context, id string) (*models.KnowledgeGap, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, query_normalized, manufacturer, model, confidence, occurrence_count,
			priority, research_status, COALESCE(resolved_atom_id, ''), created_at, updated_at
		FROM knowledge_gaps WHERE id = ?`, id)

	gap, err := scanGap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gap: %w", err)
	}
	return gap, nil
}

func (c *Client) SetGapPriority(ctx context.Context, id string, priority float64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE knowledge_gaps SET priority = ?, updated_at = ? WHERE id = ?`,
		priority, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set gap priority: %w", err)
	}
	return nil
}

func (c *Client) SetGapStatus(ctx context.Context, id string, status models.GapStatus, resolvedAtomID string) error {
	var atomID interface{}
	if resolvedAtomID != "" {
		atomID = resolvedAtomID
	}

	_, err := c.db.ExecContext(ctx, `
		UPDATE knowledge_gaps SET research_status = ?, resolved_atom_id = ?, updated_at = ? WHERE id = ?`,
		string(status), atomID, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set gap status: %w", err)
	}
	return nil
}

func (c *Client) ListGaps(ctx context.Context, status models.GapStatus, limit int) ([]models.KnowledgeGap, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_normalized, manufacturer, model, confidence, occurrence_count,
			priority, research_status, COALESCE(resolved_atom_id, ''), created_at, updated_at
		FROM knowledge_gaps
		WHERE research_status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list gaps: %w", err)
	}
	defer rows.Close()

	var gaps []models.KnowledgeGap
	for rows.Next() {
		gap, err := scanGap(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gap: %w", err)
		}
		gaps = append(gaps, *gap)
	}
	return gaps, rows.Err()
}

// UpsertFamily is idempotent on (manufacturer, name): re-discovery updates the
// pattern and member count rather than inserting a duplicate.
func (c *Client) UpsertFamily(ctx context.Context, family *models.ProductFamily) (*models.ProductFamily, error) {
	now := time.Now().Unix()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO product_families (id, manufacturer, name, match_pattern, member_count,
			indexed_count, is_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(manufacturer, name) DO UPDATE SET
			match_pattern = excluded.match_pattern,
			member_count = MAX(member_count, excluded.member_count),
			updated_at = excluded.updated_at`,
		family.ID, family.Manufacturer, family.Name, family.MatchPattern,
		family.MemberCount, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert family: %w", err)
	}

	return c.GetFamily(ctx, family.Manufacturer, family.Name)
}

func (c *Client) GetFamily(ctx context.Context, manufacturer, name string) (*models.ProductFamily, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, manufacturer, name, match_pattern, member_count, indexed_count,
			is_complete, created_at, updated_at
		FROM product_families WHERE manufacturer = ? AND name = ?`,
		manufacturer, name)

	var f models.ProductFamily
	var isComplete int
	var createdAt, updatedAt int64

	err := row.Scan(&f.ID, &f.Manufacturer, &f.Name, &f.MatchPattern,
		&f.MemberCount, &f.IndexedCount, &isComplete, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get family: %w", err)
	}

	f.IsComplete = isComplete == 1
	f.CreatedAt = time.Unix(createdAt, 0)
	f.UpdatedAt = time.Unix(updatedAt, 0)
	return &f, nil
}

// RecountFamilyIndexed recomputes indexed_count from the atoms attributed to
// the family's match pattern, clamped to member_count, and refreshes
// is_complete. Triggered whenever an atom is attributed to the family.
func (c *Client) RecountFamilyIndexed(ctx context.Context, familyID string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE product_families
		SET indexed_count = MIN(member_count, (
			SELECT COUNT(DISTINCT a.model) FROM knowledge_atoms a
			WHERE a.manufacturer = product_families.manufacturer
			  AND a.model LIKE REPLACE(product_families.match_pattern, '*', '%')
		)),
		is_complete = CASE WHEN member_count > 0 AND (
			SELECT COUNT(DISTINCT a.model) FROM knowledge_atoms a
			WHERE a.manufacturer = product_families.manufacturer
			  AND a.model LIKE REPLACE(product_families.match_pattern, '*', '%')
		) >= member_count THEN 1 ELSE 0 END,
		updated_at = ?
		WHERE id = ?`,
		time.Now().Unix(), familyID)
	if err != nil {
		return fmt.Errorf("failed to recount family: %w", err)
	}
	return nil
}

// InsertFingerprint records a source's content identity. Write-once: an
// already-seen fingerprint returns seen=true and changes nothing.
func (c *Client) InsertFingerprint(ctx context.Context, fp *models.SourceFingerprint) (seen bool, err error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO source_fingerprints (hash, url, first_seen) VALUES (?, ?, ?)`,
		fp.Hash, fp.URL, fp.FirstSeen.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert fingerprint: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 0, nil
}

func (c *Client) HasFingerprint(ctx context.Context, hash string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM source_fingerprints WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	return true, nil
}

func (c *Client) UpsertHeartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, status, current_job_id, jobs_processed, jobs_failed, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			status = excluded.status,
			current_job_id = excluded.current_job_id,
			jobs_processed = excluded.jobs_processed,
			jobs_failed = excluded.jobs_failed,
			last_heartbeat = excluded.last_heartbeat`,
		hb.WorkerID, string(hb.Status), hb.CurrentJobID,
		hb.JobsProcessed, hb.JobsFailed, hb.LastHeartbeat.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

func (c *Client) ListHeartbeats(ctx context.Context) ([]models.WorkerHeartbeat, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT worker_id, status, COALESCE(current_job_id, ''), jobs_processed, jobs_failed, last_heartbeat
		FROM worker_heartbeats ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var hbs []models.WorkerHeartbeat
	for rows.Next() {
		var hb models.WorkerHeartbeat
		var status string
		var last int64
		if err := rows.Scan(&hb.WorkerID, &status, &hb.CurrentJobID,
			&hb.JobsProcessed, &hb.JobsFailed, &last); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		hb.Status = models.WorkerStatus(status)
		hb.LastHeartbeat = time.Unix(last, 0)
		hbs = append(hbs, hb)
	}
	return hbs, rows.Err()
}

func (c *Client) InsertQueryOutcome(ctx context.Context, o *models.QueryOutcome) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO query_outcomes (id, query_text, manufacturer, model, route, confidence,
			atoms_matched, gap_id, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.QueryText, o.Manufacturer, o.Model, o.Route, o.Confidence,
		o.AtomsMatched, o.GapID, o.LatencyMS, o.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert query outcome: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAtom(row rowScanner) (*models.KnowledgeAtom, error) {
	var a models.KnowledgeAtom
	var kind, source string
	var humanVerified int
	var createdAt int64
	var verifiedAt sql.NullInt64

	err := row.Scan(&a.ID, &kind, &a.Manufacturer, &a.Model, &a.EquipmentType,
		&a.Title, &a.Body, &a.SourceRef, &a.Confidence, &humanVerified,
		&a.UsageCount, &source, &a.SupersededBy, &createdAt, &verifiedAt)
	if err != nil {
		return nil, err
	}

	a.Kind = models.AtomKind(kind)
	a.EnrichmentSource = models.EnrichmentSource(source)
	a.HumanVerified = humanVerified == 1
	a.CreatedAt = time.Unix(createdAt, 0)
	if verifiedAt.Valid {
		t := time.Unix(verifiedAt.Int64, 0)
		a.LastVerifiedAt = &t
	}
	return &a, nil
}

func scanGap(row rowScanner) (*models.KnowledgeGap, error) {
	var g models.KnowledgeGap
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(&g.ID, &g.QueryNormalized, &g.Manufacturer, &g.Model,
		&g.Confidence, &g.OccurrenceCount, &g.Priority, &status,
		&g.ResolvedAtomID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	g.ResearchStatus = models.GapStatus(status)
	g.CreatedAt = time.Unix(createdAt, 0)
	g.UpdatedAt = time.Unix(updatedAt, 0)
	return &g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
