package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/storage/models"
	"github.com/course-advisor/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

// OpenReadOnly opens an existing database without creating it or its tables.
// A missing or unreadable file is an error.
func OpenReadOnly(dbPath string) (*Client, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", dbPath, err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var check string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil {
		db.Close()
		return nil, fmt.Errorf("database %s is unreadable: %w", dbPath, err)
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("database %s failed integrity check: %s", dbPath, check)
	}

	logger.Info("SQLite client opened read-only", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS course_embeddings (
		unique_id TEXT PRIMARY KEY,
		dim INTEGER NOT NULL,
		vector BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retrieval_log (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		filters TEXT,
		outcome TEXT NOT NULL,
		filtered_count INTEGER NOT NULL,
		total_count INTEGER NOT NULL,
		course_ids TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retrieval_session ON retrieval_log(session_id);
	CREATE INDEX IF NOT EXISTS idx_retrieval_created ON retrieval_log(created_at);

	CREATE TABLE IF NOT EXISTS turn_log (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		grounded INTEGER NOT NULL DEFAULT 0,
		model TEXT,
		input_tokens INTEGER,
		output_tokens INTEGER,
		cost_usd REAL,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_session ON turn_log(session_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// UpsertEmbeddings writes all vectors in one transaction.
func (c *Client) UpsertEmbeddings(ctx context.Context, embeddings []catalog.Embedding) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO course_embeddings (unique_id, dim, vector, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET
			dim = excluded.dim,
			vector = excluded.vector,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare embedding upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, e := range embeddings {
		if _, err := stmt.ExecContext(ctx, e.CourseID, len(e.Vector), EncodeVector(e.Vector), now); err != nil {
			return fmt.Errorf("failed to upsert embedding %s: %w", e.CourseID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit embeddings: %w", err)
	}

	logger.Debug("Embeddings upserted", zap.Int("count", len(embeddings)))
	return nil
}

// ReadEmbeddings returns every stored vector ordered by course id.
func (c *Client) ReadEmbeddings(ctx context.Context) ([]catalog.Embedding, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT unique_id, dim, vector FROM course_embeddings ORDER BY unique_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}
	defer rows.Close()

	var out []catalog.Embedding
	for rows.Next() {
		var (
			id   string
			dim  int
			blob []byte
		)
		if err := rows.Scan(&id, &dim, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("embedding %s: %w", id, err)
		}
		if len(vec) != dim {
			return nil, fmt.Errorf("embedding %s: blob holds %d values, dim column says %d", id, len(vec), dim)
		}
		out = append(out, catalog.Embedding{CourseID: id, Vector: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embeddings: %w", err)
	}

	return out, nil
}

func (c *Client) CountEmbeddings(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM course_embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

func (c *Client) InsertRetrieval(ctx context.Context, record *models.RetrievalRecord) error {
	courseIDs, err := json.Marshal(record.CourseIDs)
	if err != nil {
		return fmt.Errorf("failed to encode course ids: %w", err)
	}

	query := `
		INSERT INTO retrieval_log (id, session_id, query_text, filters, outcome, filtered_count,
			total_count, course_ids, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = c.db.ExecContext(ctx,
		query,
		record.ID,
		record.SessionID,
		record.QueryText,
		record.Filters,
		record.Outcome,
		record.FilteredCount,
		record.TotalCount,
		string(courseIDs),
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert retrieval record: %w", err)
	}

	logger.Debug("Retrieval recorded",
		zap.String("retrieval_id", record.ID),
		zap.String("session_id", record.SessionID),
		zap.String("outcome", record.Outcome),
	)
	return nil
}

func (c *Client) GetRetrievals(ctx context.Context, sessionID string, limit int) ([]models.RetrievalRecord, error) {
	query := `
		SELECT id, session_id, query_text, filters, outcome, filtered_count, total_count,
			course_ids, latency_ms, created_at
		FROM retrieval_log
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get retrievals: %w", err)
	}
	defer rows.Close()

	var records []models.RetrievalRecord
	for rows.Next() {
		var (
			r         models.RetrievalRecord
			courseIDs string
			createdAt int64
		)
		err := rows.Scan(&r.ID, &r.SessionID, &r.QueryText, &r.Filters, &r.Outcome,
			&r.FilteredCount, &r.TotalCount, &courseIDs, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if err := json.Unmarshal([]byte(courseIDs), &r.CourseIDs); err != nil {
			return nil, fmt.Errorf("failed to decode course ids: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) InsertTurn(ctx context.Context, record *models.TurnRecord) error {
	query := `
		INSERT INTO turn_log (id, session_id, grounded, model, input_tokens, output_tokens,
			cost_usd, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	grounded := 0
	if record.Grounded {
		grounded = 1
	}

	_, err := c.db.ExecContext(ctx,
		query,
		record.ID,
		record.SessionID,
		grounded,
		record.Model,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn record: %w", err)
	}

	return nil
}

// SessionUsage sums the reported tokens of a session's turns. Turns without
// usage are counted separately rather than as zero.
func (c *Client) SessionUsage(ctx context.Context, sessionID string) (input, output, unreported int, err error) {
	query := `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(CASE WHEN input_tokens IS NULL THEN 1 ELSE 0 END), 0)
		FROM turn_log WHERE session_id = ?
	`
	err = c.db.QueryRowContext(ctx, query, sessionID).Scan(&input, &output, &unreported)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to sum session usage: %w", err)
	}
	return input, output, unreported, nil
}
