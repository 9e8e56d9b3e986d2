package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	pgvector "github.com/pgvector/pgvector-go"
)

// PgVectorIndex keeps one table per namespace; rows from all sessions
// share the table and queries filter on the session column.
type PgVectorIndex struct {
	conn    *pgx.Conn
	table   string
	session string
	dim     int
}

func newPgVectorIndex(sessionID, namespace string, dim int) (*PgVectorIndex, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := envOr("POSTGRES_HOST", "localhost")
		port := envOr("POSTGRES_PORT", "5432")
		user := envOr("POSTGRES_USER", "postgres")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := envOr("POSTGRES_DB", "videorag")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, db)
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("enable pgvector extension: %w", err)
	}
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("register pgvector types: %w", err)
	}

	idx := &PgVectorIndex{
		conn:    conn,
		table:   "videorag_" + namespace,
		session: sessionID,
		dim:     dim,
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL,
		session TEXT NOT NULL,
		metadata JSONB,
		embedding vector(%d),
		PRIMARY KEY (session, id)
	)`, idx.table, dim)
	if _, err := conn.Exec(ctx, ddl); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("create table %s: %w", idx.table, err)
	}
	return idx, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (p *PgVectorIndex) Upsert(id string, vec []float32, meta map[string]string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, session, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session, id) DO UPDATE SET metadata = $3, embedding = $4`, p.table)
	_, err = p.conn.Exec(context.Background(), sql, id, p.session, metaJSON, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("pgvector upsert: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) Query(vec []float32, topK int) ([]ScoredID, error) {
	if topK <= 0 {
		topK = 5
	}
	sql := fmt.Sprintf(`SELECT id, metadata, 1 - (embedding <=> $1) AS score
		FROM %s WHERE session = $2
		ORDER BY embedding <=> $1 LIMIT $3`, p.table)
	rows, err := p.conn.Query(context.Background(), sql, pgvector.NewVector(vec), p.session, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}
	defer rows.Close()

	var hits []ScoredID
	for rows.Next() {
		var id string
		var metaJSON []byte
		var score float64
		if err := rows.Scan(&id, &metaJSON, &score); err != nil {
			return nil, err
		}
		var meta map[string]string
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &meta)
		}
		hits = append(hits, ScoredID{ID: id, Score: score, Metadata: meta})
	}
	return hits, rows.Err()
}

func (p *PgVectorIndex) Flush() error { return nil }

func (p *PgVectorIndex) Close() error {
	return p.conn.Close(context.Background())
}
