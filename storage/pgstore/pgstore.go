// Package pgstore is the PostgreSQL storage backend. It needs the pgvector
// extension for embedding storage and cosine KNN.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ashita-ai/kioku"
)

const schema = `
CREATE TABLE IF NOT EXISTS kioku_turns (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	episode_id  TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	markers     TEXT[] NOT NULL DEFAULT '{}',
	token_count INT NOT NULL,
	position    INT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kioku_turns_episode ON kioku_turns(episode_id, position);
CREATE INDEX IF NOT EXISTS idx_kioku_turns_session ON kioku_turns(session_id, created_at);

CREATE TABLE IF NOT EXISTS kioku_episodes (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	status       TEXT NOT NULL,
	opened_at    TIMESTAMPTZ NOT NULL,
	closed_at    TIMESTAMPTZ,
	close_reason TEXT NOT NULL DEFAULT '',
	turn_count   INT NOT NULL DEFAULT 0,
	total_tokens INT NOT NULL DEFAULT 0,
	markers      TEXT[] NOT NULL DEFAULT '{}',
	turn_ids     TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_kioku_episodes_session ON kioku_episodes(session_id, opened_at DESC);

CREATE TABLE IF NOT EXISTS kioku_facts (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL,
	source_episode_ids TEXT[] NOT NULL DEFAULT '{}',
	content            TEXT NOT NULL,
	markers            TEXT[] NOT NULL DEFAULT '{}',
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	superseded_by      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	superseded_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_kioku_facts_session ON kioku_facts(session_id, status);

CREATE TABLE IF NOT EXISTS kioku_embeddings (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	episode_id TEXT NOT NULL DEFAULT '',
	markers    TEXT[] NOT NULL DEFAULT '{}',
	embedding  VECTOR NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kioku_embeddings_session ON kioku_embeddings(session_id, kind);
`

// Store is a PostgreSQL-backed kioku.Storage over a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to the database. Initialize must still be called to create
// the schema.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse DSN: %w", err)
	}
	// Best-effort pgvector type registration: before Initialize creates the
	// extension the first connections may predate it.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("pgstore: pgvector types not registered yet", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("pgstore: create vector extension: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: create schema: %w", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Store) SaveTurn(ctx context.Context, t kioku.Turn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kioku_turns (id, session_id, episode_id, role, content, markers, token_count, position, actor_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			episode_id = EXCLUDED.episode_id, markers = EXCLUDED.markers, metadata = EXCLUDED.metadata`,
		t.ID, t.SessionID, t.EpisodeID, string(t.Role), t.Content, markersArg(t.Markers),
		t.TokenCount, t.Position, t.ActorID, t.Metadata, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: save turn: %w", err)
	}
	return nil
}

func (s *Store) GetTurn(ctx context.Context, id string) (kioku.Turn, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, episode_id, role, content, markers, token_count, position, actor_id, metadata, created_at
		FROM kioku_turns WHERE id = $1`, id)
	t, err := scanTurn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return kioku.Turn{}, fmt.Errorf("pgstore: turn %s: %w", id, kioku.ErrNotFound)
	}
	return t, err
}

func (s *Store) GetTurnsByEpisode(ctx context.Context, episodeID string) ([]kioku.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, episode_id, role, content, markers, token_count, position, actor_id, metadata, created_at
		FROM kioku_turns WHERE episode_id = $1 ORDER BY position`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query turns: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

func (s *Store) GetMarkedTurns(ctx context.Context, sessionID, excludeEpisodeID string) ([]kioku.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, episode_id, role, content, markers, token_count, position, actor_id, metadata, created_at
		FROM kioku_turns
		WHERE session_id = $1 AND cardinality(markers) > 0 AND episode_id != $2
		ORDER BY created_at`, sessionID, excludeEpisodeID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query marked turns: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

func (s *Store) SaveEpisode(ctx context.Context, ep kioku.Episode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kioku_episodes (id, session_id, status, opened_at, closed_at, close_reason, turn_count, total_tokens, markers, turn_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, closed_at = EXCLUDED.closed_at, close_reason = EXCLUDED.close_reason,
			turn_count = EXCLUDED.turn_count, total_tokens = EXCLUDED.total_tokens,
			markers = EXCLUDED.markers, turn_ids = EXCLUDED.turn_ids`,
		ep.ID, ep.SessionID, string(ep.Status), ep.OpenedAt, ep.ClosedAt, ep.CloseReason,
		ep.TurnCount, ep.TotalTokens, markersArg(ep.Markers), markersArg(ep.TurnIDs))
	if err != nil {
		return fmt.Errorf("pgstore: save episode: %w", err)
	}
	return nil
}

func (s *Store) GetEpisode(ctx context.Context, id string) (kioku.Episode, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, status, opened_at, closed_at, close_reason, turn_count, total_tokens, markers, turn_ids
		FROM kioku_episodes WHERE id = $1`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return kioku.Episode{}, fmt.Errorf("pgstore: episode %s: %w", id, kioku.ErrNotFound)
	}
	return ep, err
}

func (s *Store) GetEpisodes(ctx context.Context, sessionID string, status kioku.EpisodeStatus, limit int) ([]kioku.Episode, error) {
	q := `
		SELECT id, session_id, status, opened_at, closed_at, close_reason, turn_count, total_tokens, markers, turn_ids
		FROM kioku_episodes WHERE session_id = $1`
	args := []any{sessionID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, string(status))
	}
	q += ` ORDER BY opened_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query episodes: %w", err)
	}
	defer rows.Close()

	var out []kioku.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) SaveFact(ctx context.Context, f kioku.Fact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kioku_facts (id, session_id, source_episode_ids, content, markers, confidence, status, superseded_by, created_at, superseded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, superseded_by = EXCLUDED.superseded_by, superseded_at = EXCLUDED.superseded_at`,
		f.ID, f.SessionID, markersArg(f.SourceEpisodeIDs), f.Content, markersArg(f.Markers),
		f.Confidence, string(f.Status), f.SupersededBy, f.CreatedAt, f.SupersededAt)
	if err != nil {
		return fmt.Errorf("pgstore: save fact: %w", err)
	}
	return nil
}

// SupersedeFact flips the fact from active to superseded in one guarded
// UPDATE; the status predicate makes it a compare-and-set.
func (s *Store) SupersedeFact(ctx context.Context, targetID, supersededBy string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE kioku_facts SET status = $1, superseded_by = $2, superseded_at = $3
		WHERE id = $4 AND status = $5`,
		string(kioku.FactSuperseded), supersededBy, at, targetID, string(kioku.FactActive))
	if err != nil {
		return fmt.Errorf("pgstore: supersede fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var n int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kioku_facts WHERE id = $1`, targetID).Scan(&n); err == nil && n == 0 {
			return fmt.Errorf("pgstore: fact %s: %w", targetID, kioku.ErrNotFound)
		}
		return fmt.Errorf("pgstore: fact %s: %w", targetID, kioku.ErrFactSuperseded)
	}
	return nil
}

func (s *Store) GetFactsBySession(ctx context.Context, sessionID string, status kioku.FactStatus) ([]kioku.Fact, error) {
	q := `
		SELECT id, session_id, source_episode_ids, content, markers, confidence, status, superseded_by, created_at, superseded_at
		FROM kioku_facts WHERE session_id = $1`
	args := []any{sessionID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query facts: %w", err)
	}
	defer rows.Close()

	var out []kioku.Fact
	for rows.Next() {
		var (
			f      kioku.Fact
			status string
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &f.SourceEpisodeIDs, &f.Content, &f.Markers,
			&f.Confidence, &status, &f.SupersededBy, &f.CreatedAt, &f.SupersededAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan fact: %w", err)
		}
		f.Status = kioku.FactStatus(status)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) SaveEmbedding(ctx context.Context, id string, vector []float32, meta kioku.EmbeddingMetadata) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kioku_embeddings (id, session_id, kind, episode_id, markers, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET markers = EXCLUDED.markers, embedding = EXCLUDED.embedding`,
		id, meta.SessionID, string(meta.Kind), meta.EpisodeID, markersArg(meta.Markers), pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("pgstore: save embedding: %w", err)
	}
	return nil
}

func (s *Store) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	var v pgvector.Vector
	err := s.pool.QueryRow(ctx, `SELECT embedding FROM kioku_embeddings WHERE id = $1`, id).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pgstore: embedding %s: %w", id, kioku.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get embedding: %w", err)
	}
	return v.Slice(), nil
}

func (s *Store) VectorSearch(ctx context.Context, vector []float32, k int, filter kioku.VectorFilter) ([]kioku.VectorMatch, error) {
	q := `
		SELECT id, session_id, kind, episode_id, markers, 1 - (embedding <=> $1) AS score
		FROM kioku_embeddings WHERE 1=1`
	args := []any{pgvector.NewVector(vector)}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		q += fmt.Sprintf(` AND session_id = $%d`, len(args))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		q += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if filter.MarkersEmpty != nil {
		if *filter.MarkersEmpty {
			q += ` AND cardinality(markers) = 0`
		} else {
			q += ` AND cardinality(markers) > 0`
		}
	}
	q += fmt.Sprintf(` ORDER BY embedding <=> $1 LIMIT %d`, max(k, 1))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: vector search: %w", err)
	}
	defer rows.Close()

	var out []kioku.VectorMatch
	for rows.Next() {
		var (
			m    kioku.VectorMatch
			kind string
		)
		if err := rows.Scan(&m.ID, &m.Metadata.SessionID, &kind, &m.Metadata.EpisodeID, &m.Metadata.Markers, &m.Score); err != nil {
			return nil, fmt.Errorf("pgstore: scan match: %w", err)
		}
		m.Metadata.Kind = kioku.EmbeddingKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (kioku.Turn, error) {
	var (
		t    kioku.Turn
		role string
	)
	if err := row.Scan(&t.ID, &t.SessionID, &t.EpisodeID, &role, &t.Content, &t.Markers,
		&t.TokenCount, &t.Position, &t.ActorID, &t.Metadata, &t.CreatedAt); err != nil {
		return kioku.Turn{}, err
	}
	t.Role = kioku.Role(role)
	return t, nil
}

func collectTurns(rows pgx.Rows) ([]kioku.Turn, error) {
	var out []kioku.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanEpisode(row rowScanner) (kioku.Episode, error) {
	var (
		ep     kioku.Episode
		status string
	)
	if err := row.Scan(&ep.ID, &ep.SessionID, &status, &ep.OpenedAt, &ep.ClosedAt, &ep.CloseReason,
		&ep.TurnCount, &ep.TotalTokens, &ep.Markers, &ep.TurnIDs); err != nil {
		return kioku.Episode{}, err
	}
	ep.Status = kioku.EpisodeStatus(status)
	return ep, nil
}

// markersArg keeps nil slices out of pgx so TEXT[] columns always get '{}'.
func markersArg(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
