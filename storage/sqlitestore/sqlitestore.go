// Package sqlitestore is a file-backed storage backend on SQLite (pure-Go
// driver, no cgo). Vectors are stored as little-endian float32 blobs and
// searched by brute-force cosine over the filtered candidate set, which is
// plenty for per-session corpora.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kioku"
	"github.com/ashita-ai/kioku/internal/vec"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	episode_id  TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	markers     TEXT NOT NULL DEFAULT '[]',
	token_count INTEGER NOT NULL,
	position    INTEGER NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	metadata    TEXT,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_episode ON turns(episode_id, position);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);

CREATE TABLE IF NOT EXISTS episodes (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	status       TEXT NOT NULL,
	opened_at    INTEGER NOT NULL,
	closed_at    INTEGER,
	close_reason TEXT NOT NULL DEFAULT '',
	turn_count   INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	markers      TEXT NOT NULL DEFAULT '[]',
	turn_ids     TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id, opened_at);

CREATE TABLE IF NOT EXISTS facts (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL,
	source_episode_ids TEXT NOT NULL DEFAULT '[]',
	content            TEXT NOT NULL,
	markers            TEXT NOT NULL DEFAULT '[]',
	confidence         REAL NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	superseded_by      TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	superseded_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(session_id, status);

CREATE TABLE IF NOT EXISTS embeddings (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	episode_id TEXT NOT NULL DEFAULT '',
	markers    TEXT NOT NULL DEFAULT '[]',
	vector     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_session ON embeddings(session_id, kind);
`

// Store is a SQLite-backed kioku.Storage.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path. ":memory:" works for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// The driver serializes writes; one connection avoids SQLITE_BUSY
	// entirely at this workload.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		return fmt.Errorf("sqlitestore: pragmas: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error { return s.db.Close() }

func (s *Store) SaveTurn(ctx context.Context, t kioku.Turn) error {
	meta, err := marshalOrNull(t.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode turn metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO turns
			(id, session_id, episode_id, role, content, markers, token_count, position, actor_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.EpisodeID, string(t.Role), t.Content, marshalStrings(t.Markers),
		t.TokenCount, t.Position, t.ActorID, meta, t.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlitestore: save turn: %w", err)
	}
	return nil
}

func (s *Store) GetTurn(ctx context.Context, id string) (kioku.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, episode_id, role, content, markers, token_count, position, actor_id, metadata, created_at
		FROM turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return kioku.Turn{}, fmt.Errorf("sqlitestore: turn %s: %w", id, kioku.ErrNotFound)
	}
	return t, err
}

func (s *Store) GetTurnsByEpisode(ctx context.Context, episodeID string) ([]kioku.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, episode_id, role, content, markers, token_count, position, actor_id, metadata, created_at
		FROM turns WHERE episode_id = ? ORDER BY position`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query turns: %w", err)
	}
	return collectTurns(rows)
}

func (s *Store) GetMarkedTurns(ctx context.Context, sessionID, excludeEpisodeID string) ([]kioku.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, episode_id, role, content, markers, token_count, position, actor_id, metadata, created_at
		FROM turns
		WHERE session_id = ? AND markers != '[]' AND markers != '' AND episode_id != ?
		ORDER BY created_at`, sessionID, excludeEpisodeID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query marked turns: %w", err)
	}
	return collectTurns(rows)
}

func (s *Store) SaveEpisode(ctx context.Context, ep kioku.Episode) error {
	var closedAt any
	if ep.ClosedAt != nil {
		closedAt = ep.ClosedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO episodes
			(id, session_id, status, opened_at, closed_at, close_reason, turn_count, total_tokens, markers, turn_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.SessionID, string(ep.Status), ep.OpenedAt.UnixNano(), closedAt, ep.CloseReason,
		ep.TurnCount, ep.TotalTokens, marshalStrings(ep.Markers), marshalStrings(ep.TurnIDs))
	if err != nil {
		return fmt.Errorf("sqlitestore: save episode: %w", err)
	}
	return nil
}

func (s *Store) GetEpisode(ctx context.Context, id string) (kioku.Episode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, opened_at, closed_at, close_reason, turn_count, total_tokens, markers, turn_ids
		FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return kioku.Episode{}, fmt.Errorf("sqlitestore: episode %s: %w", id, kioku.ErrNotFound)
	}
	return ep, err
}

func (s *Store) GetEpisodes(ctx context.Context, sessionID string, status kioku.EpisodeStatus, limit int) ([]kioku.Episode, error) {
	q := `
		SELECT id, session_id, status, opened_at, closed_at, close_reason, turn_count, total_tokens, markers, turn_ids
		FROM episodes WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY opened_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query episodes: %w", err)
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
	var supersededAt any
	if f.SupersededAt != nil {
		supersededAt = f.SupersededAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO facts
			(id, session_id, source_episode_ids, content, markers, confidence, status, superseded_by, created_at, superseded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, marshalStrings(f.SourceEpisodeIDs), f.Content, marshalStrings(f.Markers),
		f.Confidence, string(f.Status), f.SupersededBy, f.CreatedAt.UnixNano(), supersededAt)
	if err != nil {
		return fmt.Errorf("sqlitestore: save fact: %w", err)
	}
	return nil
}

// SupersedeFact is the compare-and-set on fact status: the UPDATE only fires
// while the row is still active, so concurrent supersessions cannot both win.
func (s *Store) SupersedeFact(ctx context.Context, targetID, supersededBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE facts SET status = ?, superseded_by = ?, superseded_at = ?
		WHERE id = ? AND status = ?`,
		string(kioku.FactSuperseded), supersededBy, at.UnixNano(), targetID, string(kioku.FactActive))
	if err != nil {
		return fmt.Errorf("sqlitestore: supersede fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: supersede fact: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE id = ?`, targetID).Scan(&exists); err == nil && exists == 0 {
			return fmt.Errorf("sqlitestore: fact %s: %w", targetID, kioku.ErrNotFound)
		}
		return fmt.Errorf("sqlitestore: fact %s: %w", targetID, kioku.ErrFactSuperseded)
	}
	return nil
}

func (s *Store) GetFactsBySession(ctx context.Context, sessionID string, status kioku.FactStatus) ([]kioku.Fact, error) {
	q := `
		SELECT id, session_id, source_episode_ids, content, markers, confidence, status, superseded_by, created_at, superseded_at
		FROM facts WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query facts: %w", err)
	}
	defer rows.Close()

	var out []kioku.Fact
	for rows.Next() {
		var (
			f            kioku.Fact
			sources      string
			markers      string
			status       string
			createdNanos int64
			superseded   sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &sources, &f.Content, &markers, &f.Confidence,
			&status, &f.SupersededBy, &createdNanos, &superseded); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan fact: %w", err)
		}
		f.SourceEpisodeIDs = unmarshalStrings(sources)
		f.Markers = unmarshalStrings(markers)
		f.Status = kioku.FactStatus(status)
		f.CreatedAt = time.Unix(0, createdNanos)
		if superseded.Valid {
			at := time.Unix(0, superseded.Int64)
			f.SupersededAt = &at
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) SaveEmbedding(ctx context.Context, id string, vector []float32, meta kioku.EmbeddingMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embeddings (id, session_id, kind, episode_id, markers, vector)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, meta.SessionID, string(meta.Kind), meta.EpisodeID, marshalStrings(meta.Markers), encodeVector(vector))
	if err != nil {
		return fmt.Errorf("sqlitestore: save embedding: %w", err)
	}
	return nil
}

func (s *Store) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT vector FROM embeddings WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlitestore: embedding %s: %w", id, kioku.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get embedding: %w", err)
	}
	return decodeVector(blob), nil
}

func (s *Store) VectorSearch(ctx context.Context, vector []float32, k int, filter kioku.VectorFilter) ([]kioku.VectorMatch, error) {
	q := `SELECT id, session_id, kind, episode_id, markers, vector FROM embeddings WHERE 1=1`
	var args []any
	if filter.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.MarkersEmpty != nil {
		if *filter.MarkersEmpty {
			q += ` AND (markers = '[]' OR markers = '')`
		} else {
			q += ` AND markers != '[]' AND markers != ''`
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: vector search: %w", err)
	}
	defer rows.Close()

	var out []kioku.VectorMatch
	for rows.Next() {
		var (
			m       kioku.VectorMatch
			kind    string
			markers string
			blob    []byte
		)
		if err := rows.Scan(&m.ID, &m.Metadata.SessionID, &kind, &m.Metadata.EpisodeID, &markers, &blob); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan embedding: %w", err)
		}
		m.Metadata.Kind = kioku.EmbeddingKind(kind)
		m.Metadata.Markers = unmarshalStrings(markers)
		m.Score = vec.Cosine(vector, decodeVector(blob))
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: vector search: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (kioku.Turn, error) {
	var (
		t            kioku.Turn
		role         string
		markers      string
		meta         sql.NullString
		createdNanos int64
	)
	if err := row.Scan(&t.ID, &t.SessionID, &t.EpisodeID, &role, &t.Content, &markers,
		&t.TokenCount, &t.Position, &t.ActorID, &meta, &createdNanos); err != nil {
		return kioku.Turn{}, err
	}
	t.Role = kioku.Role(role)
	t.Markers = unmarshalStrings(markers)
	t.CreatedAt = time.Unix(0, createdNanos)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &t.Metadata)
	}
	return t, nil
}

func collectTurns(rows *sql.Rows) ([]kioku.Turn, error) {
	defer rows.Close()
	var out []kioku.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanEpisode(row rowScanner) (kioku.Episode, error) {
	var (
		ep          kioku.Episode
		status      string
		openedNanos int64
		closedNanos sql.NullInt64
		markers     string
		turnIDs     string
	)
	if err := row.Scan(&ep.ID, &ep.SessionID, &status, &openedNanos, &closedNanos, &ep.CloseReason,
		&ep.TurnCount, &ep.TotalTokens, &markers, &turnIDs); err != nil {
		return kioku.Episode{}, err
	}
	ep.Status = kioku.EpisodeStatus(status)
	ep.OpenedAt = time.Unix(0, openedNanos)
	if closedNanos.Valid {
		at := time.Unix(0, closedNanos.Int64)
		ep.ClosedAt = &at
	}
	ep.Markers = unmarshalStrings(markers)
	ep.TurnIDs = unmarshalStrings(turnIDs)
	return ep, nil
}

func marshalStrings(in []string) string {
	if len(in) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStrings(in string) []string {
	if in == "" || in == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in), &out)
	return out
}

func marshalOrNull(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
