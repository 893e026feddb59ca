package kioku

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// Close reasons recorded on episodes.
const (
	closeReasonMaxTurns   = "max_turns"
	closeReasonTimeGap    = "time_gap"
	closeReasonToolResult = "tool_result"
	closeReasonPattern    = "pattern"
	closeReasonExplicit   = "explicit"
)

// episodeManager owns the session's single open episode and applies the
// boundary rules. All methods run under the session mutex; storage writes
// happen inline so the persisted episode record always trails the in-memory
// state by at most one call.
type episodeManager struct {
	sessionID string
	cfg       EpisodeBoundaryConfig
	store     Storage
	logger    *slog.Logger
	closeRes  []*regexp.Regexp

	current    Episode
	lastTurnAt time.Time
}

func newEpisodeManager(sessionID string, cfg EpisodeBoundaryConfig, store Storage, logger *slog.Logger) (*episodeManager, error) {
	res := make([]*regexp.Regexp, 0, len(cfg.ClosePatterns))
	for _, p := range cfg.ClosePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &ConfigError{Option: "close_on_patterns", Reason: fmt.Sprintf("invalid regex %q: %v", p, err)}
		}
		res = append(res, re)
	}
	return &episodeManager{
		sessionID: sessionID,
		cfg:       cfg,
		store:     store,
		logger:    logger,
		closeRes:  res,
	}, nil
}

// ensureOpen adopts the session's existing open episode from storage, or
// opens a fresh one. Idempotent.
func (m *episodeManager) ensureOpen(ctx context.Context, now time.Time) error {
	if m.current.ID != "" {
		return nil
	}

	open, err := m.store.GetEpisodes(ctx, m.sessionID, EpisodeOpen, 1)
	if err != nil {
		return fmt.Errorf("list open episodes: %w", err)
	}
	if len(open) > 0 {
		m.current = open[0]
		if turns, err := m.store.GetTurnsByEpisode(ctx, m.current.ID); err == nil && len(turns) > 0 {
			m.lastTurnAt = turns[len(turns)-1].CreatedAt
		}
		return nil
	}
	return m.openNew(ctx, now)
}

func (m *episodeManager) openNew(ctx context.Context, now time.Time) error {
	ep := Episode{
		ID:        newEpisodeID(),
		SessionID: m.sessionID,
		Status:    EpisodeOpen,
		OpenedAt:  now,
	}
	if err := m.store.SaveEpisode(ctx, ep); err != nil {
		return fmt.Errorf("open episode: %w", err)
	}
	m.current = ep
	m.lastTurnAt = time.Time{}
	return nil
}

// assignTarget picks the episode the incoming turn belongs to, applying the
// time-gap rule before the turn is appended. It fills the turn's EpisodeID
// and Position and returns the id of the episode closed by the gap, if any.
func (m *episodeManager) assignTarget(ctx context.Context, turn *Turn) (closedID string, err error) {
	if m.current.ID == "" {
		return "", ErrNotInitialized
	}

	if m.current.TurnCount > 0 && turn.CreatedAt.Sub(m.lastTurnAt) >= m.cfg.MaxTimeGap {
		closedID = m.current.ID
		if err := m.close(ctx, closeReasonTimeGap, turn.CreatedAt); err != nil {
			return "", err
		}
		if err := m.openNew(ctx, turn.CreatedAt); err != nil {
			return "", err
		}
	}

	turn.EpisodeID = m.current.ID
	turn.Position = m.current.TurnCount
	return closedID, nil
}

// commitTurn records the persisted turn on the open episode, then evaluates
// the post-append close triggers. Returns the id of the episode closed by
// this turn, if any.
func (m *episodeManager) commitTurn(ctx context.Context, turn Turn) (closedID string, err error) {
	m.current.TurnCount++
	m.current.TotalTokens += turn.TokenCount
	m.current.TurnIDs = append(m.current.TurnIDs, turn.ID)
	m.current.Markers = mergeMarkers(m.current.Markers, turn.Markers)
	m.lastTurnAt = turn.CreatedAt

	if err := m.store.SaveEpisode(ctx, m.current); err != nil {
		return "", fmt.Errorf("update episode: %w", err)
	}

	reason := ""
	switch {
	case m.current.TurnCount >= m.cfg.MaxTurns:
		reason = closeReasonMaxTurns
	case m.cfg.CloseOnToolResult && turn.Role == RoleTool:
		reason = closeReasonToolResult
	case m.matchesClosePattern(turn.Content):
		reason = closeReasonPattern
	}
	if reason == "" {
		return "", nil
	}

	closedID = m.current.ID
	if err := m.close(ctx, reason, turn.CreatedAt); err != nil {
		return "", err
	}
	if err := m.openNew(ctx, turn.CreatedAt); err != nil {
		return "", err
	}
	return closedID, nil
}

// forceClose closes the open episode on explicit request and opens a new
// one. An episode with no turns is left open and "" is returned.
func (m *episodeManager) forceClose(ctx context.Context, reason string, now time.Time) (string, error) {
	if m.current.ID == "" {
		return "", ErrNotInitialized
	}
	if m.current.TurnCount == 0 {
		return "", nil
	}
	if reason == "" {
		reason = closeReasonExplicit
	}

	closedID := m.current.ID
	if err := m.close(ctx, reason, now); err != nil {
		return "", err
	}
	if err := m.openNew(ctx, now); err != nil {
		return "", err
	}
	return closedID, nil
}

func (m *episodeManager) close(ctx context.Context, reason string, now time.Time) error {
	closedAt := now
	m.current.Status = EpisodeClosed
	m.current.ClosedAt = &closedAt
	m.current.CloseReason = reason
	if err := m.store.SaveEpisode(ctx, m.current); err != nil {
		return fmt.Errorf("close episode: %w", err)
	}
	m.logger.Debug("episode closed",
		"session_id", m.sessionID,
		"episode_id", m.current.ID,
		"reason", reason,
		"turns", m.current.TurnCount,
	)
	return nil
}

func (m *episodeManager) matchesClosePattern(content string) bool {
	for _, re := range m.closeRes {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
