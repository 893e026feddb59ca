package kioku

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// lru is a minimal string-keyed LRU. Not safe for concurrent use; the
// cachedStorage mutex guards it.
type lru[V any] struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry[V any] struct {
	key string
	val V
}

func newLRU[V any](capacity int) *lru[V] {
	return &lru[V]{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru[V]) get(key string) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*lruEntry[V]).val, true
	}
	var zero V
	return zero, false
}

func (c *lru[V]) put(key string, val V) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry[V]).val = val
		return
	}
	c.items[key] = c.ll.PushFront(&lruEntry[V]{key: key, val: val})
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry[V]).key)
	}
}

func (c *lru[V]) remove(key string) {
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

func (c *lru[V]) purge() {
	c.ll.Init()
	clear(c.items)
}

// cachedStorage is the optional write-through layer in front of a backend.
// It caches turns, episodes and embeddings by id and the active-fact list by
// session; storage stays authoritative. Fact writes invalidate the
// active-fact entry so a superseded fact never lingers in recall.
type cachedStorage struct {
	inner Storage

	mu          sync.Mutex
	turns       *lru[Turn]
	episodes    *lru[Episode]
	embeddings  *lru[[]float32]
	activeFacts *lru[[]Fact]
}

func newCachedStorage(inner Storage, cfg CacheConfig) *cachedStorage {
	return &cachedStorage{
		inner:       inner,
		turns:       newLRU[Turn](cfg.TurnCapacity),
		episodes:    newLRU[Episode](cfg.EpisodeCapacity),
		embeddings:  newLRU[[]float32](cfg.EmbeddingCapacity),
		activeFacts: newLRU[[]Fact](cfg.FactCapacity),
	}
}

func (c *cachedStorage) Initialize(ctx context.Context) error { return c.inner.Initialize(ctx) }
func (c *cachedStorage) Close(ctx context.Context) error      { return c.inner.Close(ctx) }

func (c *cachedStorage) SaveTurn(ctx context.Context, turn Turn) error {
	if err := c.inner.SaveTurn(ctx, turn); err != nil {
		return err
	}
	c.mu.Lock()
	c.turns.put(turn.ID, turn)
	c.mu.Unlock()
	return nil
}

func (c *cachedStorage) GetTurn(ctx context.Context, id string) (Turn, error) {
	c.mu.Lock()
	if t, ok := c.turns.get(id); ok {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	t, err := c.inner.GetTurn(ctx, id)
	if err != nil {
		return Turn{}, err
	}
	c.mu.Lock()
	c.turns.put(id, t)
	c.mu.Unlock()
	return t, nil
}

func (c *cachedStorage) GetTurnsByEpisode(ctx context.Context, episodeID string) ([]Turn, error) {
	turns, err := c.inner.GetTurnsByEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	for _, t := range turns {
		c.turns.put(t.ID, t)
	}
	c.mu.Unlock()
	return turns, nil
}

func (c *cachedStorage) GetMarkedTurns(ctx context.Context, sessionID, excludeEpisodeID string) ([]Turn, error) {
	return c.inner.GetMarkedTurns(ctx, sessionID, excludeEpisodeID)
}

func (c *cachedStorage) SaveEpisode(ctx context.Context, ep Episode) error {
	if err := c.inner.SaveEpisode(ctx, ep); err != nil {
		return err
	}
	c.mu.Lock()
	c.episodes.put(ep.ID, ep)
	c.mu.Unlock()
	return nil
}

func (c *cachedStorage) GetEpisode(ctx context.Context, id string) (Episode, error) {
	c.mu.Lock()
	if ep, ok := c.episodes.get(id); ok {
		c.mu.Unlock()
		return ep, nil
	}
	c.mu.Unlock()

	ep, err := c.inner.GetEpisode(ctx, id)
	if err != nil {
		return Episode{}, err
	}
	c.mu.Lock()
	c.episodes.put(id, ep)
	c.mu.Unlock()
	return ep, nil
}

func (c *cachedStorage) GetEpisodes(ctx context.Context, sessionID string, status EpisodeStatus, limit int) ([]Episode, error) {
	return c.inner.GetEpisodes(ctx, sessionID, status, limit)
}

func (c *cachedStorage) SaveFact(ctx context.Context, fact Fact) error {
	if err := c.inner.SaveFact(ctx, fact); err != nil {
		return err
	}
	c.mu.Lock()
	c.activeFacts.remove(fact.SessionID)
	c.mu.Unlock()
	return nil
}

func (c *cachedStorage) SupersedeFact(ctx context.Context, targetID, supersededBy string, at time.Time) error {
	if err := c.inner.SupersedeFact(ctx, targetID, supersededBy, at); err != nil {
		return err
	}
	// The target's session is not known here; drop every cached list.
	c.mu.Lock()
	c.activeFacts.purge()
	c.mu.Unlock()
	return nil
}

func (c *cachedStorage) GetFactsBySession(ctx context.Context, sessionID string, status FactStatus) ([]Fact, error) {
	if status != FactActive {
		return c.inner.GetFactsBySession(ctx, sessionID, status)
	}

	c.mu.Lock()
	if facts, ok := c.activeFacts.get(sessionID); ok {
		c.mu.Unlock()
		return facts, nil
	}
	c.mu.Unlock()

	facts, err := c.inner.GetFactsBySession(ctx, sessionID, status)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.activeFacts.put(sessionID, facts)
	c.mu.Unlock()
	return facts, nil
}

func (c *cachedStorage) SaveEmbedding(ctx context.Context, id string, vector []float32, meta EmbeddingMetadata) error {
	if err := c.inner.SaveEmbedding(ctx, id, vector, meta); err != nil {
		return err
	}
	c.mu.Lock()
	c.embeddings.put(id, vector)
	c.mu.Unlock()
	return nil
}

func (c *cachedStorage) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	c.mu.Lock()
	if v, ok := c.embeddings.get(id); ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := c.inner.GetEmbedding(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.embeddings.put(id, v)
	c.mu.Unlock()
	return v, nil
}

func (c *cachedStorage) VectorSearch(ctx context.Context, vector []float32, k int, filter VectorFilter) ([]VectorMatch, error) {
	return c.inner.VectorSearch(ctx, vector, k, filter)
}
