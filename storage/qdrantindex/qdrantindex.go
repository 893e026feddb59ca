// Package qdrantindex overlays the vector operations of any inner storage
// backend with a Qdrant collection. Turns, episodes and facts stay in the
// inner backend; embeddings are mirrored into Qdrant and served from there,
// so vector search scales past what brute-force backends handle.
package qdrantindex

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kioku"
)

// pointNamespace maps kioku ids (turn_*, fact_*) onto deterministic Qdrant
// point UUIDs.
var pointNamespace = uuid.MustParse("8c3f9a52-7b1e-4f60-9b0a-2f4d1c6e8a17")

// Config connects the index to a Qdrant server.
type Config struct {
	URL        string // "https://host:6333", "http://host:6333", or "host:6334"
	APIKey     string
	Collection string
	Dims       uint64
}

// Index is a kioku.Storage that delegates everything except embeddings to
// the inner backend.
type Index struct {
	kioku.Storage // inner backend; embedding methods are overridden below

	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

func parseURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("qdrantindex: invalid URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("qdrantindex: invalid port in URL: %q", portStr)
		}
		// The REST port (6333) means the caller wants the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// New wraps inner with a Qdrant-backed vector index.
func New(inner kioku.Storage, cfg Config, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrantindex: connect to %s:%d: %w", host, port, err)
	}

	return &Index{
		Storage:    inner,
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// Initialize prepares the inner backend, then the Qdrant collection and its
// payload indexes. CreateFieldIndex is idempotent, so indexes added later
// are backfilled on restart.
func (x *Index) Initialize(ctx context.Context) error {
	if err := x.Storage.Initialize(ctx); err != nil {
		return err
	}

	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("qdrantindex: check collection exists: %w", err)
	}
	if !exists {
		if err := x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: x.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     x.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("qdrantindex: create collection %q: %w", x.collection, err)
		}
		x.logger.Info("qdrant: created collection", "collection", x.collection, "dims", x.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"source_id", "session_id", "kind", "episode_id"} {
		if _, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: x.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("qdrantindex: ensure index on %q: %w", field, err)
		}
	}
	boolType := qdrant.FieldType_FieldTypeBool
	if _, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: x.collection,
		FieldName:      "has_markers",
		FieldType:      &boolType,
	}); err != nil {
		return fmt.Errorf("qdrantindex: ensure index on has_markers: %w", err)
	}
	return nil
}

func (x *Index) SaveEmbedding(ctx context.Context, id string, vector []float32, meta kioku.EmbeddingMetadata) error {
	payload := map[string]any{
		"source_id":   id,
		"session_id":  meta.SessionID,
		"kind":        string(meta.Kind),
		"episode_id":  meta.EpisodeID,
		"has_markers": len(meta.Markers) > 0,
	}
	if len(meta.Markers) > 0 {
		markers := make([]any, len(meta.Markers))
		for i, m := range meta.Markers {
			markers[i] = m
		}
		payload["markers"] = markers
	}

	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID(id)),
			Vectors: qdrant.NewVectorsDense(vector),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrantindex: upsert %s: %w", id, err)
	}
	return nil
}

func (x *Index) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	points, err := x.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: x.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(pointID(id))},
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrantindex: get %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("qdrantindex: embedding %s: %w", id, kioku.ErrNotFound)
	}
	v := points[0].Vectors.GetVector()
	if v == nil {
		return nil, fmt.Errorf("qdrantindex: embedding %s: no dense vector", id)
	}
	return v.Data, nil
}

func (x *Index) VectorSearch(ctx context.Context, vector []float32, k int, filter kioku.VectorFilter) ([]kioku.VectorMatch, error) {
	var must []*qdrant.Condition
	if filter.SessionID != "" {
		must = append(must, qdrant.NewMatch("session_id", filter.SessionID))
	}
	if filter.Kind != "" {
		must = append(must, qdrant.NewMatch("kind", string(filter.Kind)))
	}
	if filter.MarkersEmpty != nil {
		must = append(must, qdrant.NewMatchBool("has_markers", !*filter.MarkersEmpty))
	}

	limit := uint64(max(k, 1))
	scored, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrantindex: query: %w", err)
	}

	out := make([]kioku.VectorMatch, 0, len(scored))
	for _, sp := range scored {
		payload := sp.Payload
		sourceID := payload["source_id"].GetStringValue()
		if sourceID == "" {
			x.logger.Warn("qdrant: point without source_id payload", "point_id", sp.Id.GetUuid())
			continue
		}
		meta := kioku.EmbeddingMetadata{
			SessionID: payload["session_id"].GetStringValue(),
			Kind:      kioku.EmbeddingKind(payload["kind"].GetStringValue()),
			EpisodeID: payload["episode_id"].GetStringValue(),
		}
		if lv := payload["markers"].GetListValue(); lv != nil {
			for _, v := range lv.Values {
				meta.Markers = append(meta.Markers, v.GetStringValue())
			}
		}
		out = append(out, kioku.VectorMatch{
			ID:       sourceID,
			Score:    float64(sp.Score),
			Metadata: meta,
		})
	}
	return out, nil
}

// Healthy reports whether Qdrant is reachable. Results are cached for five
// seconds and concurrent refreshes are collapsed through singleflight.
func (x *Index) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, x.healthAt.Load())) < 5*time.Second {
		return x.loadHealthErr()
	}

	// Use a detached context: singleflight reuses the first caller's context
	// and a cancelled leader would poison every waiter.
	result, _, _ := x.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := x.client.HealthCheck(checkCtx); err != nil {
			x.storeHealthErr(fmt.Errorf("qdrantindex: unhealthy: %w", err))
		} else {
			x.storeHealthErr(nil)
		}
		x.healthAt.Store(time.Now().UnixNano())
		return x.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (x *Index) storeHealthErr(err error) {
	// atomic.Value cannot hold nil, hence the pointer wrap.
	x.healthErr.Store(&err)
}

func (x *Index) loadHealthErr() error {
	v := x.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection, then the inner backend.
func (x *Index) Close(ctx context.Context) error {
	grpcErr := x.client.Close()
	if err := x.Storage.Close(ctx); err != nil {
		return err
	}
	return grpcErr
}

// pointID maps a kioku source id onto a deterministic UUID accepted by
// Qdrant as a point id.
func pointID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}
