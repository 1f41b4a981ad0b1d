// Package treewalk implements the federation tree-walker: breadth-first
// discovery of subordinates from authority hints, populating the
// in-memory index of entity kinds (spec.md §4.7). Grounded directly on
// original_source/admin/entities/lib.go's tree_walking/
// fetch_subordinate_statements functions.
package treewalk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/cachestore"
	"github.com/jmerrifield20/tafed/internal/fetcher"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/pkg/entityid"
)

type cache interface {
	HSet(ctx context.Context, hashKey, field, value string) error
	SAdd(ctx context.Context, setKey string, members ...string) error
	RPop(ctx context.Context, listKey string) (string, bool, error)
}

// Walker performs breadth-first discovery of the federation tree, writing
// only cache indices — it never mutates durable records.
type Walker struct {
	cache      cache
	fetcher    *fetcher.Fetcher
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a Walker.
func New(c cache, f *fetcher.Fetcher, logger *zap.Logger) *Walker {
	return &Walker{
		cache:      c,
		fetcher:    f,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Walk discovers the tree rooted at entityID, bounded by an explicit
// visited set rather than recursion, per spec.md §4.7. Loops are detected
// by visited-set membership and logged, never infinitely recursed.
func (w *Walker) Walk(ctx context.Context, entityID string) {
	visited := map[string]bool{}
	queue := []string{entityID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if visited[id] {
			w.logger.Warn("treewalk: loop detected, skipping", zap.String("entityid", id))
			continue
		}
		visited[id] = true

		children := w.visit(ctx, id)
		for _, child := range children {
			if visited[child] {
				w.logger.Warn("treewalk: loop detected, skipping", zap.String("entityid", child))
				continue
			}
			queue = append(queue, child)
		}
	}
}

// visit fetches and self-verifies id, classifies it, records it, and
// returns the child entity IDs discovered (federation_list_endpoint
// subordinates). Fetch failures are logged and the node is skipped,
// per spec.md §4.9.
func (w *Walker) visit(ctx context.Context, id string) []string {
	parsed, err := entityid.Parse(id)
	if err != nil {
		w.logger.Warn("treewalk: invalid entity id, skipping", zap.String("entityid", id), zap.Error(err))
		return nil
	}

	token, _, claims, err := w.fetcher.FetchAndSelfVerify(ctx, parsed)
	if err != nil {
		w.logger.Warn("treewalk: fetch/verify failed, skipping", zap.String("entityid", id), zap.Error(err))
		return nil
	}

	if err := w.cache.HSet(ctx, cachestore.KeyEntityID, id, token); err != nil {
		w.logger.Warn("treewalk: cache write failed", zap.String("entityid", id), zap.Error(err))
	}

	if hints := claims.Get("authority_hints"); hints.Kind == jsonval.KindArray {
		w.fetchSubordinateStatements(ctx, hints, id)
	}

	metadata := claims.Get("metadata")
	switch {
	case metadata.Has("openid_relying_party"):
		w.indexAs(ctx, cachestore.KeyRP, id)
		return nil
	case metadata.Has("openid_provider"):
		w.indexAs(ctx, cachestore.KeyOP, id)
		return nil
	default:
		w.indexAs(ctx, cachestore.KeyTAIA, id)
		return w.discoverSubordinates(ctx, metadata, id)
	}
}

func (w *Walker) indexAs(ctx context.Context, setKey, entityID string) {
	if err := w.cache.SAdd(ctx, setKey, entityID); err != nil {
		w.logger.Warn("treewalk: index write failed", zap.String("entityid", entityID), zap.String("set", setKey), zap.Error(err))
	}
}

// discoverSubordinates fetches a TA/IA's federation_list_endpoint and
// returns the listed subordinate entity IDs for the walker to enqueue.
func (w *Walker) discoverSubordinates(ctx context.Context, metadata jsonval.Value, entityID string) []string {
	listEndpoint := metadata.Get("federation_entity").Get("federation_list_endpoint").Str
	if listEndpoint == "" {
		w.logger.Warn("treewalk: no list endpoint", zap.String("entityid", entityID))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listEndpoint, nil)
	if err != nil {
		w.logger.Warn("treewalk: build list request failed", zap.String("entityid", entityID), zap.Error(err))
		return nil
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Warn("treewalk: list endpoint unreachable", zap.String("entityid", entityID), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	var subordinates []string
	if err := json.NewDecoder(resp.Body).Decode(&subordinates); err != nil {
		w.logger.Warn("treewalk: decode list response failed", zap.String("entityid", entityID), zap.Error(err))
		return nil
	}
	return subordinates
}

// fetchSubordinateStatements fetches each authority hint's entity
// configuration, locates its federation_fetch_endpoint, and pulls the
// subordinate statement for entityID, caching it verbatim.
func (w *Walker) fetchSubordinateStatements(ctx context.Context, hints jsonval.Value, entityID string) {
	for _, hint := range hints.Arr {
		if hint.Kind != jsonval.KindString {
			continue
		}
		hintID, err := entityid.Parse(hint.Str)
		if err != nil {
			w.logger.Warn("treewalk: invalid authority hint", zap.String("hint", hint.Str), zap.Error(err))
			continue
		}

		_, _, hintClaims, err := w.fetcher.FetchAndSelfVerify(ctx, hintID)
		if err != nil {
			w.logger.Warn("treewalk: authority hint fetch failed",
				zap.String("entityid", entityID), zap.String("hint", hint.Str), zap.Error(err))
			continue
		}

		fetchEndpoint := hintClaims.Get("metadata").Get("federation_entity").Get("federation_fetch_endpoint").Str
		if fetchEndpoint == "" {
			continue
		}

		url := fetchEndpoint + "?sub=" + entityID
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := w.httpClient.Do(req)
		if err != nil {
			w.logger.Warn("treewalk: fetch subordinate statement failed",
				zap.String("entityid", entityID), zap.String("url", url), zap.Error(err))
			continue
		}
		func() {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				w.logger.Warn("treewalk: subordinate statement fetch non-200",
					zap.String("entityid", entityID), zap.Int("status", resp.StatusCode))
				return
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil || len(body) == 0 {
				return
			}
			if err := w.cache.HSet(ctx, cachestore.KeySubordinateQuery, url, string(body)); err != nil {
				w.logger.Warn("treewalk: cache subordinate statement failed", zap.Error(err))
			}
		}()
	}
}

// StartBackgroundWalker drains the newsubordinate cache queue on a ticker,
// walking the tree rooted at each freshly admitted subordinate. Grounded on
// the teacher's internal/resolver.Service.StartCacheEviction ticker-loop
// idiom (time.NewTicker + select on ctx.Done()).
func (w *Walker) StartBackgroundWalker(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.drainQueue(ctx)
			}
		}
	}()
}

func (w *Walker) drainQueue(ctx context.Context) {
	for {
		entityID, ok, err := w.cache.RPop(ctx, cachestore.KeyNewSubordinate)
		if err != nil {
			w.logger.Warn("treewalk: drain queue failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		w.Walk(ctx, entityID)
	}
}
