package catalog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProtocolClient is a connected, closeable protocol client.
type ProtocolClient interface {
	PackRequester
	Close() error
}

// ClientFactory dials and connects a protocol client for one bot.
type ClientFactory func(ctx context.Context, bot string) (ProtocolClient, error)

// Multi fans catalog operations out across the fixed set of known bots.
// Bots are fully independent: each worker gets its own client and service,
// and one bot failing never aborts the others.
type Multi struct {
	bots        []string
	factory     ClientFactory
	cache       *Cache
	listTimeout time.Duration
	limit       int
	log         *zap.SugaredLogger
}

// NewMulti creates a fan-out over bots with at most limit concurrent
// workers.
func NewMulti(bots []string, factory ClientFactory, cache *Cache, listTimeout time.Duration, limit int, log *zap.SugaredLogger) *Multi {
	if limit <= 0 {
		limit = len(bots)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Multi{
		bots:        bots,
		factory:     factory,
		cache:       cache,
		listTimeout: listTimeout,
		limit:       limit,
		log:         log,
	}
}

// SearchAll searches every bot concurrently and streams matches as they
// arrive. Order across bots is arrival order; order within one bot's result
// is preserved. The error channel carries one entry per failed bot and is
// closed together with the entry channel, so a caller can tell "no matches"
// from "every bot failed".
func (m *Multi) SearchAll(ctx context.Context, title string, cutoff float64) (<-chan Entry, <-chan error) {
	out := make(chan Entry, 64)
	errc := make(chan error, len(m.bots))

	go func() {
		defer close(out)
		defer close(errc)

		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(m.limit)

		for _, bot := range m.bots {
			g.Go(func() error {
				entries, err := m.searchOne(ctx, bot, title, cutoff)
				if err != nil {
					m.log.Warnw("bot skipped", "bot", bot, "error", err)
					errc <- fmt.Errorf("%s: %w", bot, err)
					return nil
				}
				for _, e := range entries {
					select {
					case out <- e:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				return nil
			})
		}
		g.Wait()
	}()

	return out, errc
}

// ListAll streams every bot's full catalog.
func (m *Multi) ListAll(ctx context.Context) (<-chan Entry, <-chan error) {
	return m.SearchAll(ctx, "", 0)
}

func (m *Multi) searchOne(ctx context.Context, bot, title string, cutoff float64) ([]Entry, error) {
	client, err := m.factory(ctx, bot)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	svc := NewService(bot, client, m.cache, m.listTimeout, m.log)
	if title == "" {
		return svc.ListFiles()
	}
	return svc.Search(title, cutoff)
}
