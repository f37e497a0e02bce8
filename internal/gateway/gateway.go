// Package gateway implements the engine-agnostic operations the dashboard
// calls: schema introspection, query execution, dataset queries, column
// listing and table reconciliation.
//
// Every operation resolves the connection descriptor through the process
// cache, opens one backend session, and closes it before returning.
package gateway

import (
	"context"
	"time"

	"dashgate/internal/cache"
	"dashgate/internal/db"
	"dashgate/internal/logger"
	"dashgate/internal/observability"
	"dashgate/pkg/config"
)

// Store is the persistent source of connection descriptors and datasets.
type Store interface {
	FetchConnection(ctx context.Context, id string) (config.Descriptor, error)
	FetchDataset(ctx context.Context, id string) (config.Dataset, error)
}

type Service struct {
	store Store
	cache *cache.Cache
	cfg   config.GatewayConfig
	locks *tableLocks
}

// New returns a Service. A nil cache gets a fresh process cache.
func New(store Store, c *cache.Cache, cfg config.GatewayConfig) *Service {
	if c == nil {
		c = cache.New()
	}
	return &Service{
		store: store,
		cache: c,
		cfg:   cfg.Defaults(),
		locks: newTableLocks(),
	}
}

func (s *Service) timeout() time.Duration {
	return time.Duration(s.cfg.QueryTimeoutSeconds) * time.Second
}

// descriptor resolves id through the cache, falling back to the store.
func (s *Service) descriptor(ctx context.Context, id string) (config.Descriptor, error) {
	return s.cache.Resolve(ctx, id, s.store.FetchConnection)
}

// withSession runs fn against a freshly opened session for connectionID. The
// whole operation, connect included, is bound to the configured timeout and
// the session is closed on every path.
func (s *Service) withSession(ctx context.Context, op, connectionID string, fn func(ctx context.Context, sess *db.Session) error) (err error) {
	start := time.Now()
	engine := ""
	defer func() {
		observability.ObserveOperation(op, engine, err, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	desc, err := s.descriptor(ctx, connectionID)
	if err != nil {
		return err
	}
	engine = config.NormalizeEngine(desc.Type)

	sess, err := db.Open(ctx, desc)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("close %s connection %s: %v", engine, connectionID, cerr)
		}
	}()

	return fn(ctx, sess)
}

// Ping opens and closes a connection to verify the descriptor.
func (s *Service) Ping(ctx context.Context, connectionID string) error {
	return s.withSession(ctx, "ping", connectionID, func(context.Context, *db.Session) error {
		return nil
	})
}
