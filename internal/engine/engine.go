// Package engine coordinates every internal subsystem behind one
// writer/many-reader arbtrie database instance (C8, plus the glue wiring
// C1-C7 together): the segment heap and its provider, the control-block
// table, the trie mutation engine, the background compactor and cache
// policy, and the top-root table that publishes committed roots.
package engine

import (
	"context"
	"sync/atomic"

	"github.com/arbtrie-go/arbtrie/internal/cache"
	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/compaction"
	"github.com/arbtrie-go/arbtrie/internal/segment"
	"github.com/arbtrie-go/arbtrie/internal/trie"
	"github.com/arbtrie-go/arbtrie/pkg/errors"
	"github.com/arbtrie-go/arbtrie/pkg/options"
	"go.uber.org/zap"
)

// Engine is the central coordinator for one open database directory.
type Engine struct {
	options *options.Options
	log     *zap.SugaredLogger
	closed  atomic.Bool

	registrySlot int

	heap      *segment.Heap
	provider  *segment.Provider
	epoch     *segment.EpochQueue
	table     *cbt.Table
	trie      *trie.Engine
	roots     *RootTable
	policy    *cache.Policy
	compactor *compaction.Compactor
	ring      *cache.PromotionRing

	writerSession *segment.Session
	sessionSeq    atomic.Uint64
	commitSeq     atomic.Uint64

	cancel context.CancelFunc
}

// Config holds the parameters needed to construct an Engine.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger
}

// New opens (creating if necessary) a database rooted at
// config.Options.DataDir and starts its background subsystems: the
// segment provider, the compactor, and (if enabled) the read-bit decay
// policy.
func New(ctx context.Context, config *Config) (*Engine, error) {
	if config == nil || config.Options == nil || config.Logger == nil {
		return nil, errors.NewConfigurationValidationError("engine.Config", "Options and Logger must not be nil")
	}
	opts := config.Options
	log := config.Logger

	slot, err := registerInstance()
	if err != nil {
		return nil, err
	}

	heap, err := segment.Open(&segment.Config{Options: opts, Logger: log})
	if err != nil {
		unregisterInstance(slot)
		return nil, err
	}

	roots, wasClean, err := openRootTable(opts.DataDir, opts.TopRootCount, opts.SyncMode, log)
	if err != nil {
		heap.Close()
		unregisterInstance(slot)
		return nil, err
	}
	if !wasClean {
		log.Warnw("reopened database after an unclean shutdown; no allocator recovery is performed", "dataDir", opts.DataDir)
	}

	table := cbt.New(&cbt.Config{Options: opts, Logger: log})
	epoch := segment.NewEpochQueue(log)
	provider := segment.NewProvider(heap, log)

	policy := cache.New(&cache.Config{
		Heap:           heap,
		Table:          table,
		MaxPinnedBytes: opts.CacheOptions.MaxPinnedCacheMB * 1024 * 1024,
		Logger:         log,
	})

	compactor := compaction.New(&compaction.Config{
		Heap:     heap,
		Table:    table,
		Provider: provider,
		Epoch:    epoch,
		Policy:   policy,
		Options:  opts,
		Logger:   log,
	})

	writerSession := segment.NewSession(0, heap, provider, epoch, opts.SyncMode, log)
	trieEngine := trie.New(&trie.Config{Table: table, Heap: heap, Session: writerSession, Options: opts, Logger: log})

	runCtx, cancel := context.WithCancel(ctx)

	e := &Engine{
		options:       opts,
		log:           log,
		registrySlot:  slot,
		heap:          heap,
		provider:      provider,
		epoch:         epoch,
		table:         table,
		trie:          trieEngine,
		roots:         roots,
		policy:        policy,
		compactor:     compactor,
		ring:          cache.NewPromotionRing(),
		writerSession: writerSession,
		cancel:        cancel,
	}

	provider.Start(runCtx)
	compactor.Start(runCtx)
	if opts.CacheOptions.EnableReadCache {
		policy.Start(runCtx, opts.CacheOptions.ReadCacheWindow)
	}

	log.Infow("opened arbtrie engine", "dataDir", opts.DataDir, "topRootCount", roots.Count(), "cleanShutdown", wasClean)
	return e, nil
}

// TopRootCount returns the number of named top-root slots.
func (e *Engine) TopRootCount() int { return e.roots.Count() }

// PromoteHot enqueues addr as a read-observed-hot candidate for promotion
// into pinned space, the write side of the read-bit decay policy (spec.md
// §4.5's promotion ring). A reader calls this after noticing an object's
// read bit set on an unpinned location.
func (e *Engine) PromoteHot(addr cbt.Address) {
	if e.options.CacheOptions.EnableReadCache {
		e.ring.Enqueue(uint32(addr))
	}
}

// RunCompactionPass forces one compaction pass plus a promotion-ring drain
// outside the compactor's own ticker, used by tests and administrative
// tooling that want a synchronous sweep.
func (e *Engine) RunCompactionPass() {
	e.compactor.RunPass()
	e.compactor.PromoteFromRing(e.ring)
}

// Close stops every background subsystem, seals the writer session,
// persists a clean-shutdown marker, and releases this instance's registry
// slot.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return errors.NewConfigurationValidationError("engine", "engine already closed")
	}
	e.cancel()
	e.policy.Stop()
	e.compactor.Stop()
	e.provider.Stop()

	if err := e.writerSession.Close(); err != nil {
		e.log.Warnw("error sealing writer session on close", "error", err)
	}
	if err := e.roots.Close(true); err != nil {
		e.log.Warnw("error closing root table", "error", err)
	}

	err := e.heap.Close()
	unregisterInstance(e.registrySlot)
	return err
}
