package core

import (
	"container/list"
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BootstrapMode selects which of the three bootstrap strategies an attempt
// runs (spec.md §4.5).
type BootstrapMode int

const (
	// BootstrapLegacy walks every account's frontier and bulk-pulls its
	// full chain.
	BootstrapLegacy BootstrapMode = iota
	// BootstrapLazy follows dependency hashes discovered while applying
	// blocks, pulling only what is needed to satisfy them.
	BootstrapLazy
	// BootstrapWalletLazy pulls pending entries for a fixed set of wallet
	// accounts via bulk_pull_account.
	BootstrapWalletLazy
)

const (
	bootstrapPoolMin            = 4
	bootstrapPoolMax            = 64
	bootstrapPullsRemainingFull = 50000

	lazyMaxPullBlocks = 512
	lazyMaxStopped    = 5
	lazyMaxRuntime    = 48 * time.Hour
	lazyMinRuntime    = 30 * time.Minute

	pullsCacheCapacity = 65536
)

// BootstrapTransport abstracts the wire operations an attempt performs
// against one peer: walking frontiers, pulling an account's full chain, and
// pulling one account's pending entries (spec.md §4.4/§4.5).
type BootstrapTransport interface {
	// FrontierReq streams (account, frontier hash) pairs starting at
	// start, calling yield for each; it returns when the peer's stream
	// ends or yield returns false.
	FrontierReq(ctx context.Context, start Account, yield func(Account, BlockHash) bool) error
	// BulkPull streams every block on the chain ending at frontier back to
	// end (exclusive), calling yield for each, newest first.
	BulkPull(ctx context.Context, frontier, end BlockHash, yield func(*Block) bool) error
	// BulkPullAccount streams pending entries for account above minAmount.
	BulkPullAccount(ctx context.Context, account Account, minAmount U128, yield func(PendingKey, PendingInfo) bool) error
}

// pullsCache bounds the set of accounts already pulled this run, evicting the oldest entry once full (spec.md §4.5
// "pulls cache (bounded LRU)").
type pullsCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	index map[Account]*list.Element
}

func newPullsCache(capacity int) *pullsCache {
	return &pullsCache{cap: capacity, order: list.New(), index: make(map[Account]*list.Element)}
}

// Seen reports whether account was already pulled, recording it if not
// (true means "already seen, skip").
func (c *pullsCache) Seen(account Account) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[account]; ok {
		c.order.MoveToFront(el)
		return true
	}
	el := c.order.PushFront(account)
	c.index[account] = el
	if c.order.Len() > c.cap {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.index, back.Value.(Account))
		}
	}
	return false
}

// clientSlot tracks one connection's recent throughput so the attempt can
// evict slow peers (spec.md §4.5 "slow-peer eviction").
type clientSlot struct {
	transport    BootstrapTransport
	blocksPulled int
	lastProgress time.Time
}

// BootstrapAttempt coordinates a pool of client connections (one clientSlot
// per BootstrapTransport) toward
// catching the ledger up with the network (spec.md §4.5).
type BootstrapAttempt struct {
	mode      BootstrapMode
	processor *BlockProcessor
	ledger    *Ledger

	mu            sync.Mutex
	pool          []*clientSlot
	pullsRemaining int
	cache         *pullsCache

	// lazy mode state
	lazyQueue   []BlockHash
	lazyStopped int
	lazyStarted time.Time

	// wallet-lazy mode state
	walletAccounts []Account

	logger *log.Entry
}

// NewBootstrapAttempt builds an attempt draining pulled blocks into
// processor, applied against ledger.
func NewBootstrapAttempt(mode BootstrapMode, processor *BlockProcessor, ledger *Ledger) *BootstrapAttempt {
	return &BootstrapAttempt{
		mode:      mode,
		processor: processor,
		ledger:    ledger,
		cache:     newPullsCache(pullsCacheCapacity),
		logger:    log.WithField("component", "bootstrap"),
	}
}

// TargetPoolSize implements spec.md §4.5's adaptive connection pool
// formula: target = min + (max - min) * min(1, pulls_remaining / 50000).
func TargetPoolSize(pullsRemaining int) int {
	if pullsRemaining <= 0 {
		return bootstrapPoolMin
	}
	frac := float64(pullsRemaining) / float64(bootstrapPullsRemainingFull)
	if frac > 1 {
		frac = 1
	}
	target := float64(bootstrapPoolMin) + float64(bootstrapPoolMax-bootstrapPoolMin)*frac
	return int(target)
}

// AddClient admits a new connection into the pool, subject to the current
// target pool size.
func (a *BootstrapAttempt) AddClient(t BootstrapTransport) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pool) >= TargetPoolSize(a.pullsRemaining) {
		return false
	}
	a.pool = append(a.pool, &clientSlot{transport: t, lastProgress: time.Now()})
	return true
}

// EvictSlow drops any pool connection that has made no progress within
// staleAfter (spec.md §4.5 "slow-peer eviction").
func (a *BootstrapAttempt) EvictSlow(staleAfter time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	kept := a.pool[:0]
	evicted := 0
	for _, slot := range a.pool {
		if now.Sub(slot.lastProgress) > staleAfter {
			evicted++
			continue
		}
		kept = append(kept, slot)
	}
	a.pool = kept
	return evicted
}

// RunLegacy shuffles the pool, walks the frontier table from the zero
// account through the first client, and fans out one bulk_pull per
// discovered frontier across the pool round-robin. A failed pull is not
// retried: its error ends the run and cancels the remaining pulls.
func (a *BootstrapAttempt) RunLegacy(ctx context.Context) error {
	a.mu.Lock()
	pool := append([]*clientSlot(nil), a.pool...)
	a.mu.Unlock()
	if len(pool) == 0 {
		return errNoBootstrapPeers
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	var accounts []Account
	var frontiers []BlockHash
	err := pool[0].transport.FrontierReq(ctx, ZeroAccount, func(acc Account, frontier BlockHash) bool {
		if a.cache.Seen(acc) {
			return true
		}
		accounts = append(accounts, acc)
		frontiers = append(frontiers, frontier)
		return true
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, len(pool))
	for i := range accounts {
		i := i
		slot := pool[i%len(pool)]
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			return a.pullChain(gctx, slot, frontiers[i], ZeroU256)
		})
	}
	return g.Wait()
}

func (a *BootstrapAttempt) pullChain(ctx context.Context, slot *clientSlot, frontier, end BlockHash) error {
	return slot.transport.BulkPull(ctx, frontier, end, func(b *Block) bool {
		slot.lastProgress = time.Now()
		slot.blocksPulled++
		a.processor.Add(b, SourceLive)
		return true
	})
}

// SeedLazy primes the lazy queue with a dependency hash the block processor
// could not satisfy (spec.md §4.5 "lazy: dependency-hash-driven, lazy_add").
func (a *BootstrapAttempt) SeedLazy(dependency BlockHash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lazyStarted.IsZero() {
		a.lazyStarted = time.Now()
	}
	a.lazyQueue = append(a.lazyQueue, dependency)
}

// RunLazy drains the lazy queue, pulling each dependency's single block and
// any further dependency it reveals, bounded by lazy_max_pull_blocks,
// lazy_max_stopped and the runtime caps (spec.md §4.5).
func (a *BootstrapAttempt) RunLazy(ctx context.Context) error {
	a.mu.Lock()
	pool := append([]*clientSlot(nil), a.pool...)
	a.mu.Unlock()
	if len(pool) == 0 {
		return errNoBootstrapPeers
	}

	pulled := 0
	for pulled < lazyMaxPullBlocks {
		a.mu.Lock()
		if len(a.lazyQueue) == 0 {
			a.mu.Unlock()
			break
		}
		dep := a.lazyQueue[0]
		a.lazyQueue = a.lazyQueue[1:]
		elapsed := time.Since(a.lazyStarted)
		a.mu.Unlock()

		if elapsed > lazyMaxRuntime {
			break
		}
		if elapsed < lazyMinRuntime {
			// within the minimum window, keep draining even if progress
			// looks slow
		}

		slot := pool[pulled%len(pool)]
		got := false
		err := slot.transport.BulkPull(ctx, dep, ZeroU256, func(b *Block) bool {
			got = true
			slot.lastProgress = time.Now()
			a.processor.Add(b, SourceLive)
			if h := b.Previous(); !h.IsZero() {
				a.SeedLazy(h)
			}
			if link := b.Link(); !link.IsZero() {
				a.SeedLazy(link)
			}
			return false // lazy mode pulls exactly one block per dependency
		})
		if err != nil || !got {
			a.mu.Lock()
			a.lazyStopped++
			stopped := a.lazyStopped
			a.mu.Unlock()
			if stopped >= lazyMaxStopped {
				break
			}
			continue
		}
		pulled++
	}
	return nil
}

// SeedWalletLazy sets the fixed list of wallet accounts a wallet-lazy
// attempt pulls pending entries for (spec.md §4.5 "wallet-lazy: bulk_pull_
// account per wallet account").
func (a *BootstrapAttempt) SeedWalletLazy(accounts []Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.walletAccounts = accounts
}

// RunWalletLazy pulls pending entries for every seeded wallet account,
// queuing each entry's send hash on the lazy queue.
func (a *BootstrapAttempt) RunWalletLazy(ctx context.Context) error {
	a.mu.Lock()
	pool := append([]*clientSlot(nil), a.pool...)
	accounts := append([]Account(nil), a.walletAccounts...)
	a.mu.Unlock()
	if len(pool) == 0 {
		return errNoBootstrapPeers
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, acc := range accounts {
		i, acc := i, acc
		slot := pool[i%len(pool)]
		g.Go(func() error {
			return slot.transport.BulkPullAccount(gctx, acc, ZeroU128, func(k PendingKey, p PendingInfo) bool {
				slot.lastProgress = time.Now()
				a.SeedLazy(k.SendHash)
				return true
			})
		})
	}
	return g.Wait()
}

var errNoBootstrapPeers = vErr("core: bootstrap attempt has no connected peers")
