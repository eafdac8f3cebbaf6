// Package cache stores diagnostic reports keyed by perceptual fingerprint
// with TTL expiry and LRU capacity enforcement.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/leafscan/pkg/phash"
	"github.com/menta2k/leafscan/pkg/types"
)

const (
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultMaxEntries = 100
	defaultStripes    = 64
)

// Options configures a ResultCache
type Options struct {
	TTL                 time.Duration
	MaxEntries          int
	SimilarityThreshold float64
	// Clock returns the current time; time.Now when nil
	Clock  func() time.Time
	Logger logrus.FieldLogger
}

// DefaultOptions returns a 7 day TTL, 100 entries and a 0.95 similarity threshold
func DefaultOptions() Options {
	return Options{
		TTL:                 DefaultTTL,
		MaxEntries:          DefaultMaxEntries,
		SimilarityThreshold: phash.DefaultSimilarityThreshold,
	}
}

// Hit describes a successful lookup
type Hit struct {
	Entry      Entry
	Similarity float64
	Exact      bool
}

// ResultCache maps fingerprints to diagnostic reports. Reads and writes
// for one key are serialized by a striped lock; unrelated keys proceed
// in parallel.
type ResultCache struct {
	store   Store
	hasher  *phash.Hasher
	opts    Options
	stripes []sync.Mutex
	evictMu sync.Mutex
	log     logrus.FieldLogger
}

// New creates a cache over store
func New(store Store, hasher *phash.Hasher, opts Options) *ResultCache {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if hasher == nil {
		hasher = phash.New()
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &ResultCache{
		store:   store,
		hasher:  hasher,
		opts:    opts,
		stripes: make([]sync.Mutex, defaultStripes),
		log:     log,
	}
}

// Options returns the effective options
func (c *ResultCache) Options() Options { return c.opts }

// Fingerprint hashes img with the cache's hasher
func (c *ResultCache) Fingerprint(img image.Image) (phash.Fingerprint, error) {
	return c.hasher.Fingerprint(img)
}

func (c *ResultCache) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.stripes[h.Sum32()%uint32(len(c.stripes))]
}

// Lookup returns the cached report for img, if any
func (c *ResultCache) Lookup(ctx context.Context, img image.Image) (*types.DiagnosticReport, bool, error) {
	fp, err := c.Fingerprint(img)
	if err != nil {
		return nil, false, err
	}
	hit, err := c.LookupFingerprint(ctx, fp)
	if err != nil || hit == nil {
		return nil, false, err
	}
	report := hit.Entry.Report
	return &report, true, nil
}

// LookupFingerprint tries the exact key first, then scans non-expired
// entries oldest first for one at least SimilarityThreshold similar.
// A hit bumps the entry's access count and last access time. It returns
// nil on a miss.
func (c *ResultCache) LookupFingerprint(ctx context.Context, fp phash.Fingerprint) (*Hit, error) {
	key := fp.Hex()
	if hit, err := c.touch(ctx, key, fp); err != nil || hit != nil {
		return hit, err
	}

	entries, err := c.store.ListByLastAccess(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CachedAt.Before(entries[j].CachedAt)
	})

	now := c.opts.Clock()
	for _, e := range entries {
		if e.Key == key || e.Expired(now) {
			continue
		}
		candidate, err := phash.Parse(e.Fingerprint)
		if err != nil {
			continue
		}
		if !phash.AreSimilar(fp, candidate, c.opts.SimilarityThreshold) {
			continue
		}
		hit, err := c.touch(ctx, e.Key, fp)
		if err != nil {
			return nil, err
		}
		if hit != nil {
			return hit, nil
		}
	}
	return nil, nil
}

// touch loads key under its lock and records the access. Missing or
// expired entries yield nil.
func (c *ResultCache) touch(ctx context.Context, key string, fp phash.Fingerprint) (*Hit, error) {
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	e, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	now := c.opts.Clock()
	if e.Expired(now) {
		return nil, nil
	}

	stored, err := phash.Parse(e.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", key, err)
	}

	e.AccessCount++
	e.LastAccessedAt = now
	if err := c.store.Put(ctx, e); err != nil {
		return nil, fmt.Errorf("cache put: %w", err)
	}

	sim := phash.Similarity(fp, stored)
	return &Hit{Entry: *e, Similarity: sim, Exact: fp.Equal(stored)}, nil
}

// Store caches the report for img
func (c *ResultCache) Store(ctx context.Context, img image.Image, report types.DiagnosticReport) error {
	fp, err := c.Fingerprint(img)
	if err != nil {
		return err
	}
	return c.StoreFingerprint(ctx, fp, report)
}

// StoreFingerprint inserts or replaces the entry for fp and then evicts
// least recently used entries above MaxEntries
func (c *ResultCache) StoreFingerprint(ctx context.Context, fp phash.Fingerprint, report types.DiagnosticReport) error {
	if fp.IsZero() {
		return phash.ErrInvalidFingerprint
	}
	key := fp.Hex()
	now := c.opts.Clock()
	entry := &Entry{
		Key:            key,
		Fingerprint:    fp.String(),
		Report:         report,
		CachedAt:       now,
		ExpiresAt:      now.Add(c.opts.TTL),
		LastAccessedAt: now,
	}

	mu := c.lockFor(key)
	mu.Lock()
	err := c.store.Put(ctx, entry)
	mu.Unlock()
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	if _, err := c.enforceCapacity(ctx); err != nil {
		return err
	}
	return nil
}

// enforceCapacity evicts least recently accessed entries until at most
// MaxEntries remain
func (c *ResultCache) enforceCapacity(ctx context.Context) (int, error) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	n, err := c.store.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache len: %w", err)
	}
	if n <= c.opts.MaxEntries {
		return 0, nil
	}

	entries, err := c.store.ListByLastAccess(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache scan: %w", err)
	}

	evicted := 0
	for _, e := range entries {
		if len(entries)-evicted <= c.opts.MaxEntries {
			break
		}
		mu := c.lockFor(e.Key)
		mu.Lock()
		err := c.store.Delete(ctx, e.Key)
		mu.Unlock()
		if err != nil {
			return evicted, fmt.Errorf("cache evict: %w", err)
		}
		evicted++
		c.log.WithFields(logrus.Fields{
			"fingerprint":      e.Key,
			"last_accessed_at": e.LastAccessedAt,
		}).Debug("evicted least recently used cache entry")
	}
	return evicted, nil
}

// EvictExpired deletes every entry whose expiry is in the past
func (c *ResultCache) EvictExpired(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpired(ctx, c.opts.Clock())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	if n > 0 {
		c.log.WithField("evicted", n).Debug("removed expired cache entries")
	}
	return n, nil
}

// EvictExpiredAndOverflow runs the expiry sweep followed by capacity enforcement
func (c *ResultCache) EvictExpiredAndOverflow(ctx context.Context) (int, error) {
	expired, err := c.EvictExpired(ctx)
	if err != nil {
		return expired, err
	}
	overflow, err := c.enforceCapacity(ctx)
	return expired + overflow, err
}

// Len returns the number of stored entries, expired ones included
func (c *ResultCache) Len(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}

// Entries returns a snapshot of all entries, least recently accessed first
func (c *ResultCache) Entries(ctx context.Context) ([]*Entry, error) {
	return c.store.ListByLastAccess(ctx)
}

// StartSweeper runs EvictExpiredAndOverflow every interval until ctx is done.
// The returned channel is closed when the sweeper exits. A non-positive
// interval starts nothing and returns a closed channel.
func (c *ResultCache) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		c.log.WithField("interval", interval).Warn("cache sweeper disabled: non-positive interval")
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.EvictExpiredAndOverflow(ctx); err != nil && ctx.Err() == nil {
					c.log.WithError(err).Warn("cache sweep failed")
				}
			}
		}
	}()
	return done
}
