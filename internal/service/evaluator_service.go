// Package service contains application services.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/agoramesh/policygate/internal/adapter/outbound/cel"
	"github.com/agoramesh/policygate/internal/domain/policy"
	"github.com/agoramesh/policygate/internal/metrics"
)

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key    uint64
	result policy.Result
	prev   *lruEntry
	next   *lruEntry
}

// ResultCache provides bounded LRU caching for evaluation results.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached result. Returns (result, true) on hit.
// On hit, the entry is promoted to the head (most recently used).
func (c *ResultCache) Get(key uint64) (policy.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.result, true
	}
	return policy.Result{}, false
}

// Put stores a result. If at capacity, the least recently used entry is
// evicted.
func (c *ResultCache) Put(key uint64, result policy.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = result
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, result: result}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called when packs change.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey generates a unique hash for a (pack, input) pair.
// The input digest uses JSON marshaling, which sorts map keys, so the
// key is deterministic for equal inputs. Returns false when the input
// cannot be digested (e.g. tool context holding a non-marshalable
// value); such evaluations must bypass the cache entirely, otherwise
// distinct inputs would share a pack-only key.
func computeCacheKey(pack *policy.Pack, input *policy.Input) (uint64, bool) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return 0, false
	}
	h := xxhash.New()
	_, _ = h.WriteString(pack.ID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(pack.Version.String())
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(inputJSON)
	return h.Sum64(), true
}

// EvaluatorService implements policy.Evaluator with conjunctive
// predicate-tree evaluation. Categories are always walked in canonical
// order; any single category failure denies the whole decision, and a
// category absent from the pack imposes no constraint.
//
// CEL expression leaves are compiled once and cached by expression text.
// Evaluation results are cached in a bounded LRU keyed by pack identity
// and input digest; both caches only memoize deterministic computations.
type EvaluatorService struct {
	cel    *celeval.Evaluator
	cache  *ResultCache
	logger *slog.Logger
	meter  *metrics.Metrics

	progMu   sync.RWMutex
	programs map[string]cel.Program
}

// EvaluatorOption configures EvaluatorService.
type EvaluatorOption func(*EvaluatorService)

// WithCacheSize sets the maximum number of cached results.
func WithCacheSize(size int) EvaluatorOption {
	return func(s *EvaluatorService) {
		s.cache = NewResultCache(size)
	}
}

// NewEvaluatorService creates a new EvaluatorService.
func NewEvaluatorService(logger *slog.Logger, meter *metrics.Metrics, opts ...EvaluatorOption) (*EvaluatorService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &EvaluatorService{
		cel:      evaluator,
		cache:    NewResultCache(1000),
		logger:   logger,
		meter:    meter,
		programs: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidateRules checks rule definitions before a pack persists: every
// category must be recognized, every predicate structurally valid, and
// every CEL expression compilable.
func (s *EvaluatorService) ValidateRules(rules map[policy.Category]policy.Rule) error {
	if len(rules) == 0 {
		return errors.New("at least one rule category is required")
	}
	for cat, rule := range rules {
		if !cat.Valid() {
			return fmt.Errorf("unknown rule category %q", cat)
		}
		if err := rule.Predicate.Validate(); err != nil {
			return fmt.Errorf("category %s: %w", cat, err)
		}
		for _, expr := range rule.Predicate.Expressions() {
			if err := s.cel.ValidateExpression(expr); err != nil {
				return fmt.Errorf("category %s: %w", cat, err)
			}
		}
	}
	return nil
}

// InvalidateCache clears the result cache. Called after pack mutations
// so stale results are never served.
func (s *EvaluatorService) InvalidateCache() {
	s.cache.Clear()
}

// Evaluate runs all enabled rule categories conjunctively against the
// input. Pure with respect to its arguments: no I/O, no mutation, and
// identical results for identical (pack, input) pairs.
func (s *EvaluatorService) Evaluate(ctx context.Context, pack *policy.Pack, input *policy.Input) (policy.Result, error) {
	if pack == nil {
		return policy.Result{}, errors.New("nil policy pack")
	}

	cacheKey, cacheable := computeCacheKey(pack, input)
	if cacheable {
		if result, ok := s.cache.Get(cacheKey); ok {
			s.meter.CacheHits.Inc()
			return result, nil
		}
		s.meter.CacheMisses.Inc()
	}

	var reasons []string
	for _, cat := range policy.CategoryOrder {
		rule, ok := pack.Rules[cat]
		if !ok {
			continue // open by omission
		}
		passed, err := s.evalPredicate(rule.Predicate, input)
		if err != nil {
			return policy.Result{}, fmt.Errorf("category %s: %w", cat, err)
		}
		if !passed {
			reasons = append(reasons, cat.ReasonCode())
		}
	}

	var result policy.Result
	if len(reasons) > 0 {
		result = policy.Denied(input, reasons...)
	} else {
		result = policy.Allowed(input)
	}

	if cacheable {
		s.cache.Put(cacheKey, result)
	}
	return result, nil
}

// evalPredicate walks the predicate tree. A nil predicate passes.
func (s *EvaluatorService) evalPredicate(p *policy.Predicate, input *policy.Input) (bool, error) {
	if p == nil {
		return true, nil
	}

	switch {
	case len(p.All) > 0:
		for _, child := range p.All {
			ok, err := s.evalPredicate(child, input)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(p.Any) > 0:
		for _, child := range p.Any {
			ok, err := s.evalPredicate(child, input)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case p.Not != nil:
		ok, err := s.evalPredicate(p.Not, input)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case p.Cmp != nil:
		return evalComparison(p.Cmp, input)

	case p.Expr != "":
		prg, err := s.program(p.Expr)
		if err != nil {
			return false, err
		}
		return s.cel.Evaluate(prg, input)

	default:
		// Empty nodes are rejected at validation time; an empty node
		// reaching evaluation still must not deny.
		return true, nil
	}
}

// program returns the compiled CEL program for an expression, compiling
// and caching it on first use.
func (s *EvaluatorService) program(expr string) (cel.Program, error) {
	s.progMu.RLock()
	prg, ok := s.programs[expr]
	s.progMu.RUnlock()
	if ok {
		return prg, nil
	}

	compiled, err := s.cel.Compile(expr)
	if err != nil {
		return nil, err
	}

	s.progMu.Lock()
	s.programs[expr] = compiled
	s.progMu.Unlock()
	return compiled, nil
}

// Compile-time interface verification.
var _ policy.Evaluator = (*EvaluatorService)(nil)
