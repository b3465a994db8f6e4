package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "tcp/target/allow").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates target decisions using an embedded OPA instance.
type Engine struct {
	entrypoint string
	prepared   rego.PreparedEvalQuery
	cache      *decisionCache
	logger     *slog.Logger
}

const (
	// DefaultEntrypoint is used when EngineOptions.Entrypoint is empty.
	DefaultEntrypoint    = "tcp/target/allow"
	defaultCacheCapacity = 1024
)

// NewEngine parses and compiles the modules and prepares the entrypoint query.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = DefaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	regoOpts := make([]func(*rego.Rego), 0, len(moduleOrder)+1)
	regoOpts = append(regoOpts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		entrypoint: entry,
		prepared:   prepared,
		logger:     logger.With("component", "policy"),
	}
	if maxEntries > 0 {
		engine.cache = newDecisionCache(maxEntries)
	}
	return engine, nil
}

// Evaluate runs the entrypoint against input.
func (e *Engine) Evaluate(ctx context.Context, input TargetInput) (Decision, error) {
	key := e.cacheKey(input)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input.toMap()))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	decision := Decision{Reason: "policy result undefined"}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		decision, err = parseDecision(results[0].Expressions[0].Value)
		if err != nil {
			return Decision{}, err
		}
	}

	e.logger.DebugContext(ctx, "target policy evaluated",
		"entrypoint", e.entrypoint,
		"host", input.Host,
		"port", input.Port,
		"allow", decision.Allow,
		"reason", decision.Reason,
	)

	if e.cache != nil {
		e.cache.Add(key, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Entrypoint returns the decision path.
func (e *Engine) Entrypoint() string {
	return e.entrypoint
}

func parseDecision(value any) (Decision, error) {
	switch typed := value.(type) {
	case bool:
		if typed {
			return Decision{Allow: true}, nil
		}
		return Decision{Reason: "denied by policy"}, nil
	case map[string]any:
		allow, ok := typed["allow"].(bool)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: allow must be bool, got %T", typed["allow"])
		}
		reason, _ := typed["reason"].(string)
		if !allow && reason == "" {
			reason = "denied by policy"
		}
		return Decision{Allow: allow, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}

func (e *Engine) cacheKey(input TargetInput) string {
	h := sha256.New()
	writeCacheKeyField(h, e.entrypoint)
	writeCacheKeyField(h, strings.ToLower(strings.TrimSpace(input.Host)))
	writeCacheKeyField(h, strconv.Itoa(input.Port))
	writeCacheKeyField(h, strconv.FormatBool(input.TLS))
	writeCacheKeyField(h, input.Originator)
	return hex.EncodeToString(h.Sum(nil))
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}

	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
