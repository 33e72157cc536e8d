// Package routing implements the bucketless node registry the DHT
// engine consults to pick query targets: admission filtering, failure
// counting, a blacklist, protected ids, and ranked queries.
package routing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ncruces/dhtnode/identity"
	"github.com/ncruces/dhtnode/wire"
)

// ErrEmpty is returned by Query when the table holds no entries at all.
var ErrEmpty = errors.New("routing: table is empty")

const (
	attemptThresholdValid   = 5
	attemptThresholdInvalid = 2
)

// Node is a remote peer known to the routing table.
type Node struct {
	Endpoint wire.Endpoint
	ID       [20]byte
	Version  []byte

	mu       sync.Mutex
	attempts int
	pending  int
	lastPing time.Time
	tokens   map[string]string
}

// Attempts returns the node's current consecutive-failure count.
func (n *Node) Attempts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts
}

// Pending returns the node's in-flight query count.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending
}

// AddPending adjusts the in-flight query counter by delta.
func (n *Node) AddPending(delta int) {
	n.mu.Lock()
	n.pending += delta
	n.mu.Unlock()
}

// LastPing returns the last time this node was probed.
func (n *Node) LastPing() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastPing
}

// SetLastPing records the current time as the last probe time.
func (n *Node) SetLastPing(t time.Time) {
	n.mu.Lock()
	n.lastPing = t
	n.mu.Unlock()
}

// SetVersion updates the node's client-version tag, as refreshed from
// the `v` field of each successful reply.
func (n *Node) SetVersion(version []byte) {
	n.mu.Lock()
	n.Version = version
	n.mu.Unlock()
}

// Token returns the get_peers token stored for infoHash, if any.
func (n *Node) Token(infoHash string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tok, ok := n.tokens[infoHash]
	return tok, ok
}

// SetToken records the token received for infoHash in a get_peers reply.
func (n *Node) SetToken(infoHash, token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tokens == nil {
		n.tokens = make(map[string]string)
	}
	n.tokens[infoHash] = token
}

// Valid reports whether this node's id is BEP-42-valid for its endpoint.
func (n *Node) Valid() bool {
	return identity.ValidEndpoint(n.ID, n.Endpoint)
}

func idKey(id [20]byte) string { return string(id[:]) }

// Config tunes the routing table's maintenance loops.
type Config struct {
	ReportInterval time.Duration
	LimitInterval  time.Duration
	LimitCeiling   int
	RedeemInterval time.Duration
	RedeemFraction float64
}

// DefaultConfig returns the table's standard tuning.
func DefaultConfig() Config {
	return Config{
		ReportInterval: 10 * time.Second,
		LimitInterval:  30 * time.Second,
		LimitCeiling:   2000,
		RedeemInterval: 300 * time.Second,
		RedeemFraction: 0.05,
	}
}

// Table is the bucketless node registry.
type Table struct {
	log *slog.Logger
	cfg Config

	mu           sync.Mutex
	nodes        map[string][]*Node
	protectedIDs map[string]bool
	badEndpoints map[wire.Endpoint]bool
}

// New creates an empty routing table.
func New(cfg Config, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		log:          logger.With("component", "routing"),
		cfg:          cfg,
		nodes:        make(map[string][]*Node),
		protectedIDs: make(map[string]bool),
		badEndpoints: make(map[wire.Endpoint]bool),
	}
}

// Protect marks ids as never evicted by admission limits.
func (t *Table) Protect(ids ...[20]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.protectedIDs[idKey(id)] = true
	}
	t.log.Info("protecting ids", "count", len(ids))
}

// Register admits (endpoint, id) into the table, or returns the
// existing entry for that pair. Returns nil if endpoint is blacklisted.
func (t *Table) Register(ep wire.Endpoint, id [20]byte, version []byte) *Node {
	if ep.Port < wire.MinPort {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.badEndpoints[ep] {
		t.log.Debug("rejected blacklisted endpoint", "endpoint", ep)
		return nil
	}

	key := idKey(id)
	for _, n := range t.nodes[key] {
		if n.Endpoint == ep {
			if n.Version == nil {
				n.Version = version
			}
			return n
		}
	}

	n := &Node{Endpoint: ep, ID: id, Version: version}
	t.nodes[key] = append(t.nodes[key], n)
	t.log.Debug("registered node", "endpoint", ep)
	return n
}

// MarkGood resets n's consecutive-failure count.
func (t *Table) MarkGood(n *Node) {
	n.mu.Lock()
	n.attempts = 0
	n.mu.Unlock()
}

// Remove increments n's attempt counter and evicts it once the
// threshold for its validity class is exceeded, unless it is
// protected. A forced removal always evicts and never blacklists.
func (t *Table) Remove(n *Node, force bool) {
	n.mu.Lock()
	n.attempts++
	attempts := n.attempts
	n.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	key := idKey(n.ID)
	list, ok := t.nodes[key]
	if !ok {
		return
	}

	threshold := attemptThresholdInvalid
	if n.Valid() {
		threshold = attemptThresholdValid
	}
	protected := t.protectedIDs[key]
	tooMany := attempts > threshold

	if !force && (!tooMany || protected) {
		return
	}
	if !force {
		t.badEndpoints[n.Endpoint] = true
	}

	kept := list[:0:0]
	for _, other := range list {
		if other.Endpoint != n.Endpoint {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		delete(t.nodes, key)
	} else {
		t.nodes[key] = kept
	}
}

// QueryOptions configures Query.
type QueryOptions struct {
	Limit     int // 0 means unlimited
	Predicate func(*Node) bool
	Compare   func(a, b *Node) int // negative if a ranks before b; nil means ascending id
}

// Query returns a ranked, filtered snapshot of the table's nodes.
// Returns ErrEmpty if the table has no entries at all.
func (t *Table) Query(opts QueryOptions) ([]*Node, error) {
	t.mu.Lock()
	if len(t.nodes) == 0 {
		t.mu.Unlock()
		return nil, ErrEmpty
	}
	result := make([]*Node, 0)
	for _, list := range t.nodes {
		for _, n := range list {
			if opts.Predicate == nil || opts.Predicate(n) {
				result = append(result, n)
			}
		}
	}
	t.mu.Unlock()

	cmp := opts.Compare
	if cmp == nil {
		cmp = func(a, b *Node) int { return bytes.Compare(a.ID[:], b.ID[:]) }
	}
	sort.Slice(result, func(i, j int) bool {
		return cmp(result[i], result[j]) < 0
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// Size returns the number of distinct ids and total node entries.
func (t *Table) Size() (ids int, nodes int, bad int, protected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids = len(t.nodes)
	for _, list := range t.nodes {
		nodes += len(list)
	}
	bad = len(t.badEndpoints)
	protected = len(t.protectedIDs)
	return
}

// Run starts the report/limit/redeem maintenance loops and blocks until
// ctx is cancelled.
func (t *Table) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); t.reportLoop(ctx) }()
	go func() { defer wg.Done(); t.limitLoop(ctx) }()
	go func() { defer wg.Done(); t.redeemLoop(ctx) }()
	wg.Wait()
}

func (t *Table) reportLoop(ctx context.Context) {
	interval := t.cfg.ReportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, nodes, bad, protected := t.Size()
			t.log.Info("routing table status", "ids", ids, "nodes", nodes, "bad", bad, "protected", protected)
			if t.log.Enabled(ctx, slog.LevelDebug) {
				if all, err := t.Query(QueryOptions{}); err == nil {
					for _, n := range all {
						t.log.Debug("node", "endpoint", n.Endpoint, "attempts", n.Attempts(), "valid", n.Valid())
					}
				}
			}
		}
	}
}

func (t *Table) limitLoop(ctx context.Context) {
	interval := t.cfg.LimitInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ceiling := t.cfg.LimitCeiling
	if ceiling <= 0 {
		ceiling = 2000
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.enforceLimit(ceiling)
		}
	}
}

func (t *Table) enforceLimit(ceiling int) {
	// Query calls the predicate with t.mu already held.
	all, err := t.Query(QueryOptions{
		Predicate: func(n *Node) bool {
			return !t.badEndpoints[n.Endpoint]
		},
	})
	if err != nil {
		return
	}
	if len(all) <= ceiling {
		return
	}
	excess := len(all) - ceiling
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	for i := 0; i < excess; i++ {
		t.Remove(all[i], true)
	}
	t.log.Debug("size limiter evicted nodes", "count", excess)
}

func (t *Table) redeemLoop(ctx context.Context) {
	interval := t.cfg.RedeemInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	fraction := t.cfg.RedeemFraction
	if fraction <= 0 {
		fraction = 0.05
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.redeem(fraction)
		}
	}
}

func (t *Table) redeem(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	remove := int(fraction * float64(len(t.badEndpoints)))
	for ep := range t.badEndpoints {
		if remove <= 0 {
			break
		}
		delete(t.badEndpoints, ep)
		remove--
	}
}

// RankByXOR ranks nodes by XOR distance of their full 160-bit id to
// target, the big-endian integer interpretation over all 20 bytes used
// for the XOR metric.
func RankByXOR(target [20]byte) func(a, b *Node) int {
	xorDistance := func(id [20]byte) [20]byte {
		var d [20]byte
		for i := range d {
			d[i] = id[i] ^ target[i]
		}
		return d
	}
	return func(a, b *Node) int {
		da, db := xorDistance(a.ID), xorDistance(b.ID)
		return bytes.Compare(da[:], db[:])
	}
}

// SelectValid is a QueryOptions.Predicate that admits only BEP-42-valid
// nodes, as used when answering find_node/get_peers queries.
func SelectValid(n *Node) bool { return n.Valid() }

// NotBlacklisted builds a predicate excluding endpoints present in
// blacklist.
func NotBlacklisted(blacklist map[wire.Endpoint]bool) func(*Node) bool {
	return func(n *Node) bool { return !blacklist[n.Endpoint] }
}
