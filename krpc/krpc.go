// Package krpc implements the bencoded request/response RPC layer that
// rides on top of the UDP transport: transaction-id matching for
// outgoing queries, and a method-name dispatcher for incoming ones.
package krpc

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ncruces/dhtnode/bencode"
	"github.com/ncruces/dhtnode/transport"
	"github.com/ncruces/dhtnode/wire"
)

// ErrProtocolViolation names well-formed bencode that is missing
// required keys or has the wrong shape for its declared type. The peer
// logs and drops such datagrams; no function in this package returns it.
var ErrProtocolViolation = errors.New("krpc: protocol violation")

// ErrTimeout is returned by Wait when a completion does not resolve
// within the caller's deadline. The completion remains waitable.
var ErrTimeout = errors.New("krpc: timeout")

// ErrClosed is returned by SendQuery once the peer has been shut down.
var ErrClosed = errors.New("krpc: closed")

// KRPCError represents a well-formed `y == e` reply.
type KRPCError struct {
	Code    int64
	Message string
}

func (e *KRPCError) Error() string {
	return fmt.Sprintf("krpc: error %d: %s", e.Code, e.Message)
}

// ClientVersion is echoed in the `v` key of every outgoing message.
var ClientVersion = []byte("dn01")

// Handler answers an incoming query. replyFn sends a successful reply
// built from the given values; the BEP-42 `ip` field is added by the
// peer automatically. args is the decoded `a` dictionary of the query.
type Handler func(source netip.AddrPort, replyFn func(values bencode.Dict), args bencode.Dict)

// Completion is a single-shot future resolved by a matching reply or
// error, or left unresolved until its caller-supplied timeout elapses.
type Completion struct {
	done chan struct{}
	mu   sync.Mutex

	values bencode.Dict
	kerr   *KRPCError
	v      []byte
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(values bencode.Dict, kerr *KRPCError, v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return // already resolved; ignore duplicate/late replies
	default:
	}
	c.values = values
	c.kerr = kerr
	c.v = v
	close(c.done)
}

// Wait blocks until the completion resolves or timeout elapses. A zero
// timeout blocks indefinitely.
func (c *Completion) Wait(timeout time.Duration) (bencode.Dict, error) {
	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case <-c.done:
		if c.kerr != nil {
			return nil, c.kerr
		}
		return c.values, nil
	case <-after:
		return nil, ErrTimeout
	}
}

// Version returns the `v` field of the resolved reply, if any. Only
// meaningful after Wait returns successfully.
func (c *Completion) Version() []byte {
	return c.v
}

type txKey struct {
	addr netip.AddrPort
	tx   uint16
}

// Peer is a KRPC endpoint: it sends queries and tracks their
// completions by transaction id, and dispatches incoming queries to
// registered handlers.
type Peer struct {
	log *slog.Logger
	tr  *transport.Transport

	mu       sync.Mutex
	pending  map[txKey]*Completion
	handlers map[string]Handler

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewPeer wraps tr, dispatching incoming queries to the registered
// handlers and incoming replies to outstanding completions. Call
// Serve to start the receive loop.
func NewPeer(tr *transport.Transport, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		log:      logger.With("component", "krpc"),
		tr:       tr,
		pending:  make(map[txKey]*Completion),
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}
}

// Handle registers the handler invoked for incoming queries named
// method. Must be called before Serve.
func (p *Peer) Handle(method string, h Handler) {
	p.handlers[method] = h
}

// Serve runs the receive loop until the transport closes; Shutdown alone
// does not stop it. Intended to run in its own goroutine.
func (p *Peer) Serve() {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		dg, err := p.tr.Recv(0)
		if err != nil {
			return
		}
		p.handleDatagram(dg)
	}
}

// Shutdown stops accepting new work; Serve returns once the underlying
// transport is closed by the caller.
func (p *Peer) Shutdown() {
	close(p.closed)
	p.wg.Wait()
}

// SendQuery allocates a fresh transaction id, serializes method/args as
// a query, and hands it to the transport, returning a Completion the
// caller can Wait on.
func (p *Peer) SendQuery(addr netip.AddrPort, method string, args bencode.Dict) (*Completion, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}

	tx, comp, err := p.register(addr)
	if err != nil {
		return nil, err
	}

	msg := bencode.Dict{
		"t": tx,
		"y": "q",
		"q": method,
		"a": args,
		"v": string(ClientVersion),
	}
	buf, err := bencode.Encode(msg)
	if err != nil {
		p.unregister(addr, tx)
		return nil, fmt.Errorf("krpc: encode query: %w", err)
	}

	if err := p.tr.Send(addr, buf); err != nil {
		p.unregister(addr, tx)
		return nil, err
	}
	return comp, nil
}

func (p *Peer) register(addr netip.AddrPort) (string, *Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempts := 0; attempts < 64; attempts++ {
		var txb [2]byte
		if _, err := rand.Read(txb[:]); err != nil {
			return "", nil, fmt.Errorf("krpc: generate transaction id: %w", err)
		}
		key := txKey{addr: addr, tx: wire.Uint16(txb[:])}
		if _, exists := p.pending[key]; exists {
			continue
		}
		comp := newCompletion()
		p.pending[key] = comp
		return string(txb[:]), comp, nil
	}
	return "", nil, fmt.Errorf("krpc: could not allocate a free transaction id")
}

func (p *Peer) unregister(addr netip.AddrPort, tx string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, txKey{addr: addr, tx: txUint16(tx)})
}

func txUint16(tx string) uint16 {
	if len(tx) != 2 {
		return 0
	}
	return wire.Uint16([]byte(tx))
}

func (p *Peer) take(addr netip.AddrPort, tx string) *Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := txKey{addr: addr, tx: txUint16(tx)}
	comp, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	return comp
}

func (p *Peer) handleDatagram(dg transport.Datagram) {
	v, err := bencode.Decode(dg.Data)
	if err != nil {
		p.log.Debug("dropping malformed datagram", "addr", dg.Addr, "err", err)
		return
	}
	msg, ok := v.(bencode.Dict)
	if !ok {
		p.log.Debug("dropping non-dict datagram", "addr", dg.Addr)
		return
	}

	y, err := msg.GetString("y")
	if err != nil {
		p.log.Debug("dropping datagram missing y", "addr", dg.Addr)
		return
	}

	switch y {
	case "r", "e":
		p.handleReply(dg.Addr, msg, y)
	case "q":
		p.handleQuery(dg.Addr, msg)
	default:
		p.log.Debug("dropping datagram with unknown y", "addr", dg.Addr, "y", y)
	}
}

func (p *Peer) handleReply(addr netip.AddrPort, msg bencode.Dict, y string) {
	tx, err := msg.GetString("t")
	if err != nil {
		p.log.Debug("dropping reply missing t", "addr", addr)
		return
	}
	comp := p.take(addr, tx)
	if comp == nil {
		p.log.Debug("dropping unmatched reply", "addr", addr)
		return
	}

	var v []byte
	if vs, err := msg.GetString("v"); err == nil {
		v = []byte(vs)
	}

	if y == "e" {
		kerr := decodeKRPCError(msg)
		comp.resolve(nil, kerr, v)
		return
	}

	values, err := msg.GetDict("r")
	if err != nil {
		p.log.Debug("dropping reply missing r", "addr", addr)
		comp.resolve(nil, &KRPCError{Code: 203, Message: "missing r"}, v)
		return
	}
	comp.resolve(values, nil, v)
}

func decodeKRPCError(msg bencode.Dict) *KRPCError {
	list, err := msg.GetList("e")
	if err != nil || len(list) != 2 {
		return &KRPCError{Code: 201, Message: "generic error"}
	}
	code, _ := list[0].(int64)
	text, _ := list[1].(string)
	return &KRPCError{Code: code, Message: text}
}

func (p *Peer) handleQuery(addr netip.AddrPort, msg bencode.Dict) {
	tx, err := msg.GetString("t")
	if err != nil {
		p.log.Debug("dropping query missing t", "addr", addr)
		return
	}
	method, err := msg.GetString("q")
	if err != nil {
		p.log.Debug("dropping query missing q", "addr", addr)
		return
	}
	args, err := msg.GetDict("a")
	if err != nil {
		p.log.Debug("dropping query missing a", "addr", addr)
		return
	}

	handler, ok := p.handlers[method]
	if !ok {
		p.log.Debug("ignoring unknown method", "addr", addr, "method", method)
		return
	}

	replyFn := func(values bencode.Dict) {
		p.sendReply(addr, tx, values)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("handler panicked", "addr", addr, "method", method, "recover", r)
			}
		}()
		handler(addr, replyFn, args)
	}()
}

func (p *Peer) sendReply(addr netip.AddrPort, tx string, values bencode.Dict) {
	ip, err := wire.EncodeIPv4(addr.Addr())
	if err != nil {
		p.log.Debug("cannot echo ip for non-IPv4 source", "addr", addr)
	} else {
		var epbuf [6]byte
		copy(epbuf[0:4], ip[:])
		wire.PutUint16(epbuf[4:6], addr.Port())
		values = cloneWithIP(values, string(epbuf[:]))
	}

	msg := bencode.Dict{
		"t": tx,
		"y": "r",
		"r": values,
		"v": string(ClientVersion),
	}
	buf, err := bencode.Encode(msg)
	if err != nil {
		p.log.Error("encode reply", "addr", addr, "err", err)
		return
	}
	if err := p.tr.Send(addr, buf); err != nil {
		p.log.Debug("send reply", "addr", addr, "err", err)
	}
}

func cloneWithIP(values bencode.Dict, ip string) bencode.Dict {
	out := make(bencode.Dict, len(values)+1)
	for k, v := range values {
		out[k] = v
	}
	out["ip"] = ip
	return out
}

// SendError sends a KRPC error reply carrying transaction id tx to addr.
// The caller supplies tx; a Handler is not given the transaction id of
// the query it answers.
func (p *Peer) SendError(addr netip.AddrPort, tx string, code int64, message string) {
	msg := bencode.Dict{
		"t": tx,
		"y": "e",
		"e": []any{code, message},
		"v": string(ClientVersion),
	}
	buf, err := bencode.Encode(msg)
	if err != nil {
		p.log.Error("encode error reply", "addr", addr, "err", err)
		return
	}
	if err := p.tr.Send(addr, buf); err != nil {
		p.log.Debug("send error reply", "addr", addr, "err", err)
	}
}
