// Package transport implements the non-blocking UDP datagram transport
// that the KRPC peer sits on top of: a bounded send queue with retry,
// and a blocking-with-timeout receive path.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// ErrTransportClosed is returned by Send and Recv once Close has run.
var ErrTransportClosed = errors.New("transport: closed")

// recvBufSize is the per-datagram receive buffer; UDP never fragments a
// datagram larger than this, so anything bigger is simply truncated by
// the kernel, matching the reference 64 KiB budget.
const recvBufSize = 64 * 1024

// DefaultSendRetries is the number of attempts a single queued datagram
// gets before it is dropped silently.
const DefaultSendRetries = 100

// Datagram pairs a payload with its source or destination endpoint.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// Transport is a non-blocking send / blocking-receive UDP socket. The
// zero value is not usable; construct with Listen.
type Transport struct {
	log     *slog.Logger
	conn    *net.UDPConn
	retries int

	sendCh chan Datagram
	recvCh chan Datagram

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Listen binds a UDP socket to addr and starts its send and receive
// loops. retries is the per-datagram send retry budget; zero selects
// DefaultSendRetries.
func Listen(addr string, retries int, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if retries <= 0 {
		retries = DefaultSendRetries
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	tr := &Transport{
		log:     logger.With("component", "transport", "addr", addr),
		conn:    conn,
		retries: retries,
		sendCh:  make(chan Datagram, 256),
		recvCh:  make(chan Datagram, 256),
		closed:  make(chan struct{}),
	}

	tr.wg.Add(2)
	go tr.sendLoop()
	go tr.recvLoop()

	tr.log.Info("listening")
	return tr, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send enqueues data for delivery to addr. Non-blocking: returns
// ErrTransportClosed if the transport has been closed, otherwise
// succeeds immediately regardless of whether the datagram is ultimately
// delivered.
func (t *Transport) Send(addr netip.AddrPort, data []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case t.sendCh <- Datagram{Addr: addr, Data: data}:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	}
}

// Recv blocks until a datagram arrives, the timeout elapses, or the
// transport is closed. A zero timeout blocks indefinitely.
func (t *Transport) Recv(timeout time.Duration) (Datagram, error) {
	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case dg, ok := <-t.recvCh:
		if !ok {
			return Datagram{}, ErrTransportClosed
		}
		return dg, nil
	case <-after:
		return Datagram{}, fmt.Errorf("transport: recv timeout")
	case <-t.closed:
		return Datagram{}, ErrTransportClosed
	}
}

// Close stops the send and receive loops, drains both queues, and
// unblocks any waiter.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
		t.wg.Wait()
		close(t.recvCh)
		t.log.Info("closed")
	})
	return err
}

func (t *Transport) sendLoop() {
	defer t.wg.Done()
	for {
		select {
		case dg := <-t.sendCh:
			t.trySend(dg)
		case <-t.closed:
			return
		}
	}
}

func (t *Transport) trySend(dg Datagram) {
	for attempt := 0; attempt < t.retries; attempt++ {
		select {
		case <-t.closed:
			return
		default:
		}
		_, err := t.conn.WriteToUDPAddrPort(dg.Data, dg.Addr)
		if err == nil {
			return
		}
		t.log.Debug("send attempt failed", "addr", dg.Addr, "attempt", attempt, "err", err)
	}
	t.log.Debug("dropping datagram after exhausting retries", "addr", dg.Addr)
}

func (t *Transport) recvLoop() {
	defer t.wg.Done()
	buf := make([]byte, recvBufSize)
	for {
		n, src, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Debug("recv error", "err", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case t.recvCh <- Datagram{Addr: src, Data: data}:
		case <-t.closed:
			return
		}
	}
}
