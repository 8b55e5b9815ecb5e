// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package transport owns the UDP socket and the outbound queue shared by the
// Peer and Controller engines: a single-reader, multi-writer pipeline with a
// bounded send queue that blocks producers when full.
package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"udplink/logging"
	"udplink/wire"
)

// DefaultSendQueueCapacity is used when Options.SendQueueCapacity is zero.
const DefaultSendQueueCapacity = 100

// maxDatagramSize is large enough for any frame this protocol defines, with
// headroom; UDP/IP handles fragmentation above the configured MTU on its own.
const maxDatagramSize = 2048

// ErrAlreadyStarted is returned by Start when the transport is running.
var ErrAlreadyStarted = errors.New("transport: already started")

// Options configures a Transport.
type Options struct {
	Local             *net.UDPAddr // required
	Remote            *net.UDPAddr // optional default dispatch target
	SendQueueCapacity int          // default 100
}

// Dispatcher receives decoded-ready datagrams off the receive loop. Peer and
// Controller engines implement this to dispatch by message kind.
type Dispatcher interface {
	OnDatagram(data []byte, from *net.UDPAddr)
}

// Stats are best-effort counters updated from the send/receive loops. They
// are ambient observability, not part of the wire protocol.
type Stats struct {
	DatagramsSent     int64
	DatagramsReceived int64
	BytesSent         int64
	BytesReceived     int64
}

type outboundPacket struct {
	data []byte
	dest *net.UDPAddr
}

// Transport binds a single UDP socket and runs exactly two loops on it: a
// receive loop handing datagrams to a Dispatcher, and a send loop that is
// the sole consumer of a bounded outbound queue.
type Transport struct {
	opts Options
	sink logging.Sink

	mu      sync.Mutex
	started bool
	conn    *net.UDPConn
	queue   chan outboundPacket
	stopCh  chan struct{}
	wg      sync.WaitGroup

	dispatcher Dispatcher

	datagramsSent     int64
	datagramsReceived int64
	bytesSent         int64
	bytesReceived     int64
}

// New returns a Transport configured with opts. sink may be nil, in which
// case diagnostics are discarded.
func New(opts Options, sink logging.Sink) *Transport {
	if sink == nil {
		sink = logging.Discard
	}
	return &Transport{opts: opts, sink: sink}
}

// Start binds the socket and spawns the send/receive loops. dispatcher
// receives every datagram the receive loop accepts. Returns
// ErrAlreadyStarted if already running, or a wrapped bind error.
func (t *Transport) Start(dispatcher Dispatcher) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrAlreadyStarted
	}

	conn, err := net.ListenUDP("udp", t.opts.Local)
	if err != nil {
		return errors.Wrap(err, "transport: bind failed")
	}

	capacity := t.opts.SendQueueCapacity
	if capacity <= 0 {
		capacity = DefaultSendQueueCapacity
	}

	t.conn = conn
	t.dispatcher = dispatcher
	t.queue = make(chan outboundPacket, capacity)
	t.stopCh = make(chan struct{})
	t.started = true

	atomic.StoreInt64(&t.datagramsSent, 0)
	atomic.StoreInt64(&t.datagramsReceived, 0)
	atomic.StoreInt64(&t.bytesSent, 0)
	atomic.StoreInt64(&t.bytesReceived, 0)

	t.wg.Add(2)
	go t.receiveLoop(conn, t.stopCh)
	go t.sendLoop(conn, t.queue, t.stopCh)

	t.sink.Log(logging.Information, "transport: started on "+conn.LocalAddr().String())
	return nil
}

// Stop cancels both loops, closes the socket, and waits for them to exit.
// Returns false if the transport was not running.
func (t *Transport) Stop() bool {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return false
	}
	t.started = false
	close(t.stopCh)
	t.conn.Close()
	t.mu.Unlock()

	t.wg.Wait()
	t.sink.Log(logging.Information, "transport: stopped")
	return true
}

// Send serializes typ+payload into a frame and enqueues it for the send
// loop. dest overrides the default remote endpoint for this packet; pass
// nil to use the default. Blocks while the queue is full; returns false if
// the transport is stopped before the packet is enqueued.
func (t *Transport) Send(typ wire.MessageType, payload []byte, dest *net.UDPAddr) bool {
	t.mu.Lock()
	started := t.started
	queue := t.queue
	stopCh := t.stopCh
	t.mu.Unlock()

	if !started || queue == nil {
		return false
	}

	pkt := outboundPacket{data: wire.Frame(typ, payload), dest: dest}
	select {
	case queue <- pkt:
		return true
	case <-stopCh:
		return false
	}
}

// LocalAddr returns the bound socket's local address, or nil if not started.
func (t *Transport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Stats returns a snapshot of the transport's send/receive counters.
func (t *Transport) Stats() Stats {
	return Stats{
		DatagramsSent:     atomic.LoadInt64(&t.datagramsSent),
		DatagramsReceived: atomic.LoadInt64(&t.datagramsReceived),
		BytesSent:         atomic.LoadInt64(&t.bytesSent),
		BytesReceived:     atomic.LoadInt64(&t.bytesReceived),
	}
}

func (t *Transport) sendLoop(conn *net.UDPConn, queue chan outboundPacket, stopCh chan struct{}) {
	defer t.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case pkt, ok := <-queue:
			if !ok {
				return
			}
			dest := pkt.dest
			if dest == nil {
				dest = t.opts.Remote
			}
			if dest == nil {
				t.sink.Log(logging.Warning, "transport: dropping packet with no destination")
				continue
			}

			n, err := conn.WriteToUDP(pkt.data, dest)
			if err != nil {
				if isClosed(err) {
					return
				}
				t.sink.Log(logging.Warning, "transport: write error: "+err.Error())
				continue
			}

			atomic.AddInt64(&t.datagramsSent, 1)
			atomic.AddInt64(&t.bytesSent, int64(n))
			if fl, ok := t.sink.(interface {
				LogFrame(string, []byte)
			}); ok && t.sink.Enabled(logging.Debug) {
				fl.LogFrame("send -> "+dest.String(), pkt.data)
			}
		}
	}
}

func (t *Transport) receiveLoop(conn *net.UDPConn, stopCh chan struct{}) {
	defer t.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			if isClosed(err) {
				return
			}
			// transient socket error: swallow and keep looping
			t.sink.Log(logging.Warning, "transport: read error: "+err.Error())
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		atomic.AddInt64(&t.datagramsReceived, 1)
		atomic.AddInt64(&t.bytesReceived, int64(n))
		if fl, ok := t.sink.(interface {
			LogFrame(string, []byte)
		}); ok && t.sink.Enabled(logging.Debug) {
			fl.LogFrame("recv <- "+from.String(), data)
		}

		if t.dispatcher != nil {
			t.dispatcher.OnDatagram(data, from)
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
