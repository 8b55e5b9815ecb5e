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

// Package controller implements the server-side peer registry and
// negotiation engine: it allocates session ids, tracks liveness, evicts
// stale peers, and routes SampleUp/SampleDown traffic by session.
package controller

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"udplink/logging"
	"udplink/observer"
	"udplink/transport"
	"udplink/wire"
)

// ErrAlreadyStarted is returned by Start when the engine is running.
var ErrAlreadyStarted = errors.New("controller: already started")

// DefaultPeerTimeout is how long a peer may go unheard-from before the
// sweeper evicts it.
const DefaultPeerTimeout = 180 * time.Second

// DefaultSweepInterval is how often the eviction sweep runs.
const DefaultSweepInterval = 30 * time.Second

// DisconnectReason classifies why a PeerDisconnected event fired.
type DisconnectReason int

const (
	ReasonTimeout DisconnectReason = iota
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// PeerConnectedEvent fires the first time a peerId completes negotiation.
type PeerConnectedEvent struct {
	PeerID    uint16
	SessionID uint16
	Addr      *net.UDPAddr
}

// PeerDisconnectedEvent fires when a peer is evicted or the controller
// shuts down.
type PeerDisconnectedEvent struct {
	PeerID    uint16
	SessionID uint16
	Reason    DisconnectReason
}

// Options configures an Engine.
type Options struct {
	PeerTimeout   time.Duration // default 180s
	SweepInterval time.Duration // default 30s
}

func (o Options) withDefaults() Options {
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = DefaultPeerTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// NegotiationHook, when set via SetNegotiationHook, overrides the built-in
// registry's allocation decision for a single negotiation request: it
// returns the sessionId to hand back and whether a response should be sent
// at all. The registry is bypassed entirely while a hook is installed —
// this is the protocol-only dispatch seam for embedders that want to own
// session assignment themselves.
type NegotiationHook func(req wire.NegotiationMessage, from *net.UDPAddr) (sessionID uint16, sendResponse bool)

// NegotiationRequestReceivedEvent fires for every NegotiationRequest the
// Engine decodes, whether or not a hook is installed.
type NegotiationRequestReceivedEvent struct {
	Request wire.NegotiationMessage
	Addr    *net.UDPAddr
}

// Engine is the Controller-side negotiation engine and peer registry. It
// implements transport.Dispatcher.
type Engine struct {
	opts      Options
	transport *transport.Transport
	sink      logging.Sink
	reg       *registry

	connectedBus       *observer.Bus[PeerConnectedEvent]
	disconnectedBus    *observer.Bus[PeerDisconnectedEvent]
	sampleUpBus        *observer.Bus[wire.SampleUpMessage]
	requestReceivedBus *observer.Bus[NegotiationRequestReceivedEvent]

	hookMu sync.RWMutex
	hook   NegotiationHook

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New returns an Engine bound to tr. tr must not already be started. sink
// may be nil.
func New(tr *transport.Transport, opts Options, sink logging.Sink) *Engine {
	if sink == nil {
		sink = logging.Discard
	}
	return &Engine{
		opts:               opts.withDefaults(),
		transport:          tr,
		sink:               sink,
		reg:                newRegistry(),
		connectedBus:       observer.NewBus[PeerConnectedEvent](),
		disconnectedBus:    observer.NewBus[PeerDisconnectedEvent](),
		sampleUpBus:        observer.NewBus[wire.SampleUpMessage](),
		requestReceivedBus: observer.NewBus[NegotiationRequestReceivedEvent](),
	}
}

// SetNegotiationHook installs (or, passed nil, removes) the hook that
// overrides session allocation for every subsequent negotiation request.
func (e *Engine) SetNegotiationHook(hook NegotiationHook) {
	e.hookMu.Lock()
	e.hook = hook
	e.hookMu.Unlock()
}

// OnPeerConnected subscribes to first-time negotiation completions.
func (e *Engine) OnPeerConnected(fn func(PeerConnectedEvent)) (unsubscribe func()) {
	return e.connectedBus.Subscribe(fn)
}

// OnPeerDisconnected subscribes to eviction/shutdown events.
func (e *Engine) OnPeerDisconnected(fn func(PeerDisconnectedEvent)) (unsubscribe func()) {
	return e.disconnectedBus.Subscribe(fn)
}

// OnSampleUp subscribes to decoded inbound SampleUp messages.
func (e *Engine) OnSampleUp(fn func(wire.SampleUpMessage)) (unsubscribe func()) {
	return e.sampleUpBus.Subscribe(fn)
}

// OnNegotiationRequestReceived subscribes to every decoded
// NegotiationRequest, whether or not a hook is installed.
func (e *Engine) OnNegotiationRequestReceived(fn func(NegotiationRequestReceivedEvent)) (unsubscribe func()) {
	return e.requestReceivedBus.Subscribe(fn)
}

// PeerCount returns the number of currently registered peers.
func (e *Engine) PeerCount() int {
	return e.reg.count()
}

// Snapshot returns a copy of every currently registered peer record.
func (e *Engine) Snapshot() []*PeerRecord {
	return e.reg.snapshot()
}

// Start binds the underlying transport and the eviction sweeper.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	if err := e.transport.Start(e); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.sweepLoop()
	return nil
}

// Stop cancels the sweeper, stops the transport, and emits a
// PeerDisconnected(ReasonShutdown) event for every peer still registered.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return false
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	stopped := e.transport.Stop()

	for _, rec := range e.reg.snapshot() {
		e.disconnectedBus.Emit(PeerDisconnectedEvent{PeerID: rec.PeerID, SessionID: rec.SessionID, Reason: ReasonShutdown})
	}
	return stopped
}

// SendSampleDown resolves target as a sessionId and enqueues msg to that
// peer's last known address, stamping SessionID/PeerID from the resolved
// record. On a lookup miss, msg is dispatched unchanged to the transport's
// configured default remote endpoint.
func (e *Engine) SendSampleDown(target uint16, msg wire.SampleDownMessage) bool {
	rec, ok := e.reg.lookupBySessionID(target)
	if !ok {
		return e.transport.Send(wire.MessageSampleDown, msg.Marshal(), nil)
	}

	msg.SessionID = rec.SessionID
	msg.PeerID = rec.PeerID
	return e.transport.Send(wire.MessageSampleDown, msg.Marshal(), rec.Addr)
}

// OnDatagram implements transport.Dispatcher.
func (e *Engine) OnDatagram(data []byte, from *net.UDPAddr) {
	hdr, body, err := wire.ParseFrame(data)
	if err != nil {
		return
	}

	switch hdr.Type {
	case wire.MessageNegotiationRequest:
		req, err := wire.UnmarshalNegotiation(body)
		if err != nil {
			return
		}
		e.handleNegotiation(req, from)
	case wire.MessageSampleUp:
		msg, err := wire.UnmarshalSampleUp(body)
		if err != nil {
			return
		}
		e.handleSampleUp(msg, from)
	default:
		// unknown or unexpected-for-this-role type: silently dropped
	}
}

func (e *Engine) handleNegotiation(req wire.NegotiationMessage, from *net.UDPAddr) {
	e.requestReceivedBus.Emit(NegotiationRequestReceivedEvent{Request: req, Addr: from})

	e.hookMu.RLock()
	hook := e.hook
	e.hookMu.RUnlock()
	if hook != nil {
		sessionID, sendResponse := hook(req, from)
		if !sendResponse {
			return
		}
		resp := wire.NegotiationMessage{SessionID: sessionID, PeerID: req.PeerID}
		e.transport.Send(wire.MessageNegotiationResponse, resp.Marshal(), from)
		return
	}

	now := time.Now()
	if rec, ok := e.reg.lookupByPeerID(req.PeerID); ok {
		e.reg.touch(rec.SessionID, from, now)
		resp := wire.NegotiationMessage{SessionID: rec.SessionID, PeerID: rec.PeerID}
		e.transport.Send(wire.MessageNegotiationResponse, resp.Marshal(), from)
		return
	}

	rec := e.reg.register(req.PeerID, from, now)
	resp := wire.NegotiationMessage{SessionID: rec.SessionID, PeerID: rec.PeerID}
	e.transport.Send(wire.MessageNegotiationResponse, resp.Marshal(), from)

	e.connectedBus.Emit(PeerConnectedEvent{PeerID: rec.PeerID, SessionID: rec.SessionID, Addr: from})
}

func (e *Engine) handleSampleUp(msg wire.SampleUpMessage, from *net.UDPAddr) {
	rec, ok := e.reg.lookupBySessionID(msg.SessionID)
	if !ok {
		e.sink.Log(logging.Warning, "controller: SampleUp for unknown session")
		return
	}
	if rec.PeerID != msg.PeerID {
		e.sink.Log(logging.Warning, "controller: SampleUp peerID mismatch for session")
		return
	}
	e.sampleUpBus.Emit(msg)
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			evicted := e.reg.evictExpired(time.Now(), e.opts.PeerTimeout)
			for _, rec := range evicted {
				e.disconnectedBus.Emit(PeerDisconnectedEvent{PeerID: rec.PeerID, SessionID: rec.SessionID, Reason: ReasonTimeout})
			}
		}
	}
}
