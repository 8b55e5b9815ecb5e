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

// Package peer implements the client-side negotiation state machine: it
// tracks session liveness against a Controller, handles reconnection, and
// auto-stamps outgoing SampleUp messages with the current session.
package peer

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
var ErrAlreadyStarted = errors.New("peer: already started")

// StateKind enumerates the negotiation state transitions an application can
// observe.
type StateKind int

const (
	StateConnected StateKind = iota
	StateTimeout
	StateDisconnected
)

func (s StateKind) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateTimeout:
		return "Timeout"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// NegotiationEvent describes a state transition of the negotiation state
// machine. MissCount is only meaningful for StateTimeout.
type NegotiationEvent struct {
	State     StateKind
	PeerID    uint16
	SessionID uint16
	MissCount int
}

// Options configures a peer Engine. Zero-value intervals disable the
// corresponding automatic timer; DefaultOptions returns the spec defaults.
type Options struct {
	PeerID               uint16
	DisconnectedInterval time.Duration
	ConnectedInterval    time.Duration
}

// DefaultOptions returns Options with the default 3s/60s intervals for
// peerID.
func DefaultOptions(peerID uint16) Options {
	return Options{
		PeerID:               peerID,
		DisconnectedInterval: 3 * time.Second,
		ConnectedInterval:    60 * time.Second,
	}
}

// Engine is the Peer-side negotiation state machine. It implements
// transport.Dispatcher and holds a back-reference to a Transport solely to
// send frames and register as the inbound-dispatch target.
type Engine struct {
	opts      Options
	transport *transport.Transport
	sink      logging.Sink

	stateBus      *observer.Bus[NegotiationEvent]
	sampleDownBus *observer.Bus[wire.SampleDownMessage]

	mu                 sync.Mutex
	started            bool
	sessionID          uint16
	missCount          int
	waitingForResponse bool

	stopCh  chan struct{}
	rearmCh chan time.Duration
	wg      sync.WaitGroup
}

// New returns an Engine bound to tr. tr must not already be started; the
// Engine starts and stops it as part of its own lifecycle. sink may be nil.
func New(tr *transport.Transport, opts Options, sink logging.Sink) *Engine {
	if sink == nil {
		sink = logging.Discard
	}
	return &Engine{
		opts:          opts,
		transport:     tr,
		sink:          sink,
		stateBus:      observer.NewBus[NegotiationEvent](),
		sampleDownBus: observer.NewBus[wire.SampleDownMessage](),
	}
}

// OnNegotiationStateChanged subscribes to negotiation state transitions.
func (e *Engine) OnNegotiationStateChanged(fn func(NegotiationEvent)) (unsubscribe func()) {
	return e.stateBus.Subscribe(fn)
}

// OnSampleDown subscribes to decoded inbound SampleDown messages.
func (e *Engine) OnSampleDown(fn func(wire.SampleDownMessage)) (unsubscribe func()) {
	return e.sampleDownBus.Subscribe(fn)
}

// PeerID returns the immutable peer identifier chosen at construction.
func (e *Engine) PeerID() uint16 {
	return e.opts.PeerID
}

// SessionID returns the current session id; 0 means disconnected.
func (e *Engine) SessionID() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// IsConnected reports whether the engine currently holds a non-zero session.
func (e *Engine) IsConnected() bool {
	return e.SessionID() != 0
}

// MissCount returns the current consecutive-miss counter.
func (e *Engine) MissCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.missCount
}

// Start binds the underlying transport, arms the negotiation timer, and
// sends the initial negotiation request. The initial request sets
// waitingForResponse and enqueues the request, but does not run the
// miss-counter bookkeeping a timer tick would.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.sessionID = 0
	e.missCount = 0
	e.waitingForResponse = false
	e.mu.Unlock()

	if err := e.transport.Start(e); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	e.stopCh = make(chan struct{})
	e.rearmCh = make(chan time.Duration, 1)
	e.wg.Add(1)
	go e.timerLoop()

	e.sendInitial()
	return nil
}

// Stop cancels the negotiation timer and stops the underlying transport.
// Returns false if the engine was not running.
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
	return e.transport.Stop()
}

// SendNegotiation manually triggers a negotiation exchange with the same
// observable event sequence as an automatic timer tick.
func (e *Engine) SendNegotiation() {
	e.tick()
}

// SendSampleUp stamps msg's SessionID/PeerID from the engine's current
// state and enqueues it. This is the only place those fields are
// automatically populated.
func (e *Engine) SendSampleUp(msg wire.SampleUpMessage, dest *net.UDPAddr) bool {
	e.mu.Lock()
	msg.SessionID = e.sessionID
	msg.PeerID = e.opts.PeerID
	e.mu.Unlock()
	return e.transport.Send(wire.MessageSampleUp, msg.Marshal(), dest)
}

// OnDatagram implements transport.Dispatcher.
func (e *Engine) OnDatagram(data []byte, from *net.UDPAddr) {
	hdr, body, err := wire.ParseFrame(data)
	if err != nil {
		return // malformed frame: silently dropped
	}

	switch hdr.Type {
	case wire.MessageNegotiationResponse:
		msg, err := wire.UnmarshalNegotiation(body)
		if err != nil {
			return
		}
		e.onNegotiationResponse(msg)
	case wire.MessageSampleDown:
		msg, err := wire.UnmarshalSampleDown(body)
		if err != nil {
			return
		}
		e.sampleDownBus.Emit(msg)
	default:
		// unknown or unexpected-for-this-role type: silently dropped
	}
}

func (e *Engine) sendInitial() {
	e.mu.Lock()
	e.waitingForResponse = true
	sessionID := e.sessionID
	peerID := e.opts.PeerID
	e.mu.Unlock()

	e.enqueueNegotiation(sessionID, peerID)
}

// tick runs the negotiation-timer algorithm: on a miss it either emits a
// Timeout event or, at the third consecutive miss, transitions to
// Disconnected; then it always sends a fresh request.
func (e *Engine) tick() {
	e.mu.Lock()
	var (
		emitDisconnected bool
		emitTimeout      bool
		prevSessionID    uint16
		missCount        int
	)

	if e.waitingForResponse && e.sessionID != 0 {
		e.missCount++
		if e.missCount >= 3 {
			prevSessionID = e.sessionID
			e.sessionID = 0
			e.missCount = 0
			emitDisconnected = true
		} else {
			missCount = e.missCount
			emitTimeout = true
		}
	}
	e.waitingForResponse = true
	sessionID := e.sessionID
	peerID := e.opts.PeerID
	e.mu.Unlock()

	if emitDisconnected {
		e.stateBus.Emit(NegotiationEvent{State: StateDisconnected, PeerID: peerID, SessionID: prevSessionID})
	} else if emitTimeout {
		e.stateBus.Emit(NegotiationEvent{State: StateTimeout, PeerID: peerID, SessionID: sessionID, MissCount: missCount})
	}

	e.enqueueNegotiation(sessionID, peerID)
}

func (e *Engine) onNegotiationResponse(msg wire.NegotiationMessage) {
	if msg.PeerID != e.opts.PeerID {
		return // not for us: ignore
	}

	e.mu.Lock()
	wasDisconnected := e.sessionID == 0
	e.sessionID = msg.SessionID
	e.missCount = 0
	e.waitingForResponse = false
	interval := e.currentIntervalLocked()
	newSessionID := e.sessionID
	peerID := e.opts.PeerID
	e.mu.Unlock()

	e.requestRearm(interval)

	if wasDisconnected && newSessionID != 0 {
		e.stateBus.Emit(NegotiationEvent{State: StateConnected, PeerID: peerID, SessionID: newSessionID})
	}
}

func (e *Engine) enqueueNegotiation(sessionID, peerID uint16) {
	msg := wire.NegotiationMessage{SessionID: sessionID, PeerID: peerID}
	e.transport.Send(wire.MessageNegotiationRequest, msg.Marshal(), nil)
}

// currentIntervalLocked must be called with e.mu held.
func (e *Engine) currentIntervalLocked() time.Duration {
	if e.sessionID != 0 {
		return e.opts.ConnectedInterval
	}
	return e.opts.DisconnectedInterval
}

func (e *Engine) requestRearm(d time.Duration) {
	select {
	case e.rearmCh <- d:
		return
	default:
	}
	select {
	case <-e.rearmCh:
	default:
	}
	select {
	case e.rearmCh <- d:
	default:
	}
}

// timerLoop is the cooperative replacement for an OS periodic timer: it
// sleeps on a cancellable channel so cancellation, rearming, and ticking
// share one select loop with no lock/timer re-entrancy hazard.
func (e *Engine) timerLoop() {
	defer e.wg.Done()

	e.mu.Lock()
	interval := e.currentIntervalLocked()
	e.mu.Unlock()

	timer := armTimer(interval)
	defer stopTimer(timer)

	for {
		var c <-chan time.Time
		if timer != nil {
			c = timer.C
		}

		select {
		case <-e.stopCh:
			return
		case newInterval := <-e.rearmCh:
			stopTimer(timer)
			timer = armTimer(newInterval)
		case <-c:
			e.tick()
			e.mu.Lock()
			next := e.currentIntervalLocked()
			e.mu.Unlock()
			timer = armTimer(next)
		}
	}
}

func armTimer(d time.Duration) *time.Timer {
	if d <= 0 {
		return nil
	}
	return time.NewTimer(d)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
