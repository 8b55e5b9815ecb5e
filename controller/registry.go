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

package controller

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PeerRecord is the Controller's bookkeeping for one negotiated peer.
type PeerRecord struct {
	PeerID    uint16
	SessionID uint16
	Addr      *net.UDPAddr
	LastSeen  time.Time
}

// registry holds the two maps a Controller needs to resolve a datagram by
// either its sessionId (the fast path, carried on every subsequent frame)
// or its peerId (used only during negotiation, before a session exists).
type registry struct {
	mu          sync.RWMutex
	bySession   map[uint16]*PeerRecord
	byPeer      map[uint16]uint16 // peerID -> sessionID
	nextSession uint32            // atomic counter, wraps mod 2^16 skipping 0
}

func newRegistry() *registry {
	return &registry{
		bySession: make(map[uint16]*PeerRecord),
		byPeer:    make(map[uint16]uint16),
	}
}

// allocateSessionID returns the next session id in the monotonic, wrapping,
// zero-skipping sequence. Session ids are allocated independently of
// whether they currently collide with a live record; callers only call this
// for a peerId that does not already have one.
func (r *registry) allocateSessionID() uint16 {
	for {
		n := atomic.AddUint32(&r.nextSession, 1)
		id := uint16(n)
		if id != 0 {
			return id
		}
		// wrapped to exactly 0: skip and try again
	}
}

// lookupByPeerID resolves an existing session for peerID, if one exists.
func (r *registry) lookupByPeerID(peerID uint16) (*PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.byPeer[peerID]
	if !ok {
		return nil, false
	}
	rec, ok := r.bySession[sessionID]
	return rec, ok
}

// lookupBySessionID resolves a record by its session id.
func (r *registry) lookupBySessionID(sessionID uint16) (*PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.bySession[sessionID]
	return rec, ok
}

// register creates a new record for peerID at addr, allocating a fresh
// session id, and returns it.
func (r *registry) register(peerID uint16, addr *net.UDPAddr, now time.Time) *PeerRecord {
	sessionID := r.allocateSessionID()
	rec := &PeerRecord{
		PeerID:    peerID,
		SessionID: sessionID,
		Addr:      addr,
		LastSeen:  now,
	}

	r.mu.Lock()
	r.bySession[sessionID] = rec
	r.byPeer[peerID] = sessionID
	r.mu.Unlock()
	return rec
}

// touch refreshes LastSeen and tolerates the peer's source address having
// changed (e.g. a NAT rebind) by updating the stored Addr.
func (r *registry) touch(sessionID uint16, addr *net.UDPAddr, now time.Time) (*PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	rec.LastSeen = now
	if addr != nil {
		rec.Addr = addr
	}
	return rec, true
}

// evictExpired removes every record whose LastSeen is older than
// peerTimeout relative to now, and returns the evicted records.
func (r *registry) evictExpired(now time.Time, peerTimeout time.Duration) []*PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*PeerRecord
	for sessionID, rec := range r.bySession {
		if now.Sub(rec.LastSeen) <= peerTimeout {
			continue
		}
		delete(r.bySession, sessionID)
		if r.byPeer[rec.PeerID] == sessionID {
			delete(r.byPeer, rec.PeerID)
		}
		evicted = append(evicted, rec)
	}
	return evicted
}

// snapshot returns a copy of every currently registered record, for
// diagnostics and tests.
func (r *registry) snapshot() []*PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerRecord, 0, len(r.bySession))
	for _, rec := range r.bySession {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}
