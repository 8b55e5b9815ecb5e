package peer

import (
	"net"
	"sync"
	"testing"
	"time"

	"udplink/transport"
	"udplink/wire"
)

func mustLocalAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return addr
}

// fakeController is a minimal transport.Dispatcher standing in for a
// Controller: it assigns sessionID to every NegotiationRequest it sees and
// records every SampleUp it receives.
type fakeController struct {
	tr        *transport.Transport
	sessionID uint16

	mu        sync.Mutex
	sampleUps []wire.SampleUpMessage
	sampleCh  chan struct{}
}

func newFakeController(tr *transport.Transport, sessionID uint16) *fakeController {
	return &fakeController{tr: tr, sessionID: sessionID, sampleCh: make(chan struct{}, 8)}
}

func (f *fakeController) OnDatagram(data []byte, from *net.UDPAddr) {
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
		resp := wire.NegotiationMessage{SessionID: f.sessionID, PeerID: req.PeerID}
		f.tr.Send(wire.MessageNegotiationResponse, resp.Marshal(), from)
	case wire.MessageSampleUp:
		msg, err := wire.UnmarshalSampleUp(body)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.sampleUps = append(f.sampleUps, msg)
		f.mu.Unlock()
		f.sampleCh <- struct{}{}
	}
}

func (f *fakeController) waitSampleUp(t *testing.T, timeout time.Duration) wire.SampleUpMessage {
	t.Helper()
	select {
	case <-f.sampleCh:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for SampleUp")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sampleUps[len(f.sampleUps)-1]
}

func TestInitialStateNoAutoTimer(t *testing.T) {
	tr := transport.New(transport.Options{Local: mustLocalAddr(t)}, nil)
	eng := New(tr, Options{PeerID: 0x1234}, nil)

	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	if eng.PeerID() != 0x1234 {
		t.Fatalf("PeerID = %#x, want 0x1234", eng.PeerID())
	}
	if eng.SessionID() != 0 {
		t.Fatalf("SessionID = %d, want 0", eng.SessionID())
	}
	if eng.IsConnected() {
		t.Fatalf("IsConnected = true, want false")
	}
}

func TestConnectAndSampleUpStamping(t *testing.T) {
	controllerAddr := mustLocalAddr(t)
	controllerTr := transport.New(transport.Options{Local: controllerAddr}, nil)
	controller := newFakeController(controllerTr, 0x0042)
	if err := controllerTr.Start(controller); err != nil {
		t.Fatalf("controller Start: %v", err)
	}
	defer controllerTr.Stop()

	clientTr := transport.New(transport.Options{
		Local:  mustLocalAddr(t),
		Remote: controllerTr.LocalAddr().(*net.UDPAddr),
	}, nil)
	eng := New(clientTr, Options{PeerID: 0xBEEF, DisconnectedInterval: 0, ConnectedInterval: 0}, nil)

	connected := make(chan NegotiationEvent, 4)
	eng.OnNegotiationStateChanged(func(ev NegotiationEvent) {
		connected <- ev
	})

	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	select {
	case ev := <-connected:
		if ev.State != StateConnected {
			t.Fatalf("state = %v, want Connected", ev.State)
		}
		if ev.SessionID != 0x0042 {
			t.Fatalf("SessionID = %#x, want 0x0042", ev.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Connected event")
	}

	if eng.SessionID() != 0x0042 {
		t.Fatalf("engine SessionID = %#x, want 0x0042", eng.SessionID())
	}

	// SendSampleUp must stamp SessionID/PeerID regardless of what the caller
	// passes in those fields.
	eng.SendSampleUp(wire.SampleUpMessage{SessionID: 0xFFFF, PeerID: 0xFFFF, Command: wire.CommandStart, Sequence: 7}, nil)

	got := controller.waitSampleUp(t, 2*time.Second)
	if got.SessionID != 0x0042 {
		t.Fatalf("stamped SessionID = %#x, want 0x0042", got.SessionID)
	}
	if got.PeerID != 0xBEEF {
		t.Fatalf("stamped PeerID = %#x, want 0xBEEF", got.PeerID)
	}
	if got.Command != wire.CommandStart {
		t.Fatalf("Command = %v, want CommandStart", got.Command)
	}
}

func TestMissCountTimeoutThenDisconnect(t *testing.T) {
	tr := transport.New(transport.Options{Local: mustLocalAddr(t)}, nil)
	eng := New(tr, Options{PeerID: 0x1111}, nil)

	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	// Simulate a response arriving directly, without a real network hop.
	resp := wire.NegotiationMessage{SessionID: 7, PeerID: 0x1111}
	eng.OnDatagram(wire.Frame(wire.MessageNegotiationResponse, resp.Marshal()), nil)

	if !eng.IsConnected() || eng.SessionID() != 7 {
		t.Fatalf("expected connected with sessionID 7, got connected=%v session=%d", eng.IsConnected(), eng.SessionID())
	}

	events := make(chan NegotiationEvent, 4)
	eng.OnNegotiationStateChanged(func(ev NegotiationEvent) { events <- ev })

	eng.SendNegotiation() // first request after the response: not a miss yet
	eng.SendNegotiation() // miss 1
	ev := <-events
	if ev.State != StateTimeout || ev.MissCount != 1 {
		t.Fatalf("tick 1: got %+v, want Timeout/MissCount=1", ev)
	}

	eng.SendNegotiation() // miss 2
	ev = <-events
	if ev.State != StateTimeout || ev.MissCount != 2 {
		t.Fatalf("tick 2: got %+v, want Timeout/MissCount=2", ev)
	}

	eng.SendNegotiation() // miss 3: disconnect
	ev = <-events
	if ev.State != StateDisconnected || ev.SessionID != 7 {
		t.Fatalf("tick 3: got %+v, want Disconnected/SessionID=7", ev)
	}

	if eng.IsConnected() || eng.SessionID() != 0 {
		t.Fatalf("expected disconnected after third miss, got connected=%v session=%d", eng.IsConnected(), eng.SessionID())
	}
	if eng.MissCount() != 0 {
		t.Fatalf("MissCount should reset to 0 on disconnect, got %d", eng.MissCount())
	}
}

func TestSampleDownDelivery(t *testing.T) {
	tr := transport.New(transport.Options{Local: mustLocalAddr(t)}, nil)
	eng := New(tr, Options{PeerID: 0x2222}, nil)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	received := make(chan wire.SampleDownMessage, 1)
	eng.OnSampleDown(func(msg wire.SampleDownMessage) { received <- msg })

	down := wire.SampleDownMessage{
		SessionID:   7,
		PeerID:      0x2222,
		Status:      wire.StatusRunning,
		SignedValue: 50,
		Timestamp:   0x04D2,
		Velocity:    99.99,
	}
	eng.OnDatagram(wire.Frame(wire.MessageSampleDown, down.Marshal()), nil)

	select {
	case msg := <-received:
		if msg.Status != wire.StatusRunning || msg.SignedValue != 50 {
			t.Fatalf("got %+v, want Status=Running SignedValue=50", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for SampleDown delivery")
	}
}

func TestMismatchedPeerIDResponseIgnored(t *testing.T) {
	tr := transport.New(transport.Options{Local: mustLocalAddr(t)}, nil)
	eng := New(tr, Options{PeerID: 0x1111}, nil)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	resp := wire.NegotiationMessage{SessionID: 9, PeerID: 0x9999}
	eng.OnDatagram(wire.Frame(wire.MessageNegotiationResponse, resp.Marshal()), nil)

	if eng.IsConnected() {
		t.Fatalf("response for a different peerID must be ignored")
	}
}
