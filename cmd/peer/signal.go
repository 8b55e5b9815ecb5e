// +build linux darwin freebsd

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"udplink/peer"
	"udplink/transport"
)

// registerDiagnosticsSignal dumps the engine's negotiation state and
// transport stats to the log on SIGUSR1.
func registerDiagnosticsSignal(eng *peer.Engine, tr *transport.Transport) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)

	go func() {
		for range ch {
			stats := tr.Stats()
			log.Printf("peer diagnostics: peerId=%#04x sessionId=%#04x missCount=%d connected=%t",
				eng.PeerID(), eng.SessionID(), eng.MissCount(), eng.IsConnected())
			log.Printf("  datagramsSent=%d datagramsReceived=%d bytesSent=%d bytesReceived=%d",
				stats.DatagramsSent, stats.DatagramsReceived, stats.BytesSent, stats.BytesReceived)
		}
	}()
}
