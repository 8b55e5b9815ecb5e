// +build linux darwin freebsd

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"udplink/controller"
)

// registerDiagnosticsSignal dumps the peer registry to the log on SIGUSR1.
func registerDiagnosticsSignal(eng *controller.Engine) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)

	go func() {
		for range ch {
			snapshot := eng.Snapshot()
			log.Printf("controller diagnostics: %d peers registered", len(snapshot))
			for _, rec := range snapshot {
				log.Printf("  peerId=%#04x sessionId=%#04x addr=%s lastSeen=%s",
					rec.PeerID, rec.SessionID, rec.Addr, rec.LastSeen.Format("15:04:05"))
			}
		}
	}()
}
