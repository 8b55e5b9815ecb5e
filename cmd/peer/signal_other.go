// +build windows

package main

import (
	"udplink/peer"
	"udplink/transport"
)

// registerDiagnosticsSignal is a no-op on platforms without SIGUSR1.
func registerDiagnosticsSignal(eng *peer.Engine, tr *transport.Transport) {}
