// +build windows

package main

import "udplink/controller"

// registerDiagnosticsSignal is a no-op on platforms without SIGUSR1.
func registerDiagnosticsSignal(eng *controller.Engine) {}
