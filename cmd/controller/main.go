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

package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"udplink/controller"
	"udplink/logging"
	"udplink/transport"
	"udplink/wire"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "udplink-controller"
	myApp.Usage = "Controller side of the Peer/Controller UDP link"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":9900",
			Usage: "local UDP listen address",
		},
		cli.StringFlag{
			Name:  "remote,r",
			Value: "",
			Usage: "optional default dispatch address; normally unnecessary since the controller always replies to the peer's source address",
		},
		cli.IntFlag{
			Name:  "queue",
			Value: transport.DefaultSendQueueCapacity,
			Usage: "outbound send queue capacity",
		},
		cli.IntFlag{
			Name:  "peer-timeout",
			Value: int(controller.DefaultPeerTimeout / time.Second),
			Usage: "seconds of silence before a peer is evicted",
		},
		cli.IntFlag{
			Name:  "sweep-interval",
			Value: int(controller.DefaultSweepInterval / time.Second),
			Usage: "seconds between eviction sweeps",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "capture",
			Value: "",
			Usage: "snappy-compressed frame capture file for offline diagnostics",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "log every frame at debug level",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	config := Config{}
	config.Listen = c.String("listen")
	config.Remote = c.String("remote")
	config.Queue = c.Int("queue")
	config.PeerTimeout = c.Int("peer-timeout")
	config.SweepInterval = c.Int("sweep-interval")
	config.Log = c.String("log")
	config.Capture = c.String("capture")
	config.Verbose = c.Bool("verbose")

	if c.String("c") != "" {
		checkError(parseJSONConfig(&config, c.String("c")))
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		checkError(err)
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", config.Listen)
	log.Println("peer-timeout:", config.PeerTimeout, "sweep-interval:", config.SweepInterval)

	level := logging.Information
	if config.Verbose {
		level = logging.Debug
	}
	sink := logging.Sink(logging.NewTextSink(log.Writer(), level))
	if config.Capture != "" {
		f, err := os.OpenFile(config.Capture, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		checkError(err)
		defer f.Close()
		sink = logging.NewCaptureSink(f, sink)
		log.Println("capturing frames to:", config.Capture)
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.Listen)
	checkError(err)

	var remoteAddr *net.UDPAddr
	if config.Remote != "" {
		remoteAddr, err = net.ResolveUDPAddr("udp", config.Remote)
		checkError(err)
	}

	queue := config.Queue
	if queue <= 0 {
		queue = transport.DefaultSendQueueCapacity
	}

	tr := transport.New(transport.Options{
		Local:             localAddr,
		Remote:            remoteAddr,
		SendQueueCapacity: queue,
	}, sink)

	peerTimeout := time.Duration(config.PeerTimeout) * time.Second
	sweepInterval := time.Duration(config.SweepInterval) * time.Second

	eng := controller.New(tr, controller.Options{
		PeerTimeout:   peerTimeout,
		SweepInterval: sweepInterval,
	}, sink)

	eng.OnPeerConnected(func(ev controller.PeerConnectedEvent) {
		log.Printf("peer connected: peerId=%#04x sessionId=%#04x addr=%s", ev.PeerID, ev.SessionID, ev.Addr)
	})
	eng.OnPeerDisconnected(func(ev controller.PeerDisconnectedEvent) {
		log.Printf("peer disconnected: peerId=%#04x sessionId=%#04x reason=%s", ev.PeerID, ev.SessionID, ev.Reason)
	})
	if config.Verbose {
		eng.OnSampleUp(func(msg wire.SampleUpMessage) {
			log.Printf("sampleUp: sessionId=%#04x command=%d value=%d seq=%d position=%.4f",
				msg.SessionID, msg.Command, msg.SignedValue, msg.Sequence, msg.Position)
		})
	}

	if err := eng.Start(); err != nil {
		return err
	}
	color.Green("controller ready on %s", tr.LocalAddr())

	registerDiagnosticsSignal(eng)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	log.Println("shutting down")
	eng.Stop()
	return nil
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
