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

	"udplink/logging"
	"udplink/peer"
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
	myApp.Name = "udplink-peer"
	myApp.Usage = "Peer side of the Peer/Controller UDP link"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "local,l",
			Value: ":0",
			Usage: "local UDP listen address",
		},
		cli.StringFlag{
			Name:  "remote,r",
			Value: "127.0.0.1:9900",
			Usage: "controller UDP address",
		},
		cli.IntFlag{
			Name:  "peerid",
			Value: 1,
			Usage: "stable peer identifier (1-65535); chosen by the operator, not negotiated",
		},
		cli.IntFlag{
			Name:  "queue",
			Value: transport.DefaultSendQueueCapacity,
			Usage: "outbound send queue capacity",
		},
		cli.IntFlag{
			Name:  "disconnected-interval",
			Value: 3,
			Usage: "seconds between negotiation attempts while disconnected, 0 disables",
		},
		cli.IntFlag{
			Name:  "connected-interval",
			Value: 60,
			Usage: "seconds between keepalive negotiations while connected, 0 disables",
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
	config.Local = c.String("local")
	config.Remote = c.String("remote")
	config.PeerID = c.Int("peerid")
	config.Queue = c.Int("queue")
	config.DisconnectedInterval = c.Int("disconnected-interval")
	config.ConnectedInterval = c.Int("connected-interval")
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
	log.Println("remote:", config.Remote)
	log.Println("peerid:", config.PeerID)
	log.Println("disconnected-interval:", config.DisconnectedInterval, "connected-interval:", config.ConnectedInterval)

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

	localAddr, err := net.ResolveUDPAddr("udp", config.Local)
	checkError(err)
	remoteAddr, err := net.ResolveUDPAddr("udp", config.Remote)
	checkError(err)

	queue := config.Queue
	if queue <= 0 {
		queue = transport.DefaultSendQueueCapacity
	}

	tr := transport.New(transport.Options{
		Local:             localAddr,
		Remote:            remoteAddr,
		SendQueueCapacity: queue,
	}, sink)

	opts := peer.Options{
		PeerID:               uint16(config.PeerID),
		DisconnectedInterval: time.Duration(config.DisconnectedInterval) * time.Second,
		ConnectedInterval:    time.Duration(config.ConnectedInterval) * time.Second,
	}
	eng := peer.New(tr, opts, sink)

	eng.OnNegotiationStateChanged(func(ev peer.NegotiationEvent) {
		log.Printf("negotiation: state=%s peerId=%#04x sessionId=%#04x missCount=%d",
			ev.State, ev.PeerID, ev.SessionID, ev.MissCount)
	})
	if config.Verbose {
		eng.OnSampleDown(func(msg wire.SampleDownMessage) {
			log.Printf("sampleDown: sessionId=%#04x status=%d value=%d timestamp=%d velocity=%.4f",
				msg.SessionID, msg.Status, msg.SignedValue, msg.Timestamp, msg.Velocity)
		})
	}

	if err := eng.Start(); err != nil {
		return err
	}
	color.Green("peer %#04x ready, dialing %s", eng.PeerID(), config.Remote)
	registerDiagnosticsSignal(eng, tr)

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
