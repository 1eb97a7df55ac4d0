// cmlmove is a small CLI exercising pkg/network/pkg/node/pkg/trajectory end
// to end: it attaches a CAN node, brings it operational, prints its
// identity and error history, and optionally streams a constant-time
// linear ramp through the node's trajectory streamer. Adapted from the
// teacher's cmd/canopen (flag parsing, logrus setup, state-driven main
// loop), generalized from a local CiA-301 device to a host controlling a
// remote one.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	_ "github.com/samsamfire/cmlgo/pkg/can/socketcan"
	_ "github.com/samsamfire/cmlgo/pkg/can/virtual"
	"github.com/samsamfire/cmlgo/pkg/network"
	"github.com/samsamfire/cmlgo/pkg/nodeguard"
	"github.com/samsamfire/cmlgo/pkg/trajectory"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetLevel(log.InfoLevel)

	iface := flag.String("i", "virtual", "CAN transport driver (socketcan, virtual)")
	channel := flag.String("c", "can0", "channel/interface name")
	bitrate := flag.Int("b", 500000, "bus bitrate in bps (socketcan only)")
	nodeId := flag.Int("n", 0x20, "node id")
	guardMs := flag.Int("guard", 0, "heartbeat guard period in ms, 0 disables")
	move := flag.Bool("move", false, "stream a demo trajectory after reaching operational")
	cmdIndex := flag.Int("cmd-index", 0x2000, "SDO index used for trajectory segment/command traffic")
	statusIndex := flag.Int("status-index", 0x2001, "SDO index used for trajectory buffer status")
	flag.Parse()

	transport, err := can.NewTransport(*iface, *channel)
	if err != nil {
		fmt.Printf("could not create %s transport on %s: %v\n", *iface, *channel, err)
		os.Exit(1)
	}
	if err := transport.SetBaud(*bitrate); err != nil && !errors.Is(err, can.ErrBadParam) {
		fmt.Printf("could not set bitrate: %v\n", err)
		os.Exit(1)
	}

	net, err := network.OpenCAN(transport, network.DefaultNetworkSettings(), nil)
	if err != nil {
		fmt.Printf("could not open network: %v\n", err)
		os.Exit(1)
	}
	defer net.Close()

	n, err := net.Attach(uint8(*nodeId))
	if err != nil {
		fmt.Printf("could not attach node %d: %v\n", *nodeId, err)
		os.Exit(1)
	}

	if *guardMs > 0 {
		if err := net.SetNodeGuard(n.ID(), nodeguard.ModeHeartbeat, time.Duration(*guardMs)*time.Millisecond, 0); err != nil {
			log.WithError(err).Warn("could not configure node guard")
		}
	}

	if err := net.Start(n.ID(), 2*time.Second); err != nil {
		fmt.Printf("node %d did not reach operational: %v\n", *nodeId, err)
		os.Exit(1)
	}
	log.WithField("node", n.ID()).Info("node operational")

	identity, err := n.Identity()
	if err != nil {
		log.WithError(err).Warn("could not read identity")
	} else {
		log.WithFields(log.Fields{
			"vendor": identity.Vendor, "product": identity.Product,
			"revision": identity.Revision, "serial": identity.Serial,
		}).Info("node identity")
	}

	history, err := n.ErrorHistory(8)
	if err != nil {
		log.WithError(err).Warn("could not read error history")
	} else {
		log.WithField("codes", history).Info("node error history")
	}

	if !*move {
		return
	}

	source := &rampSource{targetPos: 100000, stepMs: 20}
	n.NewStreamer(source, uint16(*statusIndex), uint16(*cmdIndex), nil)
	if err := n.StartStreamer(); err != nil {
		log.WithError(err).Fatal("could not start trajectory streamer")
	}
	log.Info("trajectory streaming, press Ctrl+C to abort")
	select {}
}

// rampSource is a minimal trajectory.Source producing a single linear ramp
// to targetPos in fixed stepMs increments, useful for exercising the
// streamer end to end without a real motion-planning library.
type rampSource struct {
	targetPos int32
	stepMs    uint8
	pos       int32
	done      bool
}

func (r *rampSource) StartNew() error { r.pos, r.done = 0, false; return nil }
func (r *rampSource) UseVelocityInfo() bool { return false }
func (r *rampSource) MaximumBufferPointsToUse() int { return 32 }

func (r *rampSource) Next() (trajectory.Segment, error) {
	if r.done {
		return trajectory.Segment{}, trajectory.ErrNoneAvailable
	}
	const step = 1000
	if r.pos+step >= r.targetPos {
		r.done = true
		return trajectory.Segment{Pos: r.targetPos, TimeMs: 0}, nil
	}
	r.pos += step
	return trajectory.Segment{Pos: r.pos, TimeMs: r.stepMs}, nil
}

func (r *rampSource) Finish() {}
