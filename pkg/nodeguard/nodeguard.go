// Package nodeguard implements per-node CAN liveness supervision (spec
// §4.8): a heartbeat consumer and classical node-guarding state machine,
// adapted from the teacher's pkg/heartbeat (per-entry deadline timer
// shape) generalized to a single node per Guard instance (this module has
// no object dictionary to enumerate consumer slots from; callers create
// one Guard per node they want supervised).
package nodeguard

import (
	"sync"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/sirupsen/logrus"
)

// Mode selects which liveness protocol a Guard runs.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeHeartbeat
	ModeNodeGuard
)

// Liveness states, adapted from the teacher's HeartbeatUnconfigured/
// Unknown/Active/Timeout progression.
const (
	StateUnconfigured uint8 = iota
	StateUnknown
	StateActive
	StateTimeout
)

const ServiceId = 0x700

// FrameSender is the minimal fabric surface a classical node-guard poller
// needs to transmit remote-frame requests.
type FrameSender interface {
	Send(frame can.Frame) error
}

// Guard supervises one node's liveness, either by consuming its heartbeat
// (passive) or by polling it with remote-frame node-guard requests
// (active), spec §4.8.
type Guard struct {
	mu sync.Mutex

	logger *logrus.Entry
	sender FrameSender

	nodeId uint8
	mode   Mode
	state  uint8

	period     time.Duration
	timer      *time.Timer
	pollTicker *time.Ticker
	stopPoll   chan struct{}

	lifeFactor   uint8
	missed       uint8
	toggleWant   bool
	toggleWantOK bool

	onActive  func()
	onTimeout func()
}

func New(sender FrameSender, nodeId uint8, logger *logrus.Entry) *Guard {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Guard{
		sender: sender,
		nodeId: nodeId,
		state:  StateUnconfigured,
		logger: logger.WithField("component", "nodeguard.Guard"),
	}
}

func (g *Guard) OnActive(fn func())  { g.onActive = fn }
func (g *Guard) OnTimeout(fn func()) { g.onTimeout = fn }

func (g *Guard) State() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ConfigureHeartbeat arms passive heartbeat monitoring with deadline
// period. Each received heartbeat reinserts the deadline at now+period,
// spec §4.8's "sorted list of nodes keyed by next deadline" realized here
// as one timer per Guard (idiomatic per-object timer instead of a
// centrally-swept list).
func (g *Guard) ConfigureHeartbeat(period time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = ModeHeartbeat
	g.period = period
	g.state = StateUnknown
}

// ConfigureNodeGuard arms active node-guarding: the host transmits a
// remote-frame request on 0x700+id every guardTime, and expects a reply
// with an alternating toggle bit within that period up to lifeFactor
// consecutive misses before declaring guard_error.
func (g *Guard) ConfigureNodeGuard(guardTime time.Duration, lifeFactor uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = ModeNodeGuard
	g.period = guardTime
	g.lifeFactor = lifeFactor
	g.state = StateUnknown
}

func (g *Guard) Start() {
	g.mu.Lock()
	mode := g.mode
	g.mu.Unlock()

	switch mode {
	case ModeHeartbeat:
		g.restartTimeoutTimer()
	case ModeNodeGuard:
		g.startPolling()
	}
}

func (g *Guard) Stop() {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
	}
	stopPoll := g.stopPoll
	g.stopPoll = nil
	g.mu.Unlock()
	if stopPoll != nil {
		close(stopPoll)
	}
}

// Handle processes a reply/heartbeat frame's single data byte: state in
// the low 7 bits, node-guard toggle in bit 7.
func (g *Guard) Handle(b byte) {
	state := b & 0x7F
	toggle := b&0x80 != 0

	g.mu.Lock()
	mode := g.mode
	wasActive := g.state == StateActive
	g.state = StateActive
	g.missed = 0

	if mode == ModeNodeGuard {
		if g.toggleWantOK && toggle != g.toggleWant {
			g.logger.WithField("node", g.nodeId).Warn("node-guard toggle mismatch")
		}
		g.toggleWant = !toggle
		g.toggleWantOK = true
	}
	g.mu.Unlock()

	if mode == ModeHeartbeat {
		g.restartTimeoutTimer()
	}
	if !wasActive && g.onActive != nil {
		g.onActive()
	}
	_ = state
}

func (g *Guard) restartTimeoutTimer() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.period == 0 {
		return
	}
	if g.timer == nil {
		g.timer = time.AfterFunc(g.period, g.timeoutHandler)
	} else {
		g.timer.Reset(g.period)
	}
}

func (g *Guard) timeoutHandler() {
	g.mu.Lock()
	wasActive := g.state == StateActive
	g.state = StateTimeout
	g.mu.Unlock()
	if wasActive && g.onTimeout != nil {
		g.onTimeout()
	}
}

func (g *Guard) startPolling() {
	g.mu.Lock()
	g.pollTicker = time.NewTicker(g.period)
	stop := make(chan struct{})
	g.stopPoll = stop
	ticker := g.pollTicker
	g.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
				g.pollTick()
			}
		}
	}()
}

func (g *Guard) pollTick() {
	g.mu.Lock()
	lifeFactor := g.lifeFactor
	g.missed++
	timedOut := lifeFactor > 0 && g.missed > lifeFactor
	if timedOut {
		g.state = StateTimeout
	}
	g.mu.Unlock()

	frame := can.NewFrame(ServiceId+uint32(g.nodeId), can.FlagRemote, 0)
	_ = g.sender.Send(frame)

	if timedOut && g.onTimeout != nil {
		g.onTimeout()
	}
}
