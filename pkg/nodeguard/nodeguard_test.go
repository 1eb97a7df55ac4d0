package nodeguard

import (
	"testing"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/stretchr/testify/assert"
)

type fakeSender struct {
	sent []can.Frame
}

func (f *fakeSender) Send(frame can.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}

func TestHeartbeatTimeoutFiresAfterDeadline(t *testing.T) {
	g := New(&fakeSender{}, 3, nil)
	g.ConfigureHeartbeat(30 * time.Millisecond)

	var timedOut bool
	g.OnTimeout(func() { timedOut = true })

	g.Handle(StateActive)
	g.Start()
	assert.Equal(t, uint8(StateActive), g.State())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, timedOut)
	assert.Equal(t, uint8(StateTimeout), g.State())
}

func TestHeartbeatReinsertsDeadlineOnReceipt(t *testing.T) {
	g := New(&fakeSender{}, 3, nil)
	g.ConfigureHeartbeat(40 * time.Millisecond)
	g.Start()

	var timedOut bool
	g.OnTimeout(func() { timedOut = true })

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		g.Handle(StateActive)
	}
	assert.False(t, timedOut)
}

func TestNodeGuardPollSendsRemoteFrame(t *testing.T) {
	sender := &fakeSender{}
	g := New(sender, 7, nil)
	g.ConfigureNodeGuard(20*time.Millisecond, 2)
	g.Start()
	defer g.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.NotEmpty(t, sender.sent)
	assert.Equal(t, uint32(ServiceId+7), sender.sent[0].ID)
	assert.Equal(t, can.FlagRemote, sender.sent[0].Flags)
}

func TestNodeGuardTimeoutAfterLifeFactorMisses(t *testing.T) {
	sender := &fakeSender{}
	g := New(sender, 7, nil)
	g.ConfigureNodeGuard(15*time.Millisecond, 1)
	g.Handle(StateActive)

	var timedOut bool
	g.OnTimeout(func() { timedOut = true })

	g.Start()
	defer g.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.True(t, timedOut)
}
