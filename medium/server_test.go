package medium_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emul8/radiomedium/internal/testutil"
	"github.com/emul8/radiomedium/link"
	"github.com/emul8/radiomedium/medium"
	"github.com/emul8/radiomedium/medium/trace"
)

func startBroker(t *testing.T, mutate func(*medium.Config)) *medium.Server {
	t.Helper()
	cfg := medium.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.TraceLevel = trace.TraceLevelDecisions
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	s := medium.NewServer(cfg)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(testutil.DefaultTimeout):
			t.Error("broker did not shut down")
		}
	})
	return s
}

func timeSet(id, tm int64) *link.Message {
	return link.NewRequest(link.CmdTimeSet, link.Int64(id), &link.Params{Time: link.Int64(tm)})
}

func timeGet(t *testing.T, c *testutil.Client) int64 {
	t.Helper()
	reply := c.Call(link.NewRequest(link.CmdTimeGet, nil, nil))
	require.NotNil(t, reply.Reply)
	require.NotNil(t, reply.Reply.Time)
	return *reply.Reply.Time
}

func TestBroker_Scenario_ControllerAcceptedOtherRejected(t *testing.T) {
	// GIVEN a broker and two sessions A and B
	s := startBroker(t, nil)
	a := testutil.Dial(t, s.Addr())
	b := testutil.Dial(t, s.Addr())

	// WHEN A sets time 500 with id 1
	replyA := a.Call(timeSet(1, 500))

	// THEN A is acknowledged
	assert.Equal(t, int64(1), replyA.IDValue())
	assert.True(t, replyA.IsOK())

	// WHEN B sets time 999 with id 7
	replyB := b.Call(timeSet(7, 999))

	// THEN B is rejected and the clock is unchanged
	assert.Equal(t, int64(7), replyB.IDValue())
	require.NotNil(t, replyB.Error)
	assert.Equal(t, "only one time controller allowed", replyB.Error.Desc)
	assert.Equal(t, int64(500), timeGet(t, b))
}

func TestBroker_TimeGet_RoundTripAfterTimeSet(t *testing.T) {
	s := startBroker(t, nil)
	a := testutil.Dial(t, s.Addr())
	for i, tm := range []int64{1000, 2000, 2000, 3500} {
		require.True(t, a.Call(timeSet(int64(i+1), tm)).IsOK())
		assert.Equal(t, tm, timeGet(t, a))
	}
}

func TestBroker_TimeGet_WithoutID_RepliesWithoutID(t *testing.T) {
	s := startBroker(t, nil)
	c := testutil.Dial(t, s.Addr())
	reply := c.Call(link.NewRequest(link.CmdTimeGet, nil, nil))
	assert.False(t, reply.HasID())
	require.NotNil(t, reply.Reply.Time)
	assert.Equal(t, int64(0), *reply.Reply.Time)
}

func TestBroker_SingleController_AcrossManySessions(t *testing.T) {
	s := startBroker(t, nil)
	clients := make([]*testutil.Client, 5)
	for i := range clients {
		clients[i] = testutil.Dial(t, s.Addr())
	}
	require.True(t, clients[0].Call(timeSet(1, 100)).IsOK())

	for round := int64(0); round < 3; round++ {
		for i, c := range clients[1:] {
			reply := c.Call(timeSet(round*10+int64(i), 200+round))
			require.NotNil(t, reply.Error, "session %d round %d", i+1, round)
		}
		require.True(t, clients[0].Call(timeSet(100+round, 300+round)).IsOK())
	}
	assert.Equal(t, int64(302), s.Clock().Now())
}

func TestBroker_Reelection_AfterControllerDisconnects(t *testing.T) {
	// GIVEN A is the controller
	s := startBroker(t, nil)
	a := testutil.Dial(t, s.Addr())
	b := testutil.Dial(t, s.Addr())
	require.True(t, a.Call(timeSet(1, 500)).IsOK())
	require.NotNil(t, b.Call(timeSet(2, 600)).Error)

	// WHEN A disconnects
	require.NoError(t, a.Conn.Close())
	require.Eventually(t, func() bool {
		_, ok := s.Clock().Controller()
		return !ok
	}, testutil.DefaultTimeout, 5*time.Millisecond, "controller released")

	// THEN B's next time-set succeeds and B becomes controller
	assert.True(t, b.Call(timeSet(3, 600)).IsOK())
	assert.Equal(t, int64(600), s.Clock().Now())

	summary := trace.Summarize(s.Trace())
	assert.Equal(t, 2, summary.Elections)
	assert.Equal(t, 1, summary.Releases)
}

func TestBroker_TimeSet_RegressionAndMissingTimeAreErrors(t *testing.T) {
	s := startBroker(t, nil)
	a := testutil.Dial(t, s.Addr())
	require.True(t, a.Call(timeSet(1, 500)).IsOK())

	regress := a.Call(timeSet(2, 400))
	require.NotNil(t, regress.Error)
	assert.Contains(t, regress.Error.Desc, "time must not decrease")

	missing := a.Call(link.NewRequest(link.CmdTimeSet, link.Int64(3), nil))
	require.NotNil(t, missing.Error)
	assert.Contains(t, missing.Error.Desc, "missing params.time")
	assert.Equal(t, int64(500), s.Clock().Now())
}

func TestBroker_UnknownCommand_IgnoredSessionContinues(t *testing.T) {
	s := startBroker(t, nil)
	c := testutil.Dial(t, s.Addr())
	c.Send(link.NewRequest("frobnicate", link.Int64(1), nil))
	c.Send(&link.Message{ID: link.Int64(2)})
	c.ExpectNone(100 * time.Millisecond)
	assert.Equal(t, int64(0), timeGet(t, c))
}

func TestBroker_NodeConfigSet_UniqueAndAssigned(t *testing.T) {
	s := startBroker(t, nil)
	a := testutil.Dial(t, s.Addr())
	b := testutil.Dial(t, s.Addr())
	c := testutil.Dial(t, s.Addr())

	ok := a.Call(link.NewRequest(link.CmdNodeConfigSet, link.Int64(1), &link.Params{NodeID: link.Int(3)}))
	assert.True(t, ok.IsOK())

	dup := b.Call(link.NewRequest(link.CmdNodeConfigSet, link.Int64(1), &link.Params{NodeID: link.Int(3)}))
	require.NotNil(t, dup.Error)
	assert.Contains(t, dup.Error.Desc, "node-id already in use")

	assigned := c.Call(link.NewRequest(link.CmdNodeConfigSet, link.Int64(1), nil))
	require.NotNil(t, assigned.Reply)
	require.NotNil(t, assigned.Reply.NodeID)
	assert.Equal(t, 0, *assigned.Reply.NodeID)
	assert.Equal(t, []int{0, 3}, s.Registry().NodeIDs())
}

func TestBroker_NodeConfigSet_WithoutID_NoReply(t *testing.T) {
	s := startBroker(t, nil)
	a := testutil.Dial(t, s.Addr())
	a.Send(link.NewRequest(link.CmdNodeConfigSet, nil, &link.Params{NodeID: link.Int(3)}))
	a.ExpectNone(100 * time.Millisecond)
	assert.Equal(t, []int{3}, s.Registry().NodeIDs())
}

func register(t *testing.T, c *testutil.Client, nodeID int) {
	t.Helper()
	reply := c.Call(link.NewRequest(link.CmdNodeConfigSet, link.Int64(1), &link.Params{NodeID: link.Int(nodeID)}))
	require.True(t, reply.IsOK(), "register node %d: %s", nodeID, reply)
}

func TestBroker_Transmit_BroadcastToOtherRegisteredSessions(t *testing.T) {
	s := startBroker(t, func(c *medium.Config) { c.Fanout = "off" })
	a := testutil.Dial(t, s.Addr())
	b := testutil.Dial(t, s.Addr())
	c := testutil.Dial(t, s.Addr())
	observer := testutil.Dial(t, s.Addr()) // never registers
	register(t, a, 1)
	register(t, b, 2)
	register(t, c, 3)

	tx := &link.Message{Command: link.CmdTransmit, SourceNodeID: link.Int(1), PacketData: "0102030405", Time: link.Int64(1000)}
	a.Send(tx)

	for _, peer := range []*testutil.Client{b, c} {
		got := peer.Next()
		assert.Equal(t, link.CmdTransmit, got.Command)
		assert.Equal(t, "0102030405", got.PacketData)
		assert.False(t, got.HasID())
	}
	a.ExpectNone(50 * time.Millisecond)
	observer.ExpectNone(50 * time.Millisecond)
	assert.Equal(t, 1, s.Metrics().Snapshot().Relayed)
}

func TestBroker_Transmit_ForwardsUnknownFields(t *testing.T) {
	s := startBroker(t, func(c *medium.Config) { c.Fanout = "off" })
	a := testutil.Dial(t, s.Addr())
	b := testutil.Dial(t, s.Addr())
	register(t, a, 1)
	register(t, b, 2)

	a.Send(&link.Message{Command: link.CmdTransmit, SourceNodeID: link.Int(1), PacketData: "0102",
		Extra: map[string]json.RawMessage{"rssi": json.RawMessage(`-40`), "channel": json.RawMessage(`26`)}})

	got := b.Next()
	assert.Equal(t, "0102", got.PacketData)
	assert.JSONEq(t, `-40`, string(got.Extra["rssi"]))
	assert.JSONEq(t, `26`, string(got.Extra["channel"]))
}

// sendRaw writes payload as one frame on a bare connection and returns the next reply.
func sendRaw(t *testing.T, nc net.Conn, payload string) *link.Message {
	t.Helper()
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	require.NoError(t, nc.SetDeadline(time.Now().Add(testutil.DefaultTimeout)))
	_, err := nc.Write(frame)
	require.NoError(t, err)
	reply, err := link.ReadFrame(nc)
	require.NoError(t, err)
	return reply
}

func TestBroker_TimeSet_WrongFieldTypeAnsweredSessionKept(t *testing.T) {
	// GIVEN a controller at 500
	s := startBroker(t, nil)
	nc, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer func() { _ = nc.Close() }()
	require.True(t, sendRaw(t, nc, `{"command":"time-set","id":1,"params":{"time":500}}`).IsOK())

	// WHEN it sends a time-set whose time is not a number
	reply := sendRaw(t, nc, `{"command":"time-set","id":2,"params":{"time":"abc"}}`)

	// THEN it gets a correlated error and keeps both its session and the controller role
	assert.Equal(t, int64(2), reply.IDValue())
	require.NotNil(t, reply.Error)
	assert.Contains(t, reply.Error.Desc, "failed to set time")
	_, held := s.Clock().Controller()
	assert.True(t, held)
	assert.Equal(t, int64(500), s.Clock().Now())
	assert.True(t, sendRaw(t, nc, `{"command":"time-set","id":3,"params":{"time":700}}`).IsOK())
	assert.Equal(t, int64(700), s.Clock().Now())
}

func TestBroker_Transmit_DirectedWithIDRepliesOK(t *testing.T) {
	s := startBroker(t, func(c *medium.Config) { c.Relay = "directed"; c.Fanout = "off" })
	a := testutil.Dial(t, s.Addr())
	b := testutil.Dial(t, s.Addr())
	c := testutil.Dial(t, s.Addr())
	register(t, a, 1)
	register(t, b, 2)
	register(t, c, 3)

	reply := a.Call(&link.Message{Command: link.CmdTransmit, ID: link.Int64(9),
		SourceNodeID: link.Int(1), DestinationNodeID: link.Int(3), PacketData: "ff"})
	assert.True(t, reply.IsOK())
	assert.Equal(t, int64(9), reply.IDValue())

	got := c.Next()
	assert.Equal(t, "ff", got.PacketData)
	assert.False(t, got.HasID(), "sender's token is not forwarded")
	b.ExpectNone(50 * time.Millisecond)
}

func TestBroker_Lockstep_ControllerOKWaitsForFollowerAck(t *testing.T) {
	// GIVEN a registered controller and a registered follower
	s := startBroker(t, nil)
	ctrl := testutil.Dial(t, s.Addr())
	follower := testutil.Dial(t, s.Addr())
	register(t, ctrl, 1)
	register(t, follower, 2)

	// WHEN the controller advances to 1000
	ctrl.Send(timeSet(1, 1000))

	// THEN the follower is pushed the advance and the controller waits
	push := follower.Next()
	assert.Equal(t, link.CmdTimeSet, push.Command)
	tm, _ := push.ParamTime()
	assert.Equal(t, int64(1000), tm)
	ctrl.ExpectNone(100 * time.Millisecond)

	// WHEN the follower acknowledges with the pushed token
	follower.Send(link.OK(push))

	// THEN the controller gets its OK
	reply := ctrl.Next()
	assert.True(t, reply.IsOK())
	assert.Equal(t, int64(1), reply.IDValue())
	assert.Equal(t, 1, s.Metrics().Snapshot().FollowerAcks)
}

func TestBroker_Lockstep_FollowerDisconnectReleasesController(t *testing.T) {
	s := startBroker(t, nil)
	ctrl := testutil.Dial(t, s.Addr())
	follower := testutil.Dial(t, s.Addr())
	register(t, ctrl, 1)
	register(t, follower, 2)

	ctrl.Send(timeSet(1, 1000))
	follower.Next()
	require.NoError(t, follower.Conn.Close())

	assert.True(t, ctrl.Next().IsOK())
}

func TestBroker_Lockstep_SilentFollowerDoesNotPinController(t *testing.T) {
	// GIVEN a controller whose time-set is waiting on a follower that never acknowledges
	s := startBroker(t, nil)
	ctrl := testutil.Dial(t, s.Addr())
	silent := testutil.Dial(t, s.Addr())
	register(t, ctrl, 1)
	register(t, silent, 2)
	ctrl.Send(timeSet(1, 500))
	silent.Next()

	// THEN the controller's session keeps being served while its OK is withheld
	assert.Equal(t, int64(500), timeGet(t, ctrl))

	// WHEN the controller disconnects
	require.NoError(t, ctrl.Conn.Close())

	// THEN the controller assignment is released and another session can take over
	require.Eventually(t, func() bool {
		_, held := s.Clock().Controller()
		return !held
	}, testutil.DefaultTimeout, 5*time.Millisecond, "controller released")
	next := testutil.Dial(t, s.Addr())
	next.Send(timeSet(9, 600))
	push := silent.Next()
	tm, _ := push.ParamTime()
	assert.Equal(t, int64(600), tm)
	assert.Equal(t, int64(600), s.Clock().Now())

	// AND once the follower acknowledges, the new controller gets its OK
	silent.Send(link.OK(push))
	reply := next.Next()
	assert.True(t, reply.IsOK())
	assert.Equal(t, int64(9), reply.IDValue())
}

func TestBroker_Notify_StaleFollowerAckCounted(t *testing.T) {
	s := startBroker(t, func(c *medium.Config) { c.Fanout = "notify" })
	ctrl := testutil.Dial(t, s.Addr())
	follower := testutil.Dial(t, s.Addr())
	register(t, ctrl, 1)
	register(t, follower, 2)

	assert.True(t, ctrl.Call(timeSet(1, 1000)).IsOK())
	push := follower.Next()
	follower.Send(&link.Message{ID: link.Int64(push.IDValue() + 50), Reply: &link.Reply{Status: link.StatusOK}})
	require.Eventually(t, func() bool { return s.Metrics().Snapshot().StaleAcks == 1 }, testutil.DefaultTimeout, 5*time.Millisecond, "stale ack counted")
}

func TestBroker_MetricsPrint(t *testing.T) {
	s := startBroker(t, nil)
	a := testutil.Dial(t, s.Addr())
	require.True(t, a.Call(timeSet(1, 1000)).IsOK())
	require.True(t, a.Call(timeSet(2, 3000)).IsOK())

	var buf bytes.Buffer
	s.Metrics().Print(&buf, s.Clock().Now())
	out := buf.String()
	assert.Contains(t, out, "Broker Metrics")
	assert.Contains(t, out, "2 accepted")
	assert.Contains(t, out, "Mean Step            : 1500.00")
}
