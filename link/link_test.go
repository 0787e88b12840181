package link

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_TimeSetRequest_WireFieldNames(t *testing.T) {
	// GIVEN a time-set request with id 42 and time 1000
	m := NewRequest(CmdTimeSet, Int64(42), &Params{Time: Int64(1000)})

	// WHEN encoded
	data, err := json.Marshal(m)
	require.NoError(t, err)

	// THEN field names match the protocol exactly
	assert.JSONEq(t, `{"command":"time-set","id":42,"params":{"time":1000}}`, string(data))
}

func TestReply_StatusAndObjectForms(t *testing.T) {
	ok := OK(&Message{ID: Int64(42)})
	data, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"reply":"OK"}`, string(data))

	timeReply := NewReply(&Message{})
	timeReply.Reply = &Reply{Time: Int64(1000)}
	data, err = json.Marshal(timeReply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":{"time":1000}}`, string(data))
}

func TestReply_Unmarshal_AcceptsBothForms(t *testing.T) {
	var status Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"reply":"OK"}`), &status))
	assert.True(t, status.IsOK())
	assert.True(t, status.IsReply())
	assert.Equal(t, int64(7), status.IDValue())

	var obj Message
	require.NoError(t, json.Unmarshal([]byte(`{"reply":{"time":1000}}`), &obj))
	require.NotNil(t, obj.Reply)
	require.NotNil(t, obj.Reply.Time)
	assert.Equal(t, int64(1000), *obj.Reply.Time)
	assert.False(t, obj.IsOK())
	assert.False(t, obj.HasID())
	assert.Equal(t, int64(-1), obj.IDValue())
}

func TestErrorf_EchoesIDAndDesc(t *testing.T) {
	reply := Errorf(&Message{ID: Int64(7)}, "only one time controller allowed")
	data, err := json.Marshal(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"error":{"desc":"only one time controller allowed"}}`, string(data))
	assert.False(t, reply.IsOK())
	assert.True(t, reply.IsReply())
}

func TestMessage_Transmit_DecodesTopLevelFields(t *testing.T) {
	var m Message
	raw := `{"command":"transmit","source-node-id":3,"packet-data":"0102030405","time":1000}`
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.True(t, m.IsRequest())
	require.NotNil(t, m.SourceNodeID)
	assert.Equal(t, 3, *m.SourceNodeID)
	assert.Equal(t, "0102030405", m.PacketData)
	require.NotNil(t, m.Time)
	assert.Equal(t, int64(1000), *m.Time)
	assert.Nil(t, m.DestinationNodeID)
}

func TestFrame_RoundTripPreservesBoundaries(t *testing.T) {
	// GIVEN three messages written back to back into one buffer
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewRequest(CmdNodeConfigSet, nil, &Params{NodeID: Int(3)})))
	require.NoError(t, WriteFrame(&buf, NewRequest(CmdTimeGet, nil, nil)))
	require.NoError(t, WriteFrame(&buf, NewRequest(CmdTimeSet, Int64(1), &Params{Time: Int64(500)})))

	// WHEN read back
	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	third, err := ReadFrame(&buf)
	require.NoError(t, err)

	// THEN each frame yields exactly one message in order, then EOF
	nodeID, ok := first.ParamNodeID()
	assert.True(t, ok)
	assert.Equal(t, 3, nodeID)
	assert.Equal(t, CmdTimeGet, second.Command)
	tm, ok := third.ParamTime()
	assert.True(t, ok)
	assert.Equal(t, int64(500), tm)
	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_OversizedLength_Rejected(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReadFrame_InvalidJSON_Malformed(t *testing.T) {
	payload := []byte("{not json")
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := ReadFrame(bytes.NewReader(frame))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestConn_Serve_DeliversInOrderAndSignalsClose(t *testing.T) {
	// GIVEN a session over an in-memory pipe
	a, b := net.Pipe()
	server := NewConn(1, a)
	client := NewConn(0, b)

	received := make(chan *Message, 4)
	served := make(chan error, 1)
	go func() { served <- server.Serve(func(m *Message) { received <- m }) }()

	// WHEN the client sends two messages and hangs up
	require.NoError(t, client.Send(NewRequest(CmdTimeGet, Int64(1), nil)))
	require.NoError(t, client.Send(NewRequest(CmdTimeGet, Int64(2), nil)))
	require.NoError(t, client.Close())

	// THEN both arrive in order, Serve returns cleanly and Done is closed
	assert.Equal(t, int64(1), (<-received).IDValue())
	assert.Equal(t, int64(2), (<-received).IDValue())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after peer closed")
	}
	assert.True(t, server.Closed())
}

func TestConn_Serve_MalformedFrameTerminatesLoop(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(1, a)
	served := make(chan error, 1)
	go func() { served <- server.Serve(func(*Message) {}) }()

	payload := []byte("[]]")
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := b.Write(frame)
	require.NoError(t, err)

	select {
	case err := <-served:
		assert.True(t, errors.Is(err, ErrMalformed))
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on malformed frame")
	}
	<-server.Done()
	_ = b.Close()
}

func TestConn_SendAfterClose_ReturnsErrClosed(t *testing.T) {
	a, b := net.Pipe()
	defer func() { _ = b.Close() }()
	c := NewConn(1, a)
	require.NoError(t, c.Close())
	assert.True(t, errors.Is(c.Send(NewRequest(CmdTimeGet, nil, nil)), ErrClosed))
	assert.NoError(t, c.Close(), "second Close is a no-op")
}

func TestListener_AcceptAssignsUniqueHandles(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	accepted := make(chan *Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	for i := 0; i < 2; i++ {
		c, err := Dial(t.Context(), ln.Addr())
		require.NoError(t, err)
		defer func() { _ = c.Close() }()
	}
	first, second := <-accepted, <-accepted
	defer func() { _ = first.Close(); _ = second.Close() }()
	assert.NotZero(t, first.ID())
	assert.NotZero(t, second.ID())
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestMessage_WrongFieldType_RecordedNotFatal(t *testing.T) {
	// GIVEN a well-formed document whose params.time is a string
	var m Message
	err := json.Unmarshal([]byte(`{"command":"time-set","id":2,"params":{"time":"abc"}}`), &m)

	// THEN decoding succeeds and keeps what is needed to answer it
	require.NoError(t, err)
	require.Error(t, m.Invalid)
	assert.Contains(t, m.Invalid.Error(), `"params"`)
	assert.Equal(t, CmdTimeSet, m.Command)
	assert.Equal(t, int64(2), m.IDValue())
	_, ok := m.ParamTime()
	assert.False(t, ok)
}

func TestMessage_UnknownFields_SurviveRoundTrip(t *testing.T) {
	// GIVEN a transmit event carrying fields this package does not model
	raw := `{"command":"transmit","id":4,"source-node-id":1,"packet-data":"ff","rssi":-40,"meta":{"channel":26}}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.NoError(t, m.Invalid)
	assert.Len(t, m.Extra, 2)

	// WHEN it is forwarded without its id
	fwd := m
	fwd.ID = nil
	data, err := json.Marshal(&fwd)
	require.NoError(t, err)

	// THEN every other field is preserved
	assert.JSONEq(t, `{"command":"transmit","source-node-id":1,"packet-data":"ff","rssi":-40,"meta":{"channel":26}}`, string(data))
}

func TestMessage_KnownFieldWinsOverExtra(t *testing.T) {
	m := Message{Command: CmdTransmit, Extra: map[string]json.RawMessage{"command": json.RawMessage(`"spoofed"`), "x": json.RawMessage(`1`)}}
	data, err := json.Marshal(&m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"transmit","x":1}`, string(data))
}

func TestReadFrame_WrongFieldTypeIsNotMalformed(t *testing.T) {
	payload := []byte(`{"command":"time-set","id":2,"params":{"time":"abc"}}`)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	m, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Error(t, m.Invalid)
}
