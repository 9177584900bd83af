// SPDX-FileCopyrightText: © 2024 The Denaria Authors
// SPDX-License-Identifier: AGPL-3.0-only
package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/denaria/denaria/core/log"
)

func testLogger(t *testing.T) *logging.Logger {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend.GetLogger("test")
}

func TestReliableSendMemoryBudget(t *testing.T) {
	require := require.New(t)

	c := NewSendChannelReliable(1, 200*time.Millisecond, 100, testLogger(t))

	// A send that exactly fills the budget is admitted.
	require.NoError(c.SendMessage(make([]byte, 60)))
	require.NoError(c.SendMessage(make([]byte, 40)))
	require.Equal(0, c.AvailableMemory())

	// One byte over is rejected.
	err := c.SendMessage(make([]byte, 1))
	require.ErrorIs(err, ErrMaxMemoryReached)

	// Acking releases memory.
	c.ProcessMessageAck(0)
	require.Equal(60, c.AvailableMemory())
	require.True(c.CanSendMessage(60))
	require.False(c.CanSendMessage(61))

	// Acks are idempotent.
	c.ProcessMessageAck(0)
	require.Equal(60, c.AvailableMemory())
	c.ProcessMessageAck(12345)
	require.Equal(60, c.AvailableMemory())
}

func TestReliableSendResendGate(t *testing.T) {
	require := require.New(t)

	resend := 200 * time.Millisecond
	c := NewSendChannelReliable(1, resend, 1024, testLogger(t))
	require.NoError(c.SendMessage(make([]byte, 100)))

	budget := uint64(60000)
	packets := c.GetPacketsToSend(&budget, 0)
	require.Len(packets, 1)

	// Not due for re-emission yet.
	budget = 60000
	packets = c.GetPacketsToSend(&budget, 100*time.Millisecond)
	require.Empty(packets)

	// Due now.
	budget = 60000
	packets = c.GetPacketsToSend(&budget, 201*time.Millisecond)
	require.Len(packets, 1)

	// Ack removes it for good.
	c.ProcessMessageAck(0)
	budget = 60000
	packets = c.GetPacketsToSend(&budget, time.Second)
	require.Empty(packets)
	require.Equal(1024, c.AvailableMemory())
}

func TestReliableSendAggregationFlush(t *testing.T) {
	require := require.New(t)

	c := NewSendChannelReliable(1, 200*time.Millisecond, 1<<20, testLogger(t))

	// Each entry serializes to 10 + 500 bytes; the third one would cross the
	// 1200 byte aggregation cap and must land in a second frame.
	for i := 0; i < 3; i++ {
		require.NoError(c.SendMessage(make([]byte, 500)))
	}

	budget := uint64(60000)
	packets := c.GetPacketsToSend(&budget, 0)
	require.Len(packets, 2)

	first := packets[0].(*SmallReliable)
	second := packets[1].(*SmallReliable)
	require.Len(first.Messages, 2)
	require.Len(second.Messages, 1)
	require.Equal(uint16(0), first.Sequence)
	require.Equal(uint16(1), second.Sequence)
	require.Equal([]uint64{0, 1}, []uint64{first.Messages[0].ID, first.Messages[1].ID})
	require.Equal(uint64(2), second.Messages[0].ID)
}

func TestReliableSendBudgetSkip(t *testing.T) {
	require := require.New(t)

	c := NewSendChannelReliable(1, time.Second, 1<<20, testLogger(t))
	require.NoError(c.SendMessage(make([]byte, 400)))
	require.NoError(c.SendMessage(make([]byte, 400)))

	// Only the first message fits this tick's budget.
	budget := uint64(500)
	packets := c.GetPacketsToSend(&budget, 0)
	require.Len(packets, 1)
	require.Len(packets[0].(*SmallReliable).Messages, 1)
	require.Equal(uint64(100), budget)

	// The skipped message goes out on the next tick.
	budget = 500
	packets = c.GetPacketsToSend(&budget, 10*time.Millisecond)
	require.Len(packets, 1)
	require.Equal(uint64(1), packets[0].(*SmallReliable).Messages[0].ID)
}

func TestReliableSendSequenceWrap(t *testing.T) {
	require := require.New(t)

	c := NewSendChannelReliable(1, time.Millisecond, 1<<20, testLogger(t))
	c.nextSeq = 65535
	require.NoError(c.SendMessage([]byte("a")))

	budget := uint64(60000)
	packets := c.GetPacketsToSend(&budget, 0)
	require.Len(packets, 1)
	require.Equal(uint16(65535), packets[0].SequenceID())

	require.NoError(c.SendMessage([]byte("b")))
	budget = 60000
	packets = c.GetPacketsToSend(&budget, 10*time.Millisecond)
	require.Len(packets, 1)
	require.Equal(uint16(0), packets[0].SequenceID())
}

func TestReliableReceiveOrdering(t *testing.T) {
	require := require.New(t)

	c := NewReceiveChannelReliable(1 << 20)

	require.NoError(c.ProcessMessage([]byte("m0"), 0))
	require.NoError(c.ProcessMessage([]byte("m2"), 2))
	require.NoError(c.ProcessMessage([]byte("m3"), 3))

	m, ok := c.ReceiveMessage()
	require.True(ok)
	require.True(bytes.Equal([]byte("m0"), m))

	// Gap at id 1 stalls delivery.
	_, ok = c.ReceiveMessage()
	require.False(ok)

	require.NoError(c.ProcessMessage([]byte("m1"), 1))
	for i, want := range []string{"m1", "m2", "m3"} {
		m, ok := c.ReceiveMessage()
		require.True(ok, "message %d", i)
		require.Equal(want, string(m))
	}
	_, ok = c.ReceiveMessage()
	require.False(ok)
}

func TestReliableReceiveDuplicatesAndStale(t *testing.T) {
	require := require.New(t)

	c := NewReceiveChannelReliable(1 << 20)

	require.NoError(c.ProcessMessage([]byte("m0"), 0))
	require.NoError(c.ProcessMessage([]byte("dup"), 0))

	m, ok := c.ReceiveMessage()
	require.True(ok)
	require.Equal("m0", string(m))

	// A message older than the cursor is never delivered again.
	require.NoError(c.ProcessMessage([]byte("stale"), 0))
	_, ok = c.ReceiveMessage()
	require.False(ok)
	require.Equal(0, c.memoryUsageBytes)
}

func TestReliableReceiveMemoryBudget(t *testing.T) {
	require := require.New(t)

	c := NewReceiveChannelReliable(100)
	require.NoError(c.ProcessMessage(make([]byte, 99), 0))

	err := c.ProcessMessage(make([]byte, 100), 1)
	require.ErrorIs(err, ErrMaxMemoryReached)

	// An exact fill is admitted.
	require.NoError(c.ProcessMessage(make([]byte, 1), 1))
}

func TestUnreliableSendDropsOverBudget(t *testing.T) {
	require := require.New(t)

	c := NewSendChannelUnreliable(0, 100, testLogger(t))

	c.SendMessage(make([]byte, 60))
	c.SendMessage(make([]byte, 60)) // over the memory cap, dropped
	require.Equal(40, c.AvailableMemory())

	budget := uint64(30)
	packets := c.GetPacketsToSend(&budget) // over the tick budget, dropped
	require.Empty(packets)
	require.Equal(100, c.AvailableMemory())

	c.SendMessage(make([]byte, 10))
	budget = 60000
	packets = c.GetPacketsToSend(&budget)
	require.Len(packets, 1)
	require.Len(packets[0].(*SmallUnreliable).Messages, 1)
}

func TestUnreliableSendAggregation(t *testing.T) {
	require := require.New(t)

	c := NewSendChannelUnreliable(0, 1<<20, testLogger(t))
	for i := 0; i < 3; i++ {
		c.SendMessage(make([]byte, 500))
	}

	budget := uint64(60000)
	packets := c.GetPacketsToSend(&budget)
	require.Len(packets, 2)
	require.Len(packets[0].(*SmallUnreliable).Messages, 2)
	require.Len(packets[1].(*SmallUnreliable).Messages, 1)
}

func TestUnreliableReceive(t *testing.T) {
	require := require.New(t)

	c := NewReceiveChannelUnreliable(0, 100, testLogger(t))
	c.ProcessMessage(make([]byte, 80))
	c.ProcessMessage(make([]byte, 80)) // over the memory cap, dropped

	_, ok := c.ReceiveMessage()
	require.True(ok)
	_, ok = c.ReceiveMessage()
	require.False(ok)
}
