// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type delivery struct {
	msg *Message
	err error
}

func recorder() (replyFunc, <-chan delivery) {
	ch := make(chan delivery, 8)
	return func(msg *Message, err error) { ch <- delivery{msg, err} }, ch
}

func TestCallTimesOutOnce(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	tbl := newCallTable(clk)
	deliver, got := recorder()

	id := tbl.add(CmdConnect, deliver)
	tbl.arm(id, time.Minute)
	require.True(t, clk.HasWaiters())

	clk.Step(59 * time.Second)
	require.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Step(time.Second)
	var d delivery
	require.Eventually(t, func() bool {
		select {
		case d = <-got:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	var terr *TimeoutError
	require.True(t, errors.As(d.err, &terr))
	require.Equal(t, CmdConnect, terr.Cmd)
	require.Equal(t, time.Minute, terr.After)

	// The late reply finds nobody waiting.
	require.False(t, tbl.complete(&Message{Cmd: CmdReply, ID: id}))
	require.Zero(t, tbl.len())
	require.Empty(t, got)
}

func TestCallReplyStopsDeadline(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	tbl := newCallTable(clk)
	deliver, got := recorder()

	id := tbl.add(CmdSyncDone, deliver)
	tbl.arm(id, time.Minute)
	require.True(t, tbl.complete(&Message{Cmd: CmdReply, ID: id}))
	d := <-got
	require.NoError(t, d.err)
	require.Equal(t, id, d.msg.ID)
	require.False(t, clk.HasWaiters())

	clk.Step(time.Hour)
	require.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCallReplyBeforeArm(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	tbl := newCallTable(clk)
	deliver, got := recorder()

	id := tbl.add(CmdFinalize, deliver)
	require.True(t, tbl.complete(&Message{Cmd: CmdReply, ID: id}))
	tbl.arm(id, time.Minute)
	require.False(t, clk.HasWaiters())
	require.Len(t, got, 1)
}

func TestCallIDsSkipZero(t *testing.T) {
	tbl := newCallTable(testingclock.NewFakeClock(time.Now()))
	deliver, _ := recorder()

	tbl.nextID = math.MaxUint32 - 1
	require.Equal(t, uint32(math.MaxUint32), tbl.add(CmdDiscover, deliver))
	require.Equal(t, uint32(1), tbl.add(CmdDiscover, deliver))

	// A wrapped counter does not reuse a busy id.
	tbl.nextID = 0
	require.Equal(t, uint32(2), tbl.add(CmdDiscover, deliver))
}

func TestCallFailAllAndDrop(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	tbl := newCallTable(clk)
	deliver, got := recorder()

	dropped := tbl.add(CmdInitialize, deliver)
	for i := 0; i < 3; i++ {
		tbl.arm(tbl.add(CmdGetChanges, deliver), time.Minute)
	}
	tbl.drop(dropped)
	require.Equal(t, 3, tbl.len())

	require.Equal(t, 3, tbl.failAll(ErrQueueClosed))
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, (<-got).err, ErrQueueClosed)
	}
	require.False(t, clk.HasWaiters())
	require.False(t, tbl.fail(dropped, ErrPeerLost))
	require.Empty(t, got)
}

func TestCallReplyRacesDeadline(t *testing.T) {
	for i := 0; i < 200; i++ {
		clk := testingclock.NewFakeClock(time.Now())
		tbl := newCallTable(clk)
		var n atomic.Int32
		id := tbl.add(CmdCommitChange, func(*Message, error) { n.Add(1) })
		tbl.arm(id, time.Second)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tbl.complete(&Message{Cmd: CmdReply, ID: id})
		}()
		go func() {
			defer wg.Done()
			clk.Step(time.Second)
		}()
		wg.Wait()

		require.Eventually(t, func() bool { return n.Load() >= 1 }, 5*time.Second, time.Millisecond)
		require.Zero(t, tbl.len())
		time.Sleep(time.Millisecond)
		require.Equal(t, int32(1), n.Load(), "iteration %d", i)
	}
}
