package cluster

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-raft/pkg/consensus"
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/transport"
	"github.com/amirimatin/go-raft/pkg/transport/httpjson"
	"github.com/amirimatin/go-raft/pkg/transport/memory"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newNode(t *testing.T, net *memory.Network, id string, members []raftlog.Member, withRPC bool) *Cluster {
	t.Helper()
	node, err := raftcons.New(raftcons.Options{
		NodeID:             id,
		Logger:             quietLogger(),
		InitialMembers:     members,
		Transport:          net,
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 120 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	opts := Options{NodeID: id, Node: node, Logger: quietLogger(), WatchInterval: 20 * time.Millisecond}
	if withRPC {
		opts.RPCServer = httpjson.NewServer("127.0.0.1:0", quietLogger())
		opts.RPCClient = httpjson.NewClient(2 * time.Second)
	}
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClusterJoinForwardAndLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	net := memory.NewAsyncNetwork()
	defer net.Close()

	c1 := newNode(t, net, "n1", []raftlog.Member{{ID: "n1"}}, true)
	require.NoError(t, c1.Start(ctx))
	events := c1.Subscribe(ctx)

	seed := c1.rpcS.Addr()
	waitUntil(t, 3*time.Second, func() bool {
		m, ok := lookupMember(c1.node.Status().Members, "n1")
		return ok && m.Meta[MetaMgmt] == seed
	}, "leader advertises its management address")

	st, err := c1.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Healthy)
	require.Equal(t, "n1", st.LeaderID)
	require.Equal(t, seed, st.LeaderAddr)
	require.Empty(t, st.Warnings)

	c2 := newNode(t, net, "n2", nil, true)
	c3 := newNode(t, net, "n3", nil, true)
	require.NoError(t, c2.Start(ctx))
	require.NoError(t, c3.Start(ctx))

	st, err = c2.Status(ctx)
	require.NoError(t, err)
	require.Contains(t, st.Warnings, "not a member of the active configuration")

	require.NoError(t, c2.Join(ctx, seed))
	require.NoError(t, c3.Join(ctx, c2.rpcS.Addr()))
	require.Len(t, c1.node.Status().Members, 3)

	sawJoin := false
	for !sawJoin {
		select {
		case ev := <-events:
			if ev.Type == EventMemberJoin && ev.Member.ID == "n2" {
				require.Equal(t, c2.rpcS.Addr(), ev.Member.Meta[MetaMgmt])
				sawJoin = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no member_join event for n2")
		}
	}

	waitUntil(t, 3*time.Second, func() bool { return c3.leaderMgmtAddr() == seed }, "n3 learns the leader's address")
	require.NoError(t, c3.Put(ctx, "color", []byte("blue")))
	for _, c := range []*Cluster{c1, c2, c3} {
		c := c
		waitUntil(t, 3*time.Second, func() bool {
			v, ok, err := c.Get(ctx, "color")
			return err == nil && ok && string(v) == "blue"
		}, "value replicated to "+c.opts.NodeID)
	}

	require.NoError(t, c2.Delete(ctx, "color"))
	_, ok, err := c1.Get(ctx, "color")
	require.NoError(t, err)
	require.False(t, ok)

	read, err := c1.rpcC.GetValue(ctx, c1.rpcS.Addr(), transport.ReadRequest{Key: "missing"})
	require.NoError(t, err)
	require.False(t, read.Found)

	require.NoError(t, c3.Leave(ctx))
	members := c1.node.Status().Members
	require.Len(t, members, 2)
	_, ok = lookupMember(members, "n3")
	require.False(t, ok)
}

func TestClusterLeaderCh(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	net := memory.NewAsyncNetwork()
	defer net.Close()

	var seen []string
	c := newNode(t, net, "solo", []raftlog.Member{{ID: "solo"}}, false)
	c.opts.OnLeaderChange = func(li consensus.LeaderInfo) { seen = append(seen, li.ID) }
	require.NoError(t, c.Start(ctx))

	select {
	case li := <-c.LeaderCh():
		require.Equal(t, "solo", li.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no leader notification")
	}
	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	require.NoError(t, c.Stop(ctx))
	require.Contains(t, seen, "solo")
	for range c.LeaderCh() {
	}
	require.ErrorIs(t, c.Start(ctx), ErrStopped)
	require.NoError(t, c.Stop(ctx))
}

func TestWritesWithoutLeader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	net := memory.NewAsyncNetwork()
	defer net.Close()

	bare := newNode(t, net, "bare", nil, false)
	require.NoError(t, bare.Start(ctx))
	require.ErrorIs(t, bare.Put(ctx, "k", []byte("v")), ErrNotLeader)
	require.ErrorIs(t, bare.Join(ctx, ""), ErrNoRPCClient)

	lonely := newNode(t, net, "lonely", nil, true)
	require.NoError(t, lonely.Start(ctx))
	require.ErrorIs(t, lonely.Put(ctx, "k", []byte("v")), ErrNoLeader)
	require.ErrorIs(t, lonely.Leave(ctx), ErrNoLeader)
	require.Error(t, lonely.Put(ctx, "", []byte("v")))
}

func TestMemberEvents(t *testing.T) {
	now := time.Now()
	prev := []raftlog.Member{{ID: "a"}, {ID: "b", Addr: "10.0.0.2:9521"}}
	cur := []raftlog.Member{{ID: "b", Addr: "10.0.0.2:9521", Meta: map[string]string{MetaMgmt: "10.0.0.2:8080"}}, {ID: "c"}}

	evs := memberEvents(prev, cur, now)
	got := map[EventType]string{}
	for _, ev := range evs {
		got[ev.Type] = ev.Member.ID
		require.Equal(t, now, ev.At)
	}
	require.Equal(t, map[EventType]string{
		EventMemberUpdate: "b",
		EventMemberJoin:   "c",
		EventMemberLeave:  "a",
	}, got)
	require.Empty(t, memberEvents(cur, cur, now))
}

func TestOptionsValidate(t *testing.T) {
	node, err := raftcons.New(raftcons.Options{NodeID: "a", Transport: memory.NewNetwork()})
	require.NoError(t, err)
	require.NoError(t, Options{NodeID: "a", Node: node, Logger: quietLogger()}.Validate())
	require.Error(t, Options{Node: node, Logger: quietLogger()}.Validate())
	require.Error(t, Options{NodeID: "a", Logger: quietLogger()}.Validate())
	require.Error(t, Options{NodeID: "a", Node: node}.Validate())

	o := Options{}.withDefaults()
	require.Equal(t, 5*time.Second, o.ReconfigureTimeout)
	require.Equal(t, 100*time.Millisecond, o.WatchInterval)
}
