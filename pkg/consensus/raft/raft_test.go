package raftcons

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/consensus"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/state/kv"
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

func startNodes(t *testing.T, ctx context.Context, ids ...string) (map[string]*Node, *memory.Network) {
	t.Helper()
	net := memory.NewAsyncNetwork()
	t.Cleanup(func() { _ = net.Close() })
	members := make([]raftlog.Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, raftlog.Member{ID: id})
	}
	nodes := make(map[string]*Node, len(ids))
	for _, id := range ids {
		n, err := New(Options{
			NodeID:             id,
			InitialMembers:     members,
			Transport:          net,
			ElectionTimeoutMin: 60 * time.Millisecond,
			ElectionTimeoutMax: 120 * time.Millisecond,
			HeartbeatInterval:  15 * time.Millisecond,
			TickInterval:       5 * time.Millisecond,
		})
		require.NoError(t, err)
		require.NoError(t, n.Start(ctx))
		t.Cleanup(func() { _ = n.Stop() })
		nodes[id] = n
	}
	return nodes, net
}

func leaderOf(nodes map[string]*Node) *Node {
	for _, n := range nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

func readKey(t *testing.T, n *Node, key string) string {
	t.Helper()
	var out string
	err := n.Read(context.Background(), func(sm applier.StateMachine) error {
		v, _ := sm.(*kv.State).Get(key)
		out = string(v)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestNodeClusterProposeAndRead(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nodes, _ := startNodes(t, ctx, "n1", "n2", "n3")

	waitUntil(t, 3*time.Second, func() bool { return leaderOf(nodes) != nil }, "no leader elected")
	l := leaderOf(nodes)

	cmd, err := kv.SetCommand("x", []byte("1"))
	require.NoError(t, err)
	res, err := l.Propose(ctx, cmd)
	require.NoError(t, err)
	require.Greater(t, res.Index, uint64(0))

	for id, n := range nodes {
		if n == l {
			continue
		}
		_, err := n.Propose(ctx, cmd)
		require.ErrorIs(t, err, ErrNotLeader, id)
		leader, _, ok := n.Leader()
		if ok {
			require.Equal(t, l.Status().ID, leader)
		}
	}
	for id, n := range nodes {
		n := n
		waitUntil(t, 2*time.Second, func() bool { return readKey(t, n, "x") == "1" }, "replication to "+id)
	}

	payload, err := json.Marshal(kv.Pair{Key: "y", Value: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, l.Apply(consensus.Command{Op: kv.OpSet, Payload: payload}, time.Second))
	require.Equal(t, "2", readKey(t, l, "y"))
	require.ErrorIs(t, l.Apply(consensus.Command{}, time.Second), ErrMalformedCommand)
	// the state machine's own error is returned to the proposer
	require.Error(t, l.Apply(consensus.Command{Op: "Bogus", Payload: payload}, time.Second))

	st := l.Status()
	require.Equal(t, "leader", st.Role)
	require.Len(t, st.Members, 3)
	require.GreaterOrEqual(t, st.Applied, res.Index)
}

func TestNodeLeaderChAndStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nodes, _ := startNodes(t, ctx, "solo")
	n := nodes["solo"]

	select {
	case li := <-n.LeaderCh():
		require.Equal(t, "solo", li.ID)
		require.GreaterOrEqual(t, li.Term, uint64(1))
	case <-time.After(3 * time.Second):
		t.Fatal("no leader notification")
	}
	require.True(t, n.IsLeader())

	require.NoError(t, n.Stop())
	_, err := n.Propose(ctx, []byte(`{"Op":"Set"}`))
	require.ErrorIs(t, err, ErrStopped)
	_, open := <-n.LeaderCh()
	for open {
		_, open = <-n.LeaderCh()
	}
	require.NoError(t, n.Stop())
}

func TestNodeMembership(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nodes, net := startNodes(t, ctx, "n1")
	n1 := nodes["n1"]
	waitUntil(t, 3*time.Second, n1.IsLeader, "n1 not leader")

	n2, err := New(Options{
		NodeID:             "n2",
		Transport:          net,
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 120 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, n2.Start(ctx))
	defer n2.Stop()

	require.NoError(t, n1.AddVoter(ctx, "n2", ""))
	require.Len(t, n1.Status().Members, 2)
	// adding an existing member with the same address is a no-op
	require.NoError(t, n1.AddVoter(ctx, "n2", ""))
	waitUntil(t, 2*time.Second, func() bool { return len(n2.Status().Members) == 2 }, "n2 learns configuration")

	require.NoError(t, n1.RemoveServer(ctx, "n2"))
	require.Len(t, n1.Status().Members, 1)
	require.NoError(t, n1.RemoveServer(ctx, "n2"))
}

func TestNodeRateLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	net := memory.NewAsyncNetwork()
	defer net.Close()
	n, err := New(Options{
		NodeID:             "solo",
		InitialMembers:     []raftlog.Member{{ID: "solo"}},
		Transport:          net,
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 120 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
		MaxProposalRate:    1,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	defer n.Stop()
	waitUntil(t, 3*time.Second, n.IsLeader, "not leader")

	cmd, _ := kv.SetCommand("a", []byte("1"))
	_, err = n.Propose(ctx, cmd)
	require.NoError(t, err)
	_, err = n.Propose(ctx, cmd)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestOptionsValidate(t *testing.T) {
	net := memory.NewNetwork()
	cases := []struct {
		name string
		opts Options
		ok   bool
	}{
		{"minimal", Options{NodeID: "a", Transport: net}, true},
		{"no id", Options{Transport: net}, false},
		{"no transport", Options{NodeID: "a"}, false},
		{"heartbeat too slow", Options{NodeID: "a", Transport: net, HeartbeatInterval: time.Second}, false},
		{"inverted timeouts", Options{NodeID: "a", Transport: net, ElectionTimeoutMin: time.Second, ElectionTimeoutMax: 500 * time.Millisecond}, false},
		{"duplicate members", Options{NodeID: "a", Transport: net, InitialMembers: []raftlog.Member{{ID: "a"}, {ID: "a"}}}, false},
		{"bad address", Options{NodeID: "a", Transport: net, InitialMembers: []raftlog.Member{{ID: "a", Addr: "nope"}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRandomTimeoutWithinBounds(t *testing.T) {
	o := Options{ElectionTimeoutMin: 100 * time.Millisecond, ElectionTimeoutMax: 200 * time.Millisecond}.withDefaults()
	for i := 0; i < 1000; i++ {
		d := o.RandomTimeout()
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
