package grpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/snapshot"
	"github.com/amirimatin/go-raft/pkg/transport"
)

type result struct {
	err  error
	resp transport.Message
}

func send(t *testing.T, tr *Transport, to string, req transport.Message) result {
	t.Helper()
	ch := make(chan result, 1)
	tr.Send("a", to, req, func(err error, _ transport.CallID, _ string, resp transport.Message) {
		ch <- result{err, resp}
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
		return result{}
	}
}

func TestPeerTransportRoundTrip(t *testing.T) {
	b, err := NewTransport(TransportOptions{Bind: "127.0.0.1:0", Compress: true})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Register("b", func(from string, req transport.Message, reply func(transport.Message, error)) {
		switch r := req.(type) {
		case transport.RequestVoteRequest:
			reply(transport.RequestVoteResponse{Term: r.Term, VoteGranted: from == r.CandidateID}, nil)
		case transport.AppendEntriesRequest:
			reply(transport.AppendEntriesResponse{Term: r.Term, Success: true, LastIndex: r.PrevLogIndex + uint64(len(r.Entries))}, nil)
		case transport.InstallSnapshotRequest:
			reply(transport.InstallSnapshotResponse{Term: r.Term, LastIndex: r.Snapshot.Log.LastIndex()}, nil)
		}
	}))

	a, err := NewTransport(TransportOptions{Bind: "127.0.0.1:0", Compress: true})
	require.NoError(t, err)
	defer a.Close()
	a.UpdatePeers([]raftlog.Member{{ID: "b", Addr: b.Addr()}})

	r := send(t, a, "b", transport.RequestVoteRequest{Term: 4, CandidateID: "a"})
	require.NoError(t, r.err)
	require.Equal(t, transport.RequestVoteResponse{Term: 4, VoteGranted: true}, r.resp)

	entries := []raftlog.Entry{{Index: 3, Term: 2, Kind: raftlog.KindCommand, Command: []byte("x")}}
	r = send(t, a, "b", transport.AppendEntriesRequest{Term: 2, LeaderID: "a", PrevLogIndex: 2, PrevLogTerm: 1, Entries: entries})
	require.NoError(t, r.err)
	require.Equal(t, transport.AppendEntriesResponse{Term: 2, Success: true, LastIndex: 3}, r.resp)

	snap := snapshot.Snapshot{
		Log:     raftlog.LogSnapshot{Entries: []raftlog.Entry{{Index: 0, Kind: raftlog.KindConfigure, Command: []byte(`{"members":[]}`)}, {Index: 1, Term: 1}}},
		Applier: applier.ApplierSnapshot{CommitIndex: 1, Data: []byte("state")},
	}
	r = send(t, a, "b", transport.InstallSnapshotRequest{Term: 5, LeaderID: "a", Snapshot: snap})
	require.NoError(t, r.err)
	require.Equal(t, transport.InstallSnapshotResponse{Term: 5, LastIndex: 1}, r.resp)
}

func TestPeerTransportFailures(t *testing.T) {
	b, err := NewTransport(TransportOptions{Bind: "127.0.0.1:0", Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Register("b", func(string, transport.Message, func(transport.Message, error)) {
		// never replies
	}))
	a, err := NewTransport(TransportOptions{Bind: "127.0.0.1:0", Timeout: 300 * time.Millisecond, Peers: map[string]string{"b": b.Addr(), "c": b.Addr()}})
	require.NoError(t, err)
	defer a.Close()

	r := send(t, a, "nobody", transport.RequestVoteRequest{})
	require.True(t, errors.Is(r.err, transport.ErrInvalidPeer))

	r = send(t, a, "c", transport.RequestVoteRequest{})
	require.True(t, errors.Is(r.err, transport.ErrInvalidPeer), "%v", r.err)

	r = send(t, a, "b", transport.RequestVoteRequest{})
	require.True(t, errors.Is(r.err, transport.ErrRequestFailed), "%v", r.err)

	ch := make(chan error, 1)
	id := a.Send("a", "b", transport.RequestVoteRequest{}, func(err error, _ transport.CallID, _ string, _ transport.Message) { ch <- err })
	a.Cancel(id)
	select {
	case err := <-ch:
		require.True(t, errors.Is(err, transport.ErrRequestFailed))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call never completed")
	}
}

func TestManagementRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer("127.0.0.1:0")
	err := srv.Start(ctx,
		func(context.Context) ([]byte, error) { return json.Marshal(map[string]string{"leader": "n1"}) },
		func(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
			return transport.JoinResponse{Accepted: req.ID == "n4"}, nil
		},
		nil,
		func(_ context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
			if len(req.Command) == 0 {
				return transport.ProposeResponse{Leader: "n1:1"}, errors.New("not leader")
			}
			return transport.ProposeResponse{Index: 7, Data: req.Command}, nil
		},
		func(_ context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
			return transport.ReadResponse{Value: []byte(req.Key + "!"), Found: true}, nil
		},
	)
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	c := NewClient(3 * time.Second)
	defer c.Close()
	data, err := c.GetStatus(ctx, srv.Addr())
	require.NoError(t, err)
	require.JSONEq(t, `{"leader":"n1"}`, string(data))

	jr, err := c.PostJoin(ctx, srv.Addr(), transport.JoinRequest{ID: "n4", RaftAddr: "127.0.0.1:1"})
	require.NoError(t, err)
	require.True(t, jr.Accepted)

	lr, err := c.PostLeave(ctx, srv.Addr(), transport.LeaveRequest{ID: "n4"})
	require.NoError(t, err)
	require.False(t, lr.Accepted)
	require.Equal(t, "leave not supported", lr.Error)

	pr, err := c.PostPropose(ctx, srv.Addr(), transport.ProposeRequest{Command: []byte("cmd")})
	require.NoError(t, err)
	require.Equal(t, uint64(7), pr.Index)
	_, err = c.PostPropose(ctx, srv.Addr(), transport.ProposeRequest{})
	require.EqualError(t, err, "not leader")

	rr, err := c.GetValue(ctx, srv.Addr(), transport.ReadRequest{Key: "k"})
	require.NoError(t, err)
	require.True(t, rr.Found)
	require.Equal(t, "k!", string(rr.Value))
}

func TestConnManagerReuseAndEvict(t *testing.T) {
	dials := 0
	m := NewConnManager(time.Hour, func(ctx context.Context, target string) (*grpc.ClientConn, error) {
		dials++
		return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	})
	defer m.Close()
	ctx := context.Background()

	a, releaseA, err := m.Get(ctx, "127.0.0.1:1")
	require.NoError(t, err)
	b, releaseB, err := m.Get(ctx, "127.0.0.1:1")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, dials)

	// referenced connections survive eviction
	require.Zero(t, m.evictIdle(time.Now().Add(2*time.Hour)))
	releaseA()
	releaseB()
	require.Equal(t, 1, m.evictIdle(time.Now().Add(2*time.Hour)))

	_, release, err := m.Get(ctx, "127.0.0.1:1")
	require.NoError(t, err)
	release()
	require.Equal(t, 2, dials)
	m.Forget("127.0.0.1:1")
	require.Zero(t, m.evictIdle(time.Now().Add(2*time.Hour)))
}
