package cli

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-raft/pkg/transport"
	"github.com/amirimatin/go-raft/pkg/transport/httpjson"
)

func TestAddAll(t *testing.T) {
	root := &cobra.Command{Use: "raftctl"}
	AddAll(root)
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.ElementsMatch(t, []string{"run", "status", "put", "get", "delete", "join", "leave"}, names)
}

func startProposeServer(t *testing.T, ctx context.Context, fn transport.ProposeFunc) string {
	t.Helper()
	s := httpjson.NewServer("127.0.0.1:0", nil)
	require.NoError(t, s.Start(ctx, func(context.Context) ([]byte, error) { return []byte("{}"), nil }, nil, nil, fn, nil))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s.Addr()
}

func TestProposeFollowsLeaderHint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leader := startProposeServer(t, ctx, func(_ context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
		return transport.ProposeResponse{Index: 7}, nil
	})
	follower := startProposeServer(t, ctx, func(_ context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
		return transport.ProposeResponse{Leader: leader, Error: "not leader"}, nil
	})

	client := httpjson.NewClient(0)
	resp, err := propose(ctx, client, follower, []byte(`{"Op":"Set"}`))
	require.NoError(t, err)
	require.Equal(t, uint64(7), resp.Index)

	orphan := startProposeServer(t, ctx, func(_ context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
		return transport.ProposeResponse{Error: "not leader"}, nil
	})
	_, err = propose(ctx, client, orphan, []byte(`{"Op":"Set"}`))
	require.EqualError(t, err, "not leader")
}
