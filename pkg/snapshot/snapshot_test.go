package snapshot

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	"github.com/lni/vfs"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/state/kv"
)

func kvFactory() applier.StateMachine { return kv.New() }

func setCmd(t *testing.T, k, v string) []byte {
	t.Helper()
	b, err := kv.SetCommand(k, []byte(v))
	require.NoError(t, err)
	return b
}

// node builds a log with three commands, two of them applied.
func node(t *testing.T) (*applier.Applier, *raftlog.Log) {
	t.Helper()
	a, err := applier.New(kv.New())
	require.NoError(t, err)
	cfg := raftlog.ClusterConfig{Members: []raftlog.Member{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	l, err := raftlog.New(cfg, a)
	require.NoError(t, err)
	for i, kvp := range [][2]string{{"x", "1"}, {"y", "2"}, {"z", "3"}} {
		_, err := l.AppendNew(uint64(i/2+1), raftlog.KindCommand, setCmd(t, kvp[0], kvp[1]))
		require.NoError(t, err)
	}
	ents, err := l.Range(1, 3)
	require.NoError(t, err)
	_, err = a.Apply(ents)
	require.NoError(t, err)
	return a, l
}

func TestCaptureRequiresInitAndBind(t *testing.T) {
	var zero Coordinator
	_, err := zero.Capture()
	require.True(t, errors.Is(err, ErrNotReady))
	_, _, err = zero.Install(Snapshot{})
	require.True(t, errors.Is(err, ErrNotReady))

	c, err := New(Options{Factory: kvFactory})
	require.NoError(t, err)
	_, err = c.Capture()
	require.True(t, errors.Is(err, ErrNotReady))

	_, err = New(Options{})
	require.Error(t, err)
}

func TestCaptureInstallRoundTrip(t *testing.T) {
	a, l := node(t)
	c, err := New(Options{Factory: kvFactory})
	require.NoError(t, err)
	c.Bind(a, l)
	snap, err := c.Capture()
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Index())
	require.Equal(t, uint64(1), snap.Term())

	fresh, err := New(Options{Factory: kvFactory})
	require.NoError(t, err)
	a2, l2, err := fresh.Install(snap)
	require.NoError(t, err)
	require.Equal(t, a.CommitIndex(), a2.CommitIndex())
	require.Equal(t, l.LastIndex(), l2.LastIndex())
	require.Equal(t, l.Config(), l2.Config())
	want, _ := l.Range(0, 10)
	got, _ := l2.Range(0, 10)
	require.Equal(t, want, got)
	v, ok := a2.StateMachine().(*kv.State).Get("y")
	require.True(t, ok)
	require.Equal(t, "2", string(v))
	_, ok = a2.StateMachine().(*kv.State).Get("z")
	require.False(t, ok)

	// The installed pair is bound and independent of the source.
	_, err = l.AppendNew(5, raftlog.KindCommand, setCmd(t, "w", "4"))
	require.NoError(t, err)
	ents, _ := l.Range(3, 4)
	_, err = a.Apply(ents)
	require.NoError(t, err)
	require.Equal(t, uint64(3), l2.LastIndex())
	require.Equal(t, uint64(2), a2.CommitIndex())
	again, err := fresh.Capture()
	require.NoError(t, err)
	require.Equal(t, snap, again)
}

func TestInstallRejectsAppliedOutsideImage(t *testing.T) {
	a, l := node(t)
	c, _ := New(Options{Factory: kvFactory})
	c.Bind(a, l)
	snap, err := c.Capture()
	require.NoError(t, err)
	snap.Applier.CommitIndex = 9
	_, _, err = c.Install(snap)
	require.True(t, errors.Is(err, raftlog.ErrCorrupt))
	_, _, err = c.Install(Snapshot{})
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestInstallRewritesStore(t *testing.T) {
	a, l := node(t)
	src, _ := New(Options{Factory: kvFactory})
	src.Bind(a, l)
	snap, err := src.Capture()
	require.NoError(t, err)

	store := raft.NewInmemStore()
	stale := &raft.Log{Index: 1, Term: 7, Type: raft.LogConfiguration, Data: []byte(`{"members":[]}`)}
	require.NoError(t, store.StoreLog(stale))
	dst, _ := New(Options{Factory: kvFactory, Store: store})
	_, l2, err := dst.Install(snap)
	require.NoError(t, err)
	last, err := store.LastIndex()
	require.NoError(t, err)
	require.Equal(t, l2.LastIndex()+1, last)
	var rl raft.Log
	require.NoError(t, store.GetLog(1, &rl))
	require.Equal(t, uint64(0), rl.Term)
}

func TestCodec(t *testing.T) {
	a, l := node(t)
	c, _ := New(Options{Factory: kvFactory})
	c.Bind(a, l)
	snap, err := c.Capture()
	require.NoError(t, err)
	for _, compress := range []bool{false, true} {
		b, err := Encode(snap, compress)
		require.NoError(t, err)
		got, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, snap, got)
	}
	for _, bad := range [][]byte{nil, {7, '{', '}'}, {flagSnappy, 0xff, 0xff}, {flagPlain, '['}} {
		_, err := Decode(bad)
		require.True(t, errors.Is(err, ErrCorrupt), "%v", bad)
	}
}

func TestStoreSaveLatestPrune(t *testing.T) {
	fs := vfs.NewMem()
	st, err := NewStore(StoreOptions{FS: fs, Dir: "snaps", Retain: 2, Compress: true})
	require.NoError(t, err)
	_, err = st.Latest()
	require.True(t, errors.Is(err, ErrNoSnapshot))

	a, l := node(t)
	c, _ := New(Options{Factory: kvFactory})
	c.Bind(a, l)
	var last Snapshot
	for i := 0; i < 3; i++ {
		if i > 0 {
			ents, _ := l.Range(a.CommitIndex()+1, a.CommitIndex()+2)
			if len(ents) == 0 {
				_, err := l.AppendNew(3, raftlog.KindNoop, nil)
				require.NoError(t, err)
				ents, _ = l.Range(a.CommitIndex()+1, a.CommitIndex()+2)
			}
			_, err := a.Apply(ents)
			require.NoError(t, err)
		}
		last, err = c.Capture()
		require.NoError(t, err)
		m, err := st.Save(last)
		require.NoError(t, err)
		require.Equal(t, last.Index(), m.Index)
	}
	metas, err := st.List()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, uint64(3), metas[0].Index)
	require.Equal(t, uint64(4), metas[1].Index)

	got, err := st.Latest()
	require.NoError(t, err)
	require.Equal(t, last, got)
}

func TestStoreSkipsCorruptNewest(t *testing.T) {
	fs := vfs.NewMem()
	st, err := NewStore(StoreOptions{FS: fs, Dir: "snaps", Retain: 5})
	require.NoError(t, err)
	a, l := node(t)
	c, _ := New(Options{Factory: kvFactory})
	c.Bind(a, l)
	good, err := c.Capture()
	require.NoError(t, err)
	_, err = st.Save(good)
	require.NoError(t, err)

	f, err := fs.Create(fs.PathJoin("snaps", fileName(99)))
	require.NoError(t, err)
	_, err = f.Write([]byte{flagPlain, '{'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := st.Latest()
	require.NoError(t, err)
	require.Equal(t, good, got)
}
