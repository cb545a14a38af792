package raftlog

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

type commitAt uint64

func (c commitAt) CommitIndex() uint64 { return uint64(c) }

func threeMembers() ClusterConfig {
	return ClusterConfig{Members: []Member{{ID: "a", Addr: "127.0.0.1:9001"}, {ID: "b", Addr: "127.0.0.1:9002"}, {ID: "c", Addr: "127.0.0.1:9003"}}}
}

func mustConfig(t *testing.T, c ClusterConfig) []byte {
	t.Helper()
	b, err := EncodeConfig(c)
	require.NoError(t, err)
	return b
}

// logWithTerms builds a log whose entries 1..n carry the given terms.
func logWithTerms(t *testing.T, applier CommitIndexer, terms ...uint64) *Log {
	t.Helper()
	l, err := New(threeMembers(), applier)
	require.NoError(t, err)
	for _, term := range terms {
		_, err := l.AppendNew(term, KindCommand, []byte("x"))
		require.NoError(t, err)
	}
	return l
}

func termsOf(t *testing.T, l *Log) []uint64 {
	t.Helper()
	entries, err := l.Range(l.FirstIndex(), l.LastIndex()+1)
	require.NoError(t, err)
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Term)
	}
	return out
}

func TestAppendAnchorThenLeaderAppend(t *testing.T) {
	l, err := New(threeMembers(), commitAt(0))
	require.NoError(t, err)

	_, err = l.Append(AppendRequest{Entries: []Entry{{Index: 0, Term: 0}}})
	require.NoError(t, err)

	e, err := l.AppendNew(1, KindCommand, []byte("set x"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Index)

	last, ok := l.Last()
	require.True(t, ok)
	require.True(t, last.Equal(e))
}

func TestAppendOverwritesFromFirstConflict(t *testing.T) {
	l := logWithTerms(t, commitAt(0), 0, 0, 0)

	_, err := l.Append(AppendRequest{Term: 3, Entries: []Entry{
		{Index: 1, Term: 0},
		{Index: 2, Term: 1},
		{Index: 3, Term: 3},
	}})
	require.NoError(t, err)
	require.Equal(t, uint64(3), l.LastIndex())
	require.Equal(t, []uint64{0, 0, 1, 3}, termsOf(t, l))
}

func TestAppendRejectsUnmatchedAnchor(t *testing.T) {
	l := logWithTerms(t, commitAt(0), 1, 1)

	_, err := l.Append(AppendRequest{Term: 2, Entries: []Entry{{Index: 5, Term: 1}, {Index: 6, Term: 2}}})
	require.True(t, errors.Is(err, ErrTermMismatch), "missing anchor: %v", err)

	_, err = l.Append(AppendRequest{Term: 2, Entries: []Entry{{Index: 2, Term: 2}, {Index: 3, Term: 2}}})
	require.True(t, errors.Is(err, ErrTermMismatch), "term differs: %v", err)
	require.Equal(t, uint64(2), l.LastIndex())
}

func TestAppendValidatesBeforeMutating(t *testing.T) {
	l := logWithTerms(t, commitAt(0), 1, 1, 1)
	before, err := l.Snapshot()
	require.NoError(t, err)

	cases := []struct {
		name string
		req  AppendRequest
		want error
	}{
		{"gap", AppendRequest{Term: 2, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}, {Index: 4, Term: 2}}}, ErrInvalidIndex},
		{"decreasing term", AppendRequest{Term: 2, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}, {Index: 3, Term: 1}}}, ErrInvalidTerm},
		{"stale request term", AppendRequest{Term: 1, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}}}, ErrInvalidTerm},
		{"commit beyond batch", AppendRequest{Term: 2, CommitIndex: 3, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}}}, ErrInvalidIndex},
		{"empty batch", AppendRequest{Term: 2}, ErrInvalidIndex},
		{"bad configuration", AppendRequest{Term: 2, Entries: []Entry{{Index: 3, Term: 1}, {Index: 4, Term: 2, Kind: KindConfigure, Command: []byte("{")}}}, ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Append(tc.req)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			after, err := l.Snapshot()
			require.NoError(t, err)
			require.Equal(t, before, after)
		})
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	l := logWithTerms(t, commitAt(0), 1, 1, 2, 2)
	batch := AppendRequest{Term: 2, CommitIndex: 4, Entries: []Entry{
		{Index: 2, Term: 1},
		{Index: 3, Term: 2, Command: []byte("x")},
		{Index: 4, Term: 2, Command: []byte("x")},
	}}
	before, err := l.Snapshot()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(batch)
		require.NoError(t, err)
	}
	after, err := l.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestAppendKeepsMatchingSuffixBeyondBatch(t *testing.T) {
	l := logWithTerms(t, commitAt(0), 1, 1, 1)
	_, err := l.Append(AppendRequest{Term: 1, Entries: []Entry{{Index: 0, Term: 0}, {Index: 1, Term: 1, Command: []byte("x")}}})
	require.NoError(t, err)
	require.Equal(t, uint64(3), l.LastIndex())
}

func TestAppendRefusesUnsafeTruncation(t *testing.T) {
	l := logWithTerms(t, commitAt(2), 1, 1, 1)
	before, err := l.Snapshot()
	require.NoError(t, err)

	_, err = l.Append(AppendRequest{Term: 2, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}}})
	require.True(t, errors.Is(err, ErrUnsafeTruncation), "got %v", err)
	require.True(t, errors.HasAssertionFailure(err))
	require.True(t, IsInternal(err))

	after, err := l.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after)

	// Above the commit index the same shape of conflict is allowed.
	_, err = l.Append(AppendRequest{Term: 2, Entries: []Entry{{Index: 2, Term: 1}, {Index: 3, Term: 2}}})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 1, 2}, termsOf(t, l))
}

func TestConfigurationAdoptedOnWriteAndRolledBack(t *testing.T) {
	l := logWithTerms(t, commitAt(1), 1)
	four := threeMembers().With(Member{ID: "d", Addr: "127.0.0.1:9004"})

	e, err := l.AppendNew(1, KindConfigure, mustConfig(t, four))
	require.NoError(t, err)
	require.Equal(t, e.Index, l.ConfigIndex())
	require.Equal(t, uint64(0), l.PrevConfigIndex())
	require.True(t, l.Config().Contains("d"))

	_, err = l.AppendNew(1, KindCommand, []byte("y"))
	require.NoError(t, err)

	// A new leader never saw the configure entry and overwrites it.
	_, err = l.Append(AppendRequest{Term: 2, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}}})
	require.NoError(t, err)
	require.Equal(t, uint64(0), l.ConfigIndex())
	require.False(t, l.Config().Contains("d"))
	require.Equal(t, uint64(2), l.LastIndex())
}

func TestConfigurationFromReplicationBatch(t *testing.T) {
	l := logWithTerms(t, commitAt(0), 1)
	two := ClusterConfig{Members: []Member{{ID: "a"}, {ID: "b"}}}
	payload := mustConfig(t, two)

	_, err := l.Append(AppendRequest{Term: 1, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1, Kind: KindConfigure, Command: payload}}})
	require.NoError(t, err)
	require.Equal(t, uint64(2), l.ConfigIndex())
	require.Equal(t, []string{"a", "b"}, l.Config().IDs())

	// Seeing the same entry again does not push another history record.
	_, err = l.Append(AppendRequest{Term: 1, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1, Kind: KindConfigure, Command: payload}}})
	require.NoError(t, err)
	require.Equal(t, uint64(0), l.PrevConfigIndex())
}

func TestContiguityAndTermOrderUnderRandomAppends(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l, err := New(threeMembers(), commitAt(0))
	require.NoError(t, err)
	term := uint64(0)
	for i := 0; i < 500; i++ {
		if rng.Intn(4) == 0 {
			term++
		}
		if rng.Intn(3) == 0 || l.LastIndex() == 0 {
			_, err := l.AppendNew(term, KindCommand, []byte{byte(i)})
			require.NoError(t, err)
			continue
		}
		// Replicate from a random anchor, overwriting the tail with the current term.
		anchorIdx := uint64(rng.Int63n(int64(l.LastIndex()) + 1))
		anchor, ok := l.Entry(anchorIdx)
		require.True(t, ok)
		batch := []Entry{{Index: anchor.Index, Term: anchor.Term}}
		for j := 0; j < rng.Intn(4); j++ {
			batch = append(batch, Entry{Index: anchor.Index + uint64(j) + 1, Term: term})
		}
		_, err := l.Append(AppendRequest{Term: term, Entries: batch})
		require.NoError(t, err)
	}
	entries, err := l.Range(0, l.LastIndex()+1)
	require.NoError(t, err)
	for i, e := range entries {
		require.Equal(t, uint64(i), e.Index)
		if i > 0 {
			require.GreaterOrEqual(t, e.Term, entries[i-1].Term)
		}
	}
}

func TestRangeClampsAndCopies(t *testing.T) {
	l := logWithTerms(t, commitAt(0), 1, 1)
	got, err := l.Range(1, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	got[0].Command[0] = 'z'
	e, _ := l.Entry(1)
	require.Equal(t, []byte("x"), e.Command)

	got, err = l.Range(5, 9)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCompactKeepsConfigurationAndTerms(t *testing.T) {
	l := logWithTerms(t, commitAt(3), 1, 1)
	four := threeMembers().With(Member{ID: "d"})
	_, err := l.AppendNew(2, KindConfigure, mustConfig(t, four))
	require.NoError(t, err)
	_, err = l.AppendNew(2, KindCommand, []byte("after"))
	require.NoError(t, err)

	require.NoError(t, l.Compact(2))
	require.Equal(t, uint64(2), l.FirstIndex())
	require.Equal(t, uint64(4), l.LastIndex())
	require.Equal(t, uint64(3), l.ConfigIndex())
	require.Equal(t, uint64(2), l.PrevConfigIndex())

	_, err = l.Range(1, 3)
	require.True(t, errors.Is(err, ErrCompacted))

	base, ok := l.Entry(2)
	require.True(t, ok)
	require.Equal(t, KindConfigure, base.Kind)
	require.Equal(t, uint64(1), base.Term)

	// An anchor below the base is treated as matching.
	_, err = l.Append(AppendRequest{Term: 2, Entries: []Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 2}, {Index: 4, Term: 2}, {Index: 5, Term: 2}}})
	require.NoError(t, err)
	require.Equal(t, uint64(5), l.LastIndex())

	require.True(t, errors.Is(l.Compact(5), ErrInvalidIndex), "compaction past applied index")
}

func TestZeroLogIsNotReady(t *testing.T) {
	var l Log
	_, err := l.Append(AppendRequest{Entries: []Entry{{}}})
	require.True(t, errors.Is(err, ErrNotReady))
	_, err = l.AppendNew(1, KindCommand, nil)
	require.True(t, errors.Is(err, ErrNotReady))
	_, err = l.Snapshot()
	require.True(t, IsInternal(err))
	_, ok := l.Last()
	require.False(t, ok)
}

func TestConfigValidation(t *testing.T) {
	_, err := EncodeConfig(ClusterConfig{Members: []Member{{ID: "a"}, {ID: "a"}}})
	require.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = EncodeConfig(ClusterConfig{Members: []Member{{ID: ""}}})
	require.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = EncodeConfig(ClusterConfig{Members: []Member{{ID: "a", Addr: "nope"}}})
	require.True(t, errors.Is(err, ErrInvalidConfig))

	c := ClusterConfig{}.With(Member{ID: "b"}).With(Member{ID: "a"})
	require.Equal(t, []string{"a", "b"}, c.IDs())
	require.Equal(t, 2, c.Quorum())
	require.Equal(t, []string{"b"}, c.Without("a").IDs())
}
