// Package snapshot pairs a log image with an applier image into one
// point-in-time snapshot, and rebuilds a log and applier from it.
package snapshot

import (
	"log"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/raftlog"
)

var (
	// ErrNotReady is returned when the coordinator was not built with New or
	// has no log and applier bound to it yet.
	ErrNotReady   = errors.New("snapshot: coordinator not ready")
	ErrNoSnapshot = errors.New("snapshot: no snapshot stored")
	ErrCorrupt    = errors.New("snapshot: corrupt snapshot")
)

// Snapshot is a log image and the applier state at the same instant.
type Snapshot struct {
	Log     raftlog.LogSnapshot     `json:"log"`
	Applier applier.ApplierSnapshot `json:"applier"`
}

// Index is the last applied index covered by the snapshot.
func (s Snapshot) Index() uint64 { return s.Applier.CommitIndex }

// Term returns the term of the entry at Index, or 0 when the image does not hold it.
func (s Snapshot) Term() uint64 {
	idx := s.Index()
	for _, e := range s.Log.Entries {
		if e.Index == idx {
			return e.Term
		}
	}
	return 0
}

// Options configure a Coordinator.
type Options struct {
	// Factory returns the empty state machine an installed snapshot is
	// restored into.
	Factory func() applier.StateMachine
	// Store, when set, receives the log image of every Install.
	Store  raft.LogStore
	Logger *log.Logger
}

// Coordinator captures and installs snapshots for one node. It runs on the
// node's task and is not safe for concurrent use.
type Coordinator struct {
	opts    Options
	applier *applier.Applier
	log     *raftlog.Log
}

func New(opts Options) (*Coordinator, error) {
	if opts.Factory == nil {
		return nil, errors.New("snapshot: nil state machine factory")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Coordinator{opts: opts}, nil
}

// Bind attaches the log and applier that Capture copies.
func (c *Coordinator) Bind(a *applier.Applier, l *raftlog.Log) {
	c.applier = a
	c.log = l
}

func (c *Coordinator) initialized() bool { return c != nil && c.opts.Factory != nil }

// Capture copies the bound applier and log. The copies share nothing with
// their sources.
func (c *Coordinator) Capture() (Snapshot, error) {
	if !c.initialized() {
		return Snapshot{}, errors.Wrap(ErrNotReady, "capture before initialization")
	}
	if c.applier == nil || c.log == nil {
		return Snapshot{}, errors.Wrap(ErrNotReady, "capture before bind")
	}
	as, err := c.applier.Snapshot()
	if err != nil {
		return Snapshot{}, err
	}
	ls, err := c.log.Snapshot()
	if err != nil {
		return Snapshot{}, err
	}
	obsmetrics.Snapshots.WithLabelValues("capture").Inc()
	logutil.Debugf(c.opts.Logger, "snapshot: captured applied=%d entries=[%d, %d]", as.CommitIndex, c.log.FirstIndex(), ls.LastIndex())
	return Snapshot{Log: ls, Applier: as}, nil
}

// Install rebuilds an applier from s, then a log bound to that applier, and
// binds both to the coordinator. The applier comes first because the log's
// truncation bound is the applier's commit index.
func (c *Coordinator) Install(s Snapshot) (*applier.Applier, *raftlog.Log, error) {
	if !c.initialized() {
		return nil, nil, errors.Wrap(ErrNotReady, "install before initialization")
	}
	if len(s.Log.Entries) == 0 {
		return nil, nil, errors.Wrap(ErrCorrupt, "empty log image")
	}
	a, err := applier.Restore(s.Applier, c.opts.Factory())
	if err != nil {
		return nil, nil, err
	}
	l, err := raftlog.Restore(s.Log, raftlog.Options{Applier: a, Store: c.opts.Store, Logger: c.opts.Logger})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "snapshot: install at %d", s.Index())
	}
	c.Bind(a, l)
	obsmetrics.Snapshots.WithLabelValues("install").Inc()
	logutil.Infof(c.opts.Logger, "snapshot: installed applied=%d last=%d", a.CommitIndex(), l.LastIndex())
	return a, l, nil
}
