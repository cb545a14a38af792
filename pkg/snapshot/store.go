package snapshot

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lni/vfs"

	"github.com/amirimatin/go-raft/pkg/internal/logutil"
)

const (
	filePrefix = "snapshot-"
	fileSuffix = ".snap"
	tmpSuffix  = ".tmp"
)

// Meta describes a stored snapshot file.
type Meta struct {
	Index uint64
	Name  string
}

// StoreOptions configure a Store.
type StoreOptions struct {
	// FS defaults to the operating system file system.
	FS  vfs.FS
	Dir string
	// Retain is the number of snapshots kept after a Save (default 2).
	Retain   int
	Compress bool
	Logger   *log.Logger
}

// Store keeps encoded snapshots as files named by their applied index.
// Files are written to a temporary name and renamed into place.
type Store struct {
	opts StoreOptions
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default
	}
	if opts.Dir == "" {
		return nil, errors.New("snapshot: empty store directory")
	}
	if opts.Retain <= 0 {
		opts.Retain = 2
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "snapshot: create %s", opts.Dir)
	}
	return &Store{opts: opts}, nil
}

func fileName(index uint64) string {
	return fmt.Sprintf("%s%016x%s", filePrefix, index, fileSuffix)
}

func parseName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	hex := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	idx, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Save writes s and prunes all but the newest Retain snapshots.
func (st *Store) Save(s Snapshot) (Meta, error) {
	data, err := Encode(s, st.opts.Compress)
	if err != nil {
		return Meta{}, err
	}
	fs := st.opts.FS
	name := fileName(s.Index())
	final := fs.PathJoin(st.opts.Dir, name)
	tmp := final + tmpSuffix
	f, err := fs.Create(tmp)
	if err != nil {
		return Meta{}, errors.Wrapf(err, "snapshot: create %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return Meta{}, errors.Wrapf(err, "snapshot: write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Meta{}, errors.Wrapf(err, "snapshot: sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return Meta{}, errors.Wrapf(err, "snapshot: close %s", tmp)
	}
	if err := fs.Rename(tmp, final); err != nil {
		return Meta{}, errors.Wrapf(err, "snapshot: rename %s", tmp)
	}
	logutil.Infof(st.opts.Logger, "snapshot: saved %s (%d bytes)", name, len(data))
	if err := st.prune(); err != nil {
		logutil.Warnf(st.opts.Logger, "snapshot: prune: %v", err)
	}
	return Meta{Index: s.Index(), Name: name}, nil
}

// List returns stored snapshots, oldest first.
func (st *Store) List() ([]Meta, error) {
	names, err := st.opts.FS.List(st.opts.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot: list %s", st.opts.Dir)
	}
	var out []Meta
	for _, n := range names {
		if idx, ok := parseName(n); ok {
			out = append(out, Meta{Index: idx, Name: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Latest loads the newest readable snapshot. Unreadable files are skipped
// with a warning; ErrNoSnapshot is returned when none is left.
func (st *Store) Latest() (Snapshot, error) {
	metas, err := st.List()
	if err != nil {
		return Snapshot{}, err
	}
	for i := len(metas) - 1; i >= 0; i-- {
		s, err := st.load(metas[i].Name)
		if err != nil {
			logutil.Warnf(st.opts.Logger, "snapshot: skipping %s: %v", metas[i].Name, err)
			continue
		}
		return s, nil
	}
	return Snapshot{}, ErrNoSnapshot
}

func (st *Store) load(name string) (Snapshot, error) {
	f, err := st.opts.FS.Open(st.opts.FS.PathJoin(st.opts.Dir, name))
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Snapshot{}, err
	}
	return Decode(data)
}

func (st *Store) prune() error {
	metas, err := st.List()
	if err != nil {
		return err
	}
	for len(metas) > st.opts.Retain {
		if err := st.opts.FS.Remove(st.opts.FS.PathJoin(st.opts.Dir, metas[0].Name)); err != nil {
			return err
		}
		metas = metas[1:]
	}
	return nil
}
