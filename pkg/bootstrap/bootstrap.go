// Package bootstrap assembles a node from flat configuration: storage
// backend, snapshot store, gRPC peer transport, consensus engine and the
// management API.
package bootstrap

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/cluster"
	cns "github.com/amirimatin/go-raft/pkg/consensus"
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/pkg/discovery"
	dStatic "github.com/amirimatin/go-raft/pkg/discovery/static"
	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/snapshot"
	"github.com/amirimatin/go-raft/pkg/storage"
	"github.com/amirimatin/go-raft/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-raft/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-raft/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults. Applications embed the node by providing this structure and
// calling Build/Run.
type Config struct {
	// Identity and addresses
	NodeID   string
	RaftAddr string // peer transport bind, e.g. ":9520"
	// RaftAdvertise is the peer address other nodes dial. Defaults to the
	// bound address.
	RaftAdvertise string

	// Management API (status/propose/kv/join/leave/metrics)
	MgmtAddr      string // host:port for management API (HTTP or gRPC)
	MgmtAdvertise string // optional, defaults to the bound address
	MgmtProto     string // "http" (default) or "grpc"

	// PeersCSV is the initial configuration, "id=raftAddr[@mgmtAddr],...".
	// Ignored once the log holds entries.
	PeersCSV string
	// Bootstrap starts a single-member configuration holding this node
	// when PeersCSV is empty.
	Bootstrap bool
	// JoinCSV lists management addresses tried in order by Run when this
	// node is not in its own configuration. Seeds, when set, replaces it.
	JoinCSV string
	Seeds   discovery.Discovery

	// Persistence: StoreKind is memory (default), bolt or pebble.
	DataDir   string
	StoreKind string
	// Compress snappy-compresses snapshots on disk and on the wire.
	Compress bool
	// SnapshotEntries enables automatic snapshots every so many applied
	// entries; CompactionOverhead entries are kept behind each one.
	SnapshotEntries    uint64
	CompactionOverhead uint64
	SnapshotRetain     int

	// Timing (engine defaults when zero)
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	MaxProposalRate    float64

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger

	// StateMachine builds the application state (default: pkg/state/kv).
	StateMachine func() applier.StateMachine

	OnLeaderChange func(info cns.LeaderInfo)
}

// Validate checks the fields Build cannot default.
func (cfg Config) Validate() error {
	if cfg.NodeID == "" {
		return errors.New("bootstrap: empty NodeID")
	}
	switch storage.Kind(cfg.StoreKind) {
	case "", storage.KindMemory:
	case storage.KindBolt, storage.KindPebble:
		if cfg.DataDir == "" {
			return errors.Newf("bootstrap: %s store needs a data directory", cfg.StoreKind)
		}
	default:
		return errors.Wrapf(storage.ErrUnknownKind, "%q", cfg.StoreKind)
	}
	switch cfg.MgmtProto {
	case "", "http", "grpc":
	default:
		return errors.Newf("bootstrap: unknown management protocol %q", cfg.MgmtProto)
	}
	return nil
}

// Build assembles a cluster.Cluster from Config without starting it.
// Listeners for the peer transport are opened here.
func Build(cfg Config) (*cluster.Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	cfg.Logger = logutil.ForNode(cfg.Logger, cfg.NodeID)
	var closers []io.Closer
	fail := func(err error) (*cluster.Cluster, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	members, err := dStatic.ParseMembers(cfg.PeersCSV)
	if err != nil {
		return nil, err
	}

	stores, err := storage.Open(storage.Kind(cfg.StoreKind), cfg.DataDir)
	if err != nil {
		return nil, err
	}
	closers = append(closers, stores)

	var snaps *snapshot.Store
	if cfg.DataDir != "" {
		snaps, err = snapshot.NewStore(snapshot.StoreOptions{
			Dir:      filepath.Join(cfg.DataDir, "snapshots"),
			Retain:   cfg.SnapshotRetain,
			Compress: cfg.Compress,
			Logger:   cfg.Logger,
		})
		if err != nil {
			return fail(err)
		}
	}

	peers := make(map[string]string, len(members))
	for _, m := range members {
		if m.Addr != "" {
			peers[m.ID] = m.Addr
		}
	}
	tr, err := mgmtgrpc.NewTransport(mgmtgrpc.TransportOptions{
		Bind:     cfg.RaftAddr,
		Peers:    peers,
		Compress: cfg.Compress,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, tr)
	raftAdv := cfg.RaftAdvertise
	if raftAdv == "" {
		raftAdv = tr.Addr()
	}

	var (
		srv transport.RPCServer
		cli transport.RPCClient
	)
	switch cfg.MgmtProto {
	case "grpc":
		c := mgmtgrpc.NewClient(3 * time.Second)
		srv, cli = mgmtgrpc.NewServer(cfg.MgmtAddr), c
		closers = append(closers, closerFunc(c.Close))
	default:
		srv, cli = httpjson.NewServer(cfg.MgmtAddr, cfg.Logger), httpjson.NewClient(3*time.Second)
	}

	if len(members) == 0 && cfg.Bootstrap {
		self := raftlog.Member{ID: cfg.NodeID, Addr: raftAdv}
		if cfg.MgmtAdvertise != "" {
			self.Meta = map[string]string{cluster.MetaMgmt: cfg.MgmtAdvertise}
		}
		members = []raftlog.Member{self}
	}

	node, err := raftcons.New(raftcons.Options{
		NodeID:             cfg.NodeID,
		Logger:             cfg.Logger,
		InitialMembers:     members,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		SnapshotEntries:    cfg.SnapshotEntries,
		CompactionOverhead: cfg.CompactionOverhead,
		MaxProposalRate:    cfg.MaxProposalRate,
		StateMachine:       cfg.StateMachine,
		LogStore:           stores.Log,
		StableStore:        stores.Stable,
		SnapshotStore:      snaps,
		Transport:          tr,
	})
	if err != nil {
		return fail(err)
	}

	return cluster.New(context.Background(), cluster.Options{
		NodeID:         cfg.NodeID,
		RaftAddr:       raftAdv,
		MgmtAddr:       cfg.MgmtAdvertise,
		Node:           node,
		Logger:         cfg.Logger,
		RPCServer:      srv,
		RPCClient:      cli,
		OnLeaderChange: cfg.OnLeaderChange,
		Closers:        closers,
	})
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// Run builds and starts the node, then joins through the JoinCSV seeds when
// this node is not yet a member. The caller is responsible for calling
// Close() when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
	cl, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := cl.Start(ctx); err != nil {
		_ = cl.Close()
		return nil, err
	}
	seeds := cfg.Seeds
	if seeds == nil {
		seeds = dStatic.New(dStatic.Parse(cfg.JoinCSV)...)
	}
	if err := join(ctx, cl, cfg.NodeID, seeds, cfg.Logger); err != nil {
		_ = cl.Close()
		return nil, err
	}
	return cl, nil
}

func join(ctx context.Context, cl *cluster.Cluster, id string, seeds discovery.Discovery, logger *log.Logger) error {
	list := seeds.Seeds()
	if len(list) == 0 {
		return nil
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	for _, m := range st.Members {
		if m.ID == id {
			return nil
		}
	}
	var errs error
	for _, seed := range list {
		err := cl.Join(ctx, seed)
		if err == nil {
			return nil
		}
		logutil.Warnf(logger, "join via %s failed: %v", seed, err)
		errs = errors.CombineErrors(errs, err)
	}
	return errors.Wrap(errs, "bootstrap: join")
}
