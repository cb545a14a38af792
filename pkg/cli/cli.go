// Package cli provides the cobra commands of raftctl so services can mount
// them in their own binaries.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-raft/pkg/bootstrap"
	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	tracing "github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/state/kv"
	"github.com/amirimatin/go-raft/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-raft/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-raft/pkg/transport/httpjson"
)

// AddAll attaches the node subcommands (run/status/put/get/delete/join/leave)
// to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewPutCmd())
	root.AddCommand(NewGetCmd())
	root.AddCommand(NewDeleteCmd())
	root.AddCommand(NewJoinCmd())
	root.AddCommand(NewLeaveCmd())
}

// NewRaftCommand returns a parent command "raft" containing all subcommands.
func NewRaftCommand() *cobra.Command {
	parent := &cobra.Command{Use: "raft", Short: "raft node commands"}
	AddAll(parent)
	return parent
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	var cfg bootstrap.Config
	var traceEnable, jsonLogs, debugLogs bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a raft node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.NodeID == "" {
				return fmt.Errorf("missing --id")
			}
			logutil.SetJSON(jsonLogs)
			logutil.SetDebug(debugLogs)
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg.Logger = log.Default()
			cl, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer cl.Close()

			fmt.Println("node running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.NodeID, "id", "", "node id (required)")
	f.StringVar(&cfg.RaftAddr, "raft-addr", ":9520", "peer transport bind address (host:port)")
	f.StringVar(&cfg.RaftAdvertise, "raft-adv", "", "peer address advertised to other nodes (default: bound address)")
	f.StringVar(&cfg.MgmtAddr, "mgmt-addr", ":17946", "management address (host:port)")
	f.StringVar(&cfg.MgmtAdvertise, "mgmt-adv", "", "management address advertised to other nodes (default: bound address)")
	f.StringVar(&cfg.MgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	f.StringVar(&cfg.PeersCSV, "peers", "", "initial members: id=raftAddr[@mgmtAddr],...")
	f.BoolVar(&cfg.Bootstrap, "bootstrap", false, "start a single-member configuration when --peers is empty")
	f.StringVar(&cfg.JoinCSV, "join", "", "comma-separated management addresses to join through")
	f.StringVar(&cfg.DataDir, "data", "", "data directory (log, hard state, snapshots)")
	f.StringVar(&cfg.StoreKind, "store", "memory", "log store backend: memory|bolt|pebble")
	f.BoolVar(&cfg.Compress, "snappy", true, "snappy-compress snapshots on disk and on the wire")
	f.Uint64Var(&cfg.SnapshotEntries, "snapshot-entries", 0, "take a snapshot every N applied entries (0 disables)")
	f.Uint64Var(&cfg.CompactionOverhead, "compaction-overhead", 64, "entries kept in the log behind each snapshot")
	f.DurationVar(&cfg.ElectionTimeoutMin, "election-min", 300*time.Millisecond, "minimum election timeout")
	f.DurationVar(&cfg.ElectionTimeoutMax, "election-max", 600*time.Millisecond, "maximum election timeout")
	f.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 100*time.Millisecond, "leader heartbeat interval")
	f.Float64Var(&cfg.MaxProposalRate, "max-proposal-rate", 0, "proposals per second accepted by the leader (0 = unlimited)")
	f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	f.BoolVar(&jsonLogs, "log-json", false, "emit JSON log lines")
	f.BoolVar(&debugLogs, "log-debug", false, "emit debug log lines")
	return cmd
}

// clientFlags are shared by the commands that talk to a running node.
type clientFlags struct {
	addr    string
	proto   string
	timeout time.Duration
}

func (c *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(&c.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
}

func (c *clientFlags) client() transport.RPCClient {
	if c.proto == "grpc" {
		return mgmtgrpc.NewClient(c.timeout)
	}
	return httpjson.NewClient(c.timeout)
}

func (c *clientFlags) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cf.withTimeout()
			defer cancel()
			data, err := cf.client().GetStatus(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

// propose sends cmd to addr, following one leader redirect.
func propose(ctx context.Context, client transport.RPCClient, addr string, cmd []byte) (transport.ProposeResponse, error) {
	req := transport.ProposeRequest{Command: cmd}
	resp, err := client.PostPropose(ctx, addr, req)
	if resp.Leader != "" && resp.Leader != addr && (err != nil || resp.Error != "") {
		resp, err = client.PostPropose(ctx, resp.Leader, req)
	}
	if err == nil && resp.Error != "" {
		err = fmt.Errorf("%s", resp.Error)
	}
	return resp, err
}

// NewPutCmd returns the "put" command.
func NewPutCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Store a key through the replicated log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := kv.SetCommand(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			ctx, cancel := cf.withTimeout()
			defer cancel()
			resp, err := propose(ctx, cf.client(), cf.addr, c)
			if err != nil {
				return fmt.Errorf("put error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cf.register(cmd)
	return cmd
}

// NewDeleteCmd returns the "delete" command.
func NewDeleteCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove a key through the replicated log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := kv.DeleteCommand(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := cf.withTimeout()
			defer cancel()
			resp, err := propose(ctx, cf.client(), cf.addr, c)
			if err != nil {
				return fmt.Errorf("delete error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cf.register(cmd)
	return cmd
}

// NewGetCmd returns the "get" command. The value is read from the node at
// --addr and may lag the leader.
func NewGetCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read a key from a node's local state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cf.withTimeout()
			defer cancel()
			resp, err := cf.client().GetValue(ctx, cf.addr, transport.ReadRequest{Key: args[0]})
			if err != nil {
				return fmt.Errorf("get error: %w", err)
			}
			if !resp.Found {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Println(string(resp.Value))
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
	var (
		cf                     clientFlags
		id, raftAddr, mgmtAddr string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Request to add a node to the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || raftAddr == "" {
				return fmt.Errorf("missing required flags: --id and --raft-addr")
			}
			ctx, cancel := cf.withTimeout()
			defer cancel()
			resp, err := cf.client().PostJoin(ctx, cf.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr, MgmtAddr: mgmtAddr})
			if err != nil {
				return fmt.Errorf("join error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
	cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node peer address (host:port, required)")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", "", "node management address (host:port)")
	return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
	var (
		cf clientFlags
		id string
	)
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Request to remove a node from the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing required flag: --id")
			}
			ctx, cancel := cf.withTimeout()
			defer cancel()
			resp, err := cf.client().PostLeave(ctx, cf.addr, transport.LeaveRequest{ID: id})
			if err != nil {
				return fmt.Errorf("leave error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
