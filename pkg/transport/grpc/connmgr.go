package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/lni/goutils/syncutil"
	"google.golang.org/grpc"

	obsmetrics "github.com/amirimatin/go-raft/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager shares one client connection per address between the peer
// transport's senders and evicts connections that stay idle for ttl.
type ConnManager struct {
	ttl     time.Duration
	dial    dialFunc
	stopper *syncutil.Stopper
	once    sync.Once

	mu    sync.Mutex
	conns map[string]*managedConn
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

// NewConnManager creates a manager with the given idle TTL and dialer.
func NewConnManager(ttl time.Duration, dial dialFunc) *ConnManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &ConnManager{
		ttl:     ttl,
		dial:    dial,
		stopper: syncutil.NewStopper(),
		conns:   make(map[string]*managedConn),
	}
	m.stopper.RunWorker(m.janitor)
	return m
}

// acquireLocked takes a reference on a cached connection.
func (m *ConnManager) acquireLocked(target string) (*grpc.ClientConn, bool) {
	mc, ok := m.conns[target]
	if !ok {
		return nil, false
	}
	mc.ref++
	mc.lastUsed = time.Now()
	return mc.cc, true
}

// Get returns a connection for target and a release func to call when the
// RPC is done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
	release := func() { m.release(target) }
	m.mu.Lock()
	cc, ok := m.acquireLocked(target)
	m.mu.Unlock()
	if ok {
		obsmetrics.GRPCConnReuse.Inc()
		return cc, release, nil
	}

	fresh, err := m.dial(ctx, target)
	if err != nil {
		return nil, func() {}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// a concurrent Get may have dialed the same target meanwhile
	if cc, ok := m.acquireLocked(target); ok {
		_ = fresh.Close()
		obsmetrics.GRPCConnReuse.Inc()
		return cc, release, nil
	}
	m.conns[target] = &managedConn{cc: fresh, lastUsed: time.Now(), ref: 1}
	obsmetrics.GRPCConnDials.Inc()
	obsmetrics.GRPCConnActive.Inc()
	return fresh, release, nil
}

func (m *ConnManager) release(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[target]; ok {
		if mc.ref > 0 {
			mc.ref--
		}
		mc.lastUsed = time.Now()
	}
}

func (m *ConnManager) dropLocked(target string) {
	mc, ok := m.conns[target]
	if !ok {
		return
	}
	_ = mc.cc.Close()
	delete(m.conns, target)
	obsmetrics.GRPCConnActive.Dec()
}

// Forget closes and drops the connection to target, e.g. after the peer
// left the configuration.
func (m *ConnManager) Forget(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(target)
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
	m.once.Do(m.stopper.Stop)
	m.mu.Lock()
	defer m.mu.Unlock()
	for target := range m.conns {
		m.dropLocked(target)
	}
}

// evictIdle drops unreferenced connections last used before now-ttl and
// returns how many were dropped.
func (m *ConnManager) evictIdle(now time.Time) int {
	cutoff := now.Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for target, mc := range m.conns {
		if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
			m.dropLocked(target)
			obsmetrics.GRPCConnEvictions.Inc()
			n++
		}
	}
	return n
}

func (m *ConnManager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopper.ShouldStop():
			return
		case now := <-ticker.C:
			m.evictIdle(now)
		}
	}
}
