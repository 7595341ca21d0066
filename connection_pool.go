// connection_pool.go: Bounded pool of reusable outbound connections
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnectionType identifies a family of pooled connections.
type ConnectionType string

const (
	ConnectionHTTP      ConnectionType = "http"
	ConnectionWebSocket ConnectionType = "websocket"
	ConnectionGRPC      ConnectionType = "grpc"
)

// ConnectionOptions describes what to connect to. Connections are reused
// only between acquisitions with the same type and key; Key defaults to
// Target.
type ConnectionOptions struct {
	Target string
	Key    string
	Header http.Header
}

func (o ConnectionOptions) poolKey() string {
	if o.Key != "" {
		return o.Key
	}
	return o.Target
}

// Connection is the transport-specific handle held by a PooledConnection.
type Connection interface {
	Close() error
	Healthy() bool
}

// Dialer opens a new connection of one type.
type Dialer func(ctx context.Context, options ConnectionOptions) (Connection, error)

// HTTPConnection is a keep-alive HTTP client bound to one origin.
type HTTPConnection struct {
	Client *http.Client
	Origin string
}

func (c *HTTPConnection) Close() error {
	c.Client.CloseIdleConnections()
	return nil
}

func (c *HTTPConnection) Healthy() bool { return true }

// WebSocketConnection wraps a gorilla websocket.
type WebSocketConnection struct {
	Conn   *websocket.Conn
	closed atomic.Bool
}

func (c *WebSocketConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.Conn.Close()
}

func (c *WebSocketConnection) Healthy() bool { return !c.closed.Load() }

// MarkBroken flags the connection so the pool discards it on release.
func (c *WebSocketConnection) MarkBroken() { c.closed.Store(true) }

// GRPCConnection wraps a gRPC client connection.
type GRPCConnection struct {
	Conn *grpc.ClientConn
}

func (c *GRPCConnection) Close() error { return c.Conn.Close() }

// Healthy reports false once the channel is shut down or failing.
func (c *GRPCConnection) Healthy() bool {
	switch c.Conn.GetState() {
	case connectivity.Shutdown, connectivity.TransientFailure:
		return false
	default:
		return true
	}
}

// PooledConnection is a handle returned by Acquire. Usage bookkeeping is
// owned by the pool; callers read ID, Type, Key and Conn only.
type PooledConnection struct {
	ID        string
	Type      ConnectionType
	Key       string
	CreatedAt time.Time
	Conn      Connection

	owner    string
	inUse    bool
	lastUsed time.Time
	uses     int
}

// HTTPClient returns the client for http connections, or nil.
func (c *PooledConnection) HTTPClient() *http.Client {
	if h, ok := c.Conn.(*HTTPConnection); ok {
		return h.Client
	}
	return nil
}

// WebSocket returns the socket for websocket connections, or nil.
func (c *PooledConnection) WebSocket() *websocket.Conn {
	if w, ok := c.Conn.(*WebSocketConnection); ok {
		return w.Conn
	}
	return nil
}

// GRPC returns the client connection for grpc connections, or nil.
func (c *PooledConnection) GRPC() *grpc.ClientConn {
	if g, ok := c.Conn.(*GRPCConnection); ok {
		return g.Conn
	}
	return nil
}

// ConnectionPoolStats is a point-in-time snapshot of pool occupancy.
type ConnectionPoolStats struct {
	Total          int                    `json:"total"`
	Active         int                    `json:"active"`
	Idle           int                    `json:"idle"`
	MaxConnections int                    `json:"max_connections"`
	Created        uint64                 `json:"created"`
	Reused         uint64                 `json:"reused"`
	Closed         uint64                 `json:"closed"`
	Rejected       uint64                 `json:"rejected"`
	ByType         map[ConnectionType]int `json:"by_type"`
}

type idleKey struct {
	typ ConnectionType
	key string
}

// ConnectionPool hands out pooled connections up to MaxConnections. At the
// bound it evicts an idle connection if one exists and otherwise fails fast;
// it never blocks waiting for a release.
type ConnectionPool struct {
	config  ConnectionPoolConfig
	logger  Logger
	now     func() time.Time
	dialers map[ConnectionType]Dialer

	mu       sync.Mutex
	conns    map[string]*PooledConnection
	idle     map[idleKey][]*PooledConnection
	dialing  int
	created  uint64
	reused   uint64
	closed   uint64
	rejected uint64

	shut     atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectionPool creates a pool with the default http, websocket and grpc
// dialers and starts the idle reaper.
func NewConnectionPool(config ConnectionPoolConfig, logger any) *ConnectionPool {
	config.ApplyDefaults()
	p := &ConnectionPool{
		config: config,
		logger: NewLogger(logger).With("component", "connection_pool"),
		now:    timecache.CachedTime,
		conns:  make(map[string]*PooledConnection),
		idle:   make(map[idleKey][]*PooledConnection),
		stopCh: make(chan struct{}),
	}
	p.dialers = map[ConnectionType]Dialer{
		ConnectionHTTP:      p.dialHTTP,
		ConnectionWebSocket: p.dialWebSocket,
		ConnectionGRPC:      p.dialGRPC,
	}

	p.wg.Add(1)
	go p.reapLoop()
	return p
}

// RegisterDialer installs or replaces the dialer for a connection type.
func (p *ConnectionPool) RegisterDialer(typ ConnectionType, dialer Dialer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialers[typ] = dialer
}

// Acquire returns an idle connection matching typ and options or dials one.
func (p *ConnectionPool) Acquire(ctx context.Context, typ ConnectionType, options ConnectionOptions) (*PooledConnection, error) {
	return p.AcquireFor(ctx, "", typ, options)
}

// AcquireFor is Acquire on behalf of owner, so ReleaseOwner can reclaim
// everything the owner forgot to release.
func (p *ConnectionPool) AcquireFor(ctx context.Context, owner string, typ ConnectionType, options ConnectionOptions) (*PooledConnection, error) {
	if p.shut.Load() {
		return nil, NewPoolClosedError("connection pool")
	}

	k := idleKey{typ: typ, key: options.poolKey()}
	var discard []*PooledConnection

	p.mu.Lock()
	dialer, ok := p.dialers[typ]
	if !ok {
		p.mu.Unlock()
		return nil, NewUnknownConnectionTypeError(typ)
	}

	if conn := p.popIdleLocked(k, &discard); conn != nil {
		p.markInUseLocked(conn, owner)
		p.reused++
		p.mu.Unlock()
		p.closeAll(discard)
		return conn, nil
	}

	if len(p.conns)+p.dialing >= p.config.MaxConnections {
		victim := p.oldestIdleLocked()
		if victim == nil {
			p.rejected++
			p.mu.Unlock()
			p.closeAll(discard)
			p.logger.Warn("connection pool exhausted", "type", string(typ), "owner", owner)
			return nil, NewConnectionPoolExhaustedError(p.config.MaxConnections)
		}
		p.removeLocked(victim)
		discard = append(discard, victim)
	}
	p.dialing++
	p.mu.Unlock()
	p.closeAll(discard)

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	handle, err := dialer(dialCtx, options)
	cancel()

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.mu.Unlock()
		return nil, NewConnectionDialError(typ, options.Target, err)
	}
	now := p.now()
	conn := &PooledConnection{
		ID:        uuid.NewString(),
		Type:      typ,
		Key:       k.key,
		CreatedAt: now,
		Conn:      handle,
	}
	p.conns[conn.ID] = conn
	p.markInUseLocked(conn, owner)
	p.created++
	p.mu.Unlock()

	p.logger.Debug("connection created", "connection_id", conn.ID, "type", string(typ), "owner", owner)
	return conn, nil
}

// Release returns a connection to the pool. It returns false for unknown ids
// and for connections that are already idle.
func (p *ConnectionPool) Release(id string) bool {
	var discard []*PooledConnection

	p.mu.Lock()
	conn, ok := p.conns[id]
	if !ok || !conn.inUse {
		p.mu.Unlock()
		return false
	}
	conn.inUse = false
	conn.owner = ""
	conn.lastUsed = p.now()
	if conn.Conn.Healthy() && !p.shut.Load() {
		k := idleKey{typ: conn.Type, key: conn.Key}
		p.idle[k] = append(p.idle[k], conn)
	} else {
		p.removeLocked(conn)
		discard = append(discard, conn)
	}
	p.mu.Unlock()

	p.closeAll(discard)
	return true
}

// ReleaseOwner closes every connection owner still holds and returns how
// many were closed.
func (p *ConnectionPool) ReleaseOwner(owner string) int {
	if owner == "" {
		return 0
	}
	var discard []*PooledConnection

	p.mu.Lock()
	for _, conn := range p.conns {
		if conn.inUse && conn.owner == owner {
			p.removeLocked(conn)
			discard = append(discard, conn)
		}
	}
	p.mu.Unlock()

	p.closeAll(discard)
	return len(discard)
}

// OwnerCount returns how many connections owner currently holds.
func (p *ConnectionPool) OwnerCount(owner string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, conn := range p.conns {
		if conn.inUse && conn.owner == owner {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of pool occupancy.
func (p *ConnectionPool) Stats() ConnectionPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := ConnectionPoolStats{
		Total:          len(p.conns),
		MaxConnections: p.config.MaxConnections,
		Created:        p.created,
		Reused:         p.reused,
		Closed:         p.closed,
		Rejected:       p.rejected,
		ByType:         make(map[ConnectionType]int),
	}
	for _, conn := range p.conns {
		stats.ByType[conn.Type]++
		if conn.inUse {
			stats.Active++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// Shrink closes idle connections, least recently used first, until at most
// keep remain idle. It returns how many were closed.
func (p *ConnectionPool) Shrink(keep int) int {
	if keep < 0 {
		keep = 0
	}

	p.mu.Lock()
	var idle []*PooledConnection
	for _, conns := range p.idle {
		idle = append(idle, conns...)
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })
	var discard []*PooledConnection
	for len(idle) > keep {
		p.removeLocked(idle[0])
		discard = append(discard, idle[0])
		idle = idle[1:]
	}
	p.mu.Unlock()

	p.closeAll(discard)
	return len(discard)
}

// HandleMemoryPressure sheds idle connections down to MinIdle.
func (p *ConnectionPool) HandleMemoryPressure(event MemoryPressureEvent) {
	if n := p.Shrink(p.config.MinIdle); n > 0 {
		p.logger.Info("closed idle connections under memory pressure", "closed", n, "usage_ratio", event.UsageRatio)
	}
}

// Close stops the reaper and closes every connection, idle or not.
func (p *ConnectionPool) Close() error {
	var err error
	p.stopOnce.Do(func() {
		p.shut.Store(true)
		close(p.stopCh)
		p.wg.Wait()

		p.mu.Lock()
		all := make([]*PooledConnection, 0, len(p.conns))
		for _, conn := range p.conns {
			all = append(all, conn)
		}
		p.conns = make(map[string]*PooledConnection)
		p.idle = make(map[idleKey][]*PooledConnection)
		p.closed += uint64(len(all))
		p.mu.Unlock()

		for _, conn := range all {
			err = multierr.Append(err, conn.Conn.Close())
		}
	})
	return err
}

func (p *ConnectionPool) reapLoop() {
	defer p.wg.Done()
	interval := p.config.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if n := p.reapIdle(); n > 0 {
				p.logger.Debug("reaped idle connections", "closed", n)
			}
		}
	}
}

func (p *ConnectionPool) reapIdle() int {
	cutoff := p.now().Add(-p.config.IdleTimeout)
	var discard []*PooledConnection

	p.mu.Lock()
	for _, conns := range p.idle {
		for _, conn := range conns {
			if conn.lastUsed.Before(cutoff) {
				discard = append(discard, conn)
			}
		}
	}
	for _, conn := range discard {
		p.removeLocked(conn)
	}
	p.mu.Unlock()

	p.closeAll(discard)
	return len(discard)
}

func (p *ConnectionPool) popIdleLocked(k idleKey, discard *[]*PooledConnection) *PooledConnection {
	conns := p.idle[k]
	for len(conns) > 0 {
		conn := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		if conn.Conn.Healthy() {
			p.setIdleLocked(k, conns)
			return conn
		}
		delete(p.conns, conn.ID)
		p.closed++
		*discard = append(*discard, conn)
	}
	p.setIdleLocked(k, conns)
	return nil
}

func (p *ConnectionPool) setIdleLocked(k idleKey, conns []*PooledConnection) {
	if len(conns) == 0 {
		delete(p.idle, k)
		return
	}
	p.idle[k] = conns
}

func (p *ConnectionPool) oldestIdleLocked() *PooledConnection {
	var oldest *PooledConnection
	for _, conns := range p.idle {
		for _, conn := range conns {
			if oldest == nil || conn.lastUsed.Before(oldest.lastUsed) {
				oldest = conn
			}
		}
	}
	return oldest
}

func (p *ConnectionPool) markInUseLocked(conn *PooledConnection, owner string) {
	conn.inUse = true
	conn.owner = owner
	conn.lastUsed = p.now()
	conn.uses++
}

// removeLocked forgets conn; the caller closes it after unlocking.
func (p *ConnectionPool) removeLocked(conn *PooledConnection) {
	delete(p.conns, conn.ID)
	k := idleKey{typ: conn.Type, key: conn.Key}
	conns := p.idle[k]
	for i, c := range conns {
		if c == conn {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	p.setIdleLocked(k, conns)
	p.closed++
}

func (p *ConnectionPool) closeAll(conns []*PooledConnection) {
	for _, conn := range conns {
		if err := conn.Conn.Close(); err != nil {
			p.logger.Debug("error closing pooled connection", "connection_id", conn.ID, "error", err)
		}
	}
}

func (p *ConnectionPool) dialHTTP(_ context.Context, options ConnectionOptions) (Connection, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: p.config.DialTimeout}).DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     p.config.IdleTimeout,
		TLSHandshakeTimeout: p.config.DialTimeout,
	}
	return &HTTPConnection{
		Client: &http.Client{Timeout: p.config.HTTPTimeout, Transport: transport},
		Origin: options.Target,
	}, nil
}

func (p *ConnectionPool) dialWebSocket(ctx context.Context, options ConnectionOptions) (Connection, error) {
	dialer := websocket.Dialer{HandshakeTimeout: p.config.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, options.Target, options.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &WebSocketConnection{Conn: conn}, nil
}

func (p *ConnectionPool) dialGRPC(_ context.Context, options ConnectionOptions) (Connection, error) {
	conn, err := grpc.NewClient(options.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	conn.Connect()
	return &GRPCConnection{Conn: conn}, nil
}
