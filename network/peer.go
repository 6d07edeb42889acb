package network

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("network: peer not connected")

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	maxLineSize      = 1 << 20
)

// Dispatcher receives every non-connect message read from a peer link.
// from is the id announced by the remote side in its connect message.
// Dispatch is called from the link's read goroutine and must not call Close.
type Dispatcher interface {
	Dispatch(from int, m Message)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(from int, m Message)

func (f DispatchFunc) Dispatch(from int, m Message) { f(from, m) }

// Peer is the connection manager of one node.
// The Rank is the identifier of the Peer.
// Addresses[i] contains the address to reach the Peer with Rank i.
//
// A Peer listens for inbound links and dials every other address until it is
// fully connected. Each link starts with a connect message carrying the
// dialer's id, then carries newline-delimited JSON messages in both directions.
type Peer struct {
	Rank      int
	Addresses map[int]string

	listener      net.Listener
	logger        *slog.Logger
	retryInterval time.Duration
	maxRetries    int
	dialTimeout   time.Duration
	tlsConfig     *tls.Config

	mu          sync.Mutex
	links       map[int]*link
	open        map[*link]struct{}
	pending     map[net.Conn]struct{}
	closed      bool
	started     time.Time
	active      bool
	full        bool
	activeAfter time.Duration
	fullAfter   time.Duration
	onActive    []func()
	onFull      []func()

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// link is one established connection to a remote peer.
type link struct {
	id   int
	conn net.Conn
	mu   sync.Mutex
	w    *bufio.Writer
}

func newLink(id int, conn net.Conn) *link {
	return &link{id: id, conn: conn, w: bufio.NewWriter(conn)}
}

func (l *link) write(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := l.w.Write(line); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *link) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.w.Flush()
	return l.conn.Close()
}

// NewPeer creates the connection manager of the peer with the given rank.
// l is the listener bound to addresses[rank]; it is owned by the Peer from now on.
func NewPeer(rank int, addresses map[int]string, l net.Listener, opts ...PeerOption) *Peer {
	p := &Peer{
		Rank:          rank,
		Addresses:     copyMap(addresses),
		listener:      l,
		logger:        slog.Default(),
		retryInterval: time.Second,
		maxRetries:    10,
		dialTimeout:   time.Second,
		links:         make(map[int]*link),
		open:          make(map[*link]struct{}),
		pending:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("peer", rank)
	return p
}

// Start begins accepting and dialing. Messages are handed to d.
// Cancelling ctx has the same effect as Close.
func (p *Peer) Start(ctx context.Context, d Dispatcher) {
	ctx, cancel := context.WithCancel(ctx)
	if p.tlsConfig != nil {
		p.listener = tls.NewListener(p.listener, p.tlsConfig)
	}

	p.mu.Lock()
	p.cancel = cancel
	p.started = time.Now()
	callbacks := p.updateConnectivity()
	p.mu.Unlock()
	runAll(callbacks)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.acceptLoop(ctx, d)
	}()
	go func() {
		defer p.wg.Done()
		p.dialLoop(ctx, d)
	}()
	go func() {
		<-ctx.Done()
		_ = p.Close()
	}()
}

func (p *Peer) acceptLoop(ctx context.Context, d Dispatcher) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("accept failed", "error", err)
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.serveInbound(conn, d)
		}()
	}
}

// serveInbound reads the connect message of an accepted connection, then
// serves it like any other link.
func (p *Peer) serveInbound(conn net.Conn, d Dispatcher) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.pending[conn] = struct{}{}
	p.mu.Unlock()

	scanner := newScanner(conn)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	ok := scanner.Scan()
	p.mu.Lock()
	delete(p.pending, conn)
	p.mu.Unlock()
	if !ok {
		_ = conn.Close()
		return
	}
	m, err := Decode(scanner.Bytes())
	connect, ok := m.(Connect)
	if err != nil || !ok {
		p.logger.Debug("rejecting connection without connect message", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}
	if _, known := p.Addresses[connect.PeerID]; !known || connect.PeerID == p.Rank {
		p.logger.Debug("rejecting connection from unknown peer", "remote", conn.RemoteAddr(), "id", connect.PeerID)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	l := newLink(connect.PeerID, conn)
	if !p.register(l) {
		return
	}
	p.readLoop(l, scanner, d)
}

func (p *Peer) dialLoop(ctx context.Context, d Dispatcher) {
	ticker := time.NewTicker(p.retryInterval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		p.dialMissing(ctx, d)
		if p.IsFullyConnected() {
			return
		}
		if p.maxRetries > 0 && attempt >= p.maxRetries {
			p.logger.Warn("giving up dialing", "attempts", attempt, "connected", p.Connected())
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dialMissing dials every peer that has no live link.
func (p *Peer) dialMissing(ctx context.Context, d Dispatcher) {
	for _, id := range p.sortedIDs() {
		if id == p.Rank || p.isConnected(id) || ctx.Err() != nil {
			continue
		}
		conn, err := p.dial(ctx, p.Addresses[id])
		if err != nil {
			p.logger.Debug("dial failed", "to", id, "address", p.Addresses[id], "error", err)
			continue
		}
		l := newLink(id, conn)
		hello, err := Encode(Connect{PeerID: p.Rank})
		if err == nil {
			err = l.write(hello)
		}
		if err != nil {
			p.logger.Debug("handshake failed", "to", id, "error", err)
			_ = conn.Close()
			continue
		}
		if !p.register(l) {
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.readLoop(l, newScanner(conn), d)
		}()
	}
}

func (p *Peer) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.dialTimeout}
	if p.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: p.tlsConfig}
		return td.DialContext(ctx, "tcp", address)
	}
	return dialer.DialContext(ctx, "tcp", address)
}

func (p *Peer) readLoop(l *link, scanner *bufio.Scanner, d Dispatcher) {
	defer p.unregister(l)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		m, err := Decode(line)
		if err != nil {
			p.logger.Debug("discarding malformed message", "from", l.id, "error", err)
			continue
		}
		if _, ok := m.(Connect); ok {
			continue
		}
		d.Dispatch(l.id, m)
	}
	if err := scanner.Err(); err != nil && !p.isClosed() {
		p.logger.Debug("link read failed", "from", l.id, "error", err)
	}
}

func newScanner(conn net.Conn) *bufio.Scanner {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return scanner
}

// register makes l the writer for its peer id. It returns false when the
// Peer is already closed, in which case l is closed.
func (p *Peer) register(l *link) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = l.conn.Close()
		return false
	}
	_, existed := p.links[l.id]
	p.links[l.id] = l
	p.open[l] = struct{}{}
	callbacks := p.updateConnectivity()
	count := len(p.links)
	p.mu.Unlock()

	if !existed {
		p.logger.Info("peer connected", "id", l.id, "connected", count, "of", len(p.Addresses)-1)
	}
	runAll(callbacks)
	return true
}

func (p *Peer) unregister(l *link) {
	_ = l.conn.Close()
	p.mu.Lock()
	delete(p.open, l)
	lost := false
	if p.links[l.id] == l {
		delete(p.links, l.id)
		lost = true
		for other := range p.open {
			if other.id == l.id {
				p.links[l.id] = other
				lost = false
				break
			}
		}
	}
	closed := p.closed
	p.mu.Unlock()
	if lost && !closed {
		p.logger.Info("peer disconnected", "id", l.id)
	}
}

// updateConnectivity sets the active and fully connected flags the first time
// their threshold is reached and returns the callbacks to run. Must hold p.mu.
func (p *Peer) updateConnectivity() []func() {
	if p.started.IsZero() {
		return nil
	}
	var callbacks []func()
	count, n := len(p.links), len(p.Addresses)
	if !p.active && count >= n/2 {
		p.active = true
		p.activeAfter = time.Since(p.started)
		p.logger.Info("peer active", "connected", count, "after", p.activeAfter)
		callbacks = append(callbacks, p.onActive...)
	}
	if !p.full && count >= n-1 {
		p.full = true
		p.fullAfter = time.Since(p.started)
		p.logger.Info("peer fully connected", "connected", count, "after", p.fullAfter)
		callbacks = append(callbacks, p.onFull...)
	}
	return callbacks
}

func runAll(callbacks []func()) {
	for _, f := range callbacks {
		f()
	}
}

// OnActive registers f to run once, when at least half of the other peers are
// connected. f runs immediately if the Peer is already active. f must not block.
func (p *Peer) OnActive(f func()) {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		f()
		return
	}
	p.onActive = append(p.onActive, f)
	p.mu.Unlock()
}

// OnFullyConnected registers f to run once, when every other peer is connected.
// f runs immediately if the Peer is already fully connected. f must not block.
func (p *Peer) OnFullyConnected(f func()) {
	p.mu.Lock()
	if p.full {
		p.mu.Unlock()
		f()
		return
	}
	p.onFull = append(p.onFull, f)
	p.mu.Unlock()
}

// Broadcast sends m to every connected peer and returns how many were reached.
// Failed links are closed and dropped.
func (p *Peer) Broadcast(m Message) int {
	line, err := Encode(m)
	if err != nil {
		p.logger.Error("cannot encode message", "type", m.Type(), "error", err)
		return 0
	}
	sent := 0
	for _, l := range p.snapshot() {
		if err := l.write(line); err != nil {
			p.logger.Debug("broadcast failed", "to", l.id, "type", m.Type(), "error", err)
			_ = l.conn.Close()
			continue
		}
		sent++
	}
	return sent
}

// Send delivers m to the peer with the given rank.
func (p *Peer) Send(to int, m Message) error {
	p.mu.Lock()
	l, ok := p.links[to]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, to)
	}
	line, err := Encode(m)
	if err != nil {
		return err
	}
	if err := l.write(line); err != nil {
		_ = l.conn.Close()
		return fmt.Errorf("send %s to %d: %w", m.Type(), to, err)
	}
	return nil
}

func (p *Peer) snapshot() []*link {
	p.mu.Lock()
	defer p.mu.Unlock()
	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	return links
}

// Connected returns the sorted ids of the peers with a live link.
func (p *Peer) Connected() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.links))
	for id := range p.links {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (p *Peer) isConnected(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.links[id]
	return ok
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Peer) IsFullyConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.full
}

// ActiveAfter returns the time from Start to becoming active.
func (p *Peer) ActiveAfter() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeAfter, p.active
}

// FullyConnectedAfter returns the time from Start to becoming fully connected.
func (p *Peer) FullyConnectedAfter() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fullAfter, p.full
}

func (p *Peer) GetRank() int {
	return p.Rank
}

func (p *Peer) GetPeerCount() int {
	return len(p.Addresses)
}

// Close stops dialing and accepting, closes every link and releases the
// listener. It waits for the read goroutines to exit and is idempotent.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		cancel := p.cancel
		links := make([]*link, 0, len(p.open))
		for l := range p.open {
			links = append(links, l)
		}
		for conn := range p.pending {
			_ = conn.Close()
		}
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		err := p.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		for _, l := range links {
			_ = l.close()
		}
		p.wg.Wait()
		p.closeErr = err
	})
	return p.closeErr
}

func (p *Peer) sortedIDs() []int {
	ids := make([]int, 0, len(p.Addresses))
	for id := range p.Addresses {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Addresses returns the addresses host:basePort+i of n peers.
func Addresses(host string, basePort, n int) map[int]string {
	addresses := make(map[int]string, n)
	for i := 0; i < n; i++ {
		addresses[i] = net.JoinHostPort(host, strconv.Itoa(basePort+i))
	}
	return addresses
}

// CreateListeners opens n listeners on random localhost ports.
func CreateListeners(n int) (map[int]net.Listener, map[int]string) {
	listeners := make(map[int]net.Listener)
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(err)
		}
		listeners[i] = l
		addresses[i] = l.Addr().String()
	}
	return listeners, addresses
}

// CreateAddresses reserves n localhost addresses without keeping them open.
func CreateAddresses(n int) map[int]string {
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(err)
		}
		addresses[i] = l.Addr().String()
		if err := l.Close(); err != nil {
			panic(err)
		}
	}
	return addresses
}

func copyMap(original map[int]string) map[int]string {
	copied := make(map[int]string)
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
