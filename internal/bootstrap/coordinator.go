// Package bootstrap implements communicator construction: the coordinator
// service that runs the two-phase handshake, the rendezvous barrier and the
// collective-call logger, and the client stub every rank uses to talk to it.
//
// The coordinator keeps one goroutine accepting connections and one
// dispatching messages. Per-connection readers only decode frames and feed
// the dispatch goroutine, which owns every session and fans replies out to
// the ranks through a bounded errgroup.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/hcclrt/internal/metrics"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

var (
	ErrProtocol       = errors.New("bootstrap protocol violation")
	ErrAborted        = errors.New("communicator construction aborted")
	ErrNotRunning     = errors.New("coordinator not running")
	ErrUnknownSession = errors.New("unknown communicator")
	ErrStalled        = errors.New("bootstrap session stalled")
)

const (
	defaultFanOut      = 64
	defaultIOTimeout   = 120 * time.Second
	staleCheckInterval = time.Second
	inboxDepth         = 256
)

// SessionSink persists session outcomes and collective-log warnings.
type SessionSink interface {
	DriftSink
	RecordSession(info SessionInfo)
}

// CoordinatorConfig configures a coordinator.
type CoordinatorConfig struct {
	Sink               SessionSink
	Logger             *zerolog.Logger
	Addr               string
	Compression        Compression
	CompressionMinSize int
	IOTimeout          time.Duration
	DriftWarn          time.Duration
	FanOut             int
}

// Coordinator runs bootstrap sessions for any number of communicators.
type Coordinator struct {
	cfg      CoordinatorConfig
	codec    *codec
	listener net.Listener
	inbox    chan inbound
	done     chan struct{}
	sessions map[hccltypes.UniqueID]*session
	conns    map[*peerConn]struct{}
	snapshot map[hccltypes.UniqueID]SessionInfo
	loggers  map[hccltypes.UniqueID]*CollectiveLogger
	logger   zerolog.Logger
	wg       sync.WaitGroup
	connMu   sync.Mutex
	snapMu   sync.RWMutex
	running  atomic.Bool
}

type inbound struct {
	err  error
	conn *peerConn
	msg  Message
}

// peerConn is one rank connection. Its session binding is written and read
// only by the dispatch goroutine.
type peerConn struct {
	conn  net.Conn
	key   hccltypes.UniqueID
	rank  hccltypes.Rank
	wmu   sync.Mutex
	bound bool
}

// NewCoordinator creates a coordinator. Start begins serving.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaultFanOut
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}

	cd, err := newCodec(cfg.Compression, cfg.CompressionMinSize)
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Coordinator{
		cfg:      cfg,
		codec:    cd,
		inbox:    make(chan inbound, inboxDepth),
		done:     make(chan struct{}),
		sessions: make(map[hccltypes.UniqueID]*session),
		conns:    make(map[*peerConn]struct{}),
		snapshot: make(map[hccltypes.UniqueID]SessionInfo),
		loggers:  make(map[hccltypes.UniqueID]*CollectiveLogger),
		logger:   logger,
	}, nil
}

// Start listens on the configured address and starts the accept and
// dispatch goroutines.
func (c *Coordinator) Start() error {
	listener, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start coordinator listener: %w", err)
	}

	c.listener = listener
	c.running.Store(true)

	c.wg.Add(2)
	go c.acceptLoop()
	go c.dispatchLoop()

	log.Info().Str("addr", listener.Addr().String()).Msg("Bootstrap coordinator listening")

	return nil
}

// Addr returns the listening address.
func (c *Coordinator) Addr() string {
	if c.listener == nil {
		return c.cfg.Addr
	}
	return c.listener.Addr().String()
}

// Running reports whether the coordinator accepts connections.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Stop closes the listener and every connection and waits for the
// coordinator goroutines to exit.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	_ = c.listener.Close()
	close(c.done)

	c.connMu.Lock()
	for pc := range c.conns {
		_ = pc.conn.Close()
	}
	c.connMu.Unlock()

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		c.codec.close()
		log.Info().Msg("Bootstrap coordinator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if !c.running.Load() {
				return
			}
			log.Warn().Err(err).Msg("Coordinator accept failed")
			continue
		}

		pc := &peerConn{conn: conn}

		c.connMu.Lock()
		if !c.running.Load() {
			c.connMu.Unlock()
			_ = conn.Close()
			return
		}
		c.conns[pc] = struct{}{}
		c.connMu.Unlock()

		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Rank connected to coordinator")

		c.wg.Add(1)
		go c.readLoop(pc)
	}
}

func (c *Coordinator) readLoop(pc *peerConn) {
	defer c.wg.Done()
	defer func() {
		c.connMu.Lock()
		delete(c.conns, pc)
		c.connMu.Unlock()
	}()

	for {
		msg, err := c.codec.readMessage(pc.conn)

		select {
		case c.inbox <- inbound{conn: pc, msg: msg, err: err}:
		case <-c.done:
			return
		}

		if err != nil {
			return
		}
	}
}

func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-c.inbox:
			c.handle(in)
		case now := <-ticker.C:
			c.checkStale(now)
		case <-c.done:
			for _, s := range c.sessions {
				metrics.RecordSessionTransition(s.state.String(), "")
			}
			return
		}
	}
}

// checkStale flushes stale collective-log entries of ready sessions and
// fails handshakes that made no progress for IOTimeout. Sessions still
// waiting for ranks never time out.
func (c *Coordinator) checkStale(now time.Time) {
	for _, s := range c.sessions {
		switch s.state {
		case StateReady:
			if s.logger != nil {
				s.logger.CheckStale(now)
			}
		case StateHandshake1, StateHandshake2, StateRendezvous:
			if idle := now.Sub(s.updated); idle > c.cfg.IOTimeout {
				c.fail(s, fmt.Errorf("%w: no message in %s for %s", ErrStalled, s.state, idle.Round(time.Millisecond)))
			}
		}
	}
}

func (c *Coordinator) handle(in inbound) {
	if in.err != nil {
		c.onDisconnect(in.conn, in.err)
		return
	}

	msg := in.msg
	metrics.RecordBootstrapMessage(msg.Kind.String())

	if msg.Kind == KindRankHeader {
		c.onRankHeader(in.conn, msg)
		return
	}

	s, ok := c.sessions[msg.Comm]
	if !ok {
		c.reject(in.conn, msg.Comm, fmt.Errorf("%w: %s", ErrUnknownSession, msg.Comm))
		return
	}

	if !in.conn.bound {
		c.reject(in.conn, msg.Comm, fmt.Errorf("%w: %s before rank header", ErrProtocol, msg.Kind))
		return
	}

	if in.conn.key != msg.Comm || in.conn.rank != msg.Rank {
		c.fail(s, fmt.Errorf("%w: rank %d sent %s as rank %d", ErrProtocol, in.conn.rank, msg.Kind, msg.Rank))
		return
	}

	if s.state == StateFailed {
		c.reject(in.conn, msg.Comm, s.err)
		return
	}

	s.updated = time.Now()

	var err error
	switch msg.Kind {
	case KindConnectionInfo:
		err = c.onConnectionInfo(s, msg)
	case KindRendezvous:
		err = c.onRendezvous(s, msg)
	case KindExchange:
		err = c.onExchange(s, msg)
	case KindCollectiveLog:
		err = c.onCollectiveLog(s, msg)
	case KindSendRecvLog:
		err = c.onSendRecvLog(s, msg)
	case KindAbort:
		err = fmt.Errorf("%w by rank %d: %s", ErrAborted, msg.Rank, msg.Payload)
	default:
		err = fmt.Errorf("%w: unexpected %s from rank %d", ErrProtocol, msg.Kind, msg.Rank)
	}

	if err != nil {
		c.fail(s, err)
		return
	}

	c.publish(s)
}

func (c *Coordinator) onRankHeader(pc *peerConn, msg Message) {
	size := int(msg.CommSize)
	if size <= 0 || int(msg.Rank) >= size {
		c.reject(pc, msg.Comm, fmt.Errorf("%w: rank %d of %d", ErrProtocol, msg.Rank, size))
		return
	}

	s, ok := c.sessions[msg.Comm]
	if !ok || s.state == StateFailed {
		if ok {
			metrics.RecordSessionTransition(s.state.String(), "")
		}
		s = newSession(msg.Comm, size, time.Now())
		s.logger = NewCollectiveLogger(msg.Comm, size, c.cfg.DriftWarn, c.logger)
		if c.cfg.Sink != nil {
			s.logger.SetSink(c.cfg.Sink)
		}
		c.sessions[msg.Comm] = s
		metrics.RecordSessionTransition("", s.state.String())

		log.Info().Str("comm", msg.Comm.String()).Int("size", size).Msg("Bootstrap session created")
	}

	abort := func(err error) {
		c.fail(s, err)
		c.reject(pc, msg.Comm, err)
	}

	if s.size != size {
		abort(fmt.Errorf("%w: rank %d declares size %d, session has %d", ErrProtocol, msg.Rank, size, s.size))
		return
	}

	if s.state != StateWaitingForRanks {
		abort(fmt.Errorf("%w: rank header from rank %d in state %s", ErrProtocol, msg.Rank, s.state))
		return
	}

	h, err := decodeHeader(msg.Payload)
	if err == nil && h.Rank != msg.Rank {
		err = fmt.Errorf("%w: header for rank %d sent by rank %d", ErrMalformed, h.Rank, msg.Rank)
	}
	if err != nil {
		abort(err)
		return
	}

	if old := s.conns[msg.Rank]; old != nil && old != pc {
		old.bound = false
		_ = old.conn.Close()
		log.Info().Str("comm", s.key.String()).Uint32("rank", uint32(msg.Rank)).Msg("Rank reconnected, replacing connection")
	}

	pc.key, pc.rank, pc.bound = msg.Comm, msg.Rank, true
	s.conns[msg.Rank] = pc
	s.headers[msg.Rank] = h
	if !s.haveHdr[msg.Rank] {
		s.haveHdr[msg.Rank] = true
		s.nHeaders++
	}
	s.updated = time.Now()

	if s.nHeaders == s.size {
		c.transition(s, StateHandshake1)

		payload := encodeHeaders(s.headers)
		if err := c.broadcast(s, KindHeaderArray, 0, payload); err != nil {
			c.fail(s, err)
			return
		}

		c.transition(s, StateHandshake2)
	}

	c.publish(s)
}

func (c *Coordinator) onConnectionInfo(s *session, msg Message) error {
	if s.state != StateHandshake2 {
		return fmt.Errorf("%w: connection info from rank %d in state %s", ErrProtocol, msg.Rank, s.state)
	}

	info, err := decodeConnInfo(msg.Payload)
	if err != nil {
		return err
	}

	if info.Header.Rank != msg.Rank {
		return fmt.Errorf("%w: connection info for rank %d sent by rank %d", ErrMalformed, info.Header.Rank, msg.Rank)
	}

	s.infos[msg.Rank] = info
	if !s.haveInfo[msg.Rank] {
		s.haveInfo[msg.Rank] = true
		s.nInfos++
	}

	if s.nInfos < s.size {
		return nil
	}

	if err := c.broadcast(s, KindConnectionInfoArray, 0, encodeConnInfos(s.infos)); err != nil {
		return err
	}

	c.transition(s, StateRendezvous)

	return nil
}

func (c *Coordinator) onRendezvous(s *session, msg Message) error {
	switch {
	case msg.Tag == 0 && s.state == StateRendezvous:
	case msg.Tag != 0 && s.state == StateReady:
	default:
		return fmt.Errorf("%w: rendezvous tag %d from rank %d in state %s", ErrProtocol, msg.Tag, msg.Rank, s.state)
	}

	g, ok := s.barriers[msg.Tag]
	if !ok {
		g = newGather(s.size)
		s.barriers[msg.Tag] = g
	}

	g.add(msg.Rank, nil)
	if !g.complete() {
		return nil
	}

	delete(s.barriers, msg.Tag)

	if msg.Tag == 0 {
		c.transition(s, StateReady)
		metrics.RecordHandshake(time.Since(s.created))

		c.snapMu.Lock()
		c.loggers[s.key] = s.logger
		c.snapMu.Unlock()
		c.publish(s)

		log.Info().Str("comm", s.key.String()).Int("size", s.size).Msg("Communicator ready")
	}

	return c.broadcast(s, KindRendezvousRelease, msg.Tag, nil)
}

func (c *Coordinator) onExchange(s *session, msg Message) error {
	if s.state != StateReady {
		return fmt.Errorf("%w: exchange from rank %d in state %s", ErrProtocol, msg.Rank, s.state)
	}

	g, ok := s.exchanges[msg.Tag]
	if !ok {
		g = newGather(s.size)
		s.exchanges[msg.Tag] = g
	}

	g.add(msg.Rank, msg.Payload)
	if !g.complete() {
		return nil
	}

	delete(s.exchanges, msg.Tag)

	return c.broadcast(s, KindExchangeResult, msg.Tag, encodeBlobs(g.payloads))
}

func (c *Coordinator) onCollectiveLog(s *session, msg Message) error {
	if s.state != StateReady {
		return fmt.Errorf("%w: collective log in state %s", ErrProtocol, s.state)
	}

	sig, err := decodeCollectiveSig(msg.Payload)
	if err != nil {
		return err
	}

	s.logger.RecordCollective(msg.Rank, sig, time.Now())

	return nil
}

func (c *Coordinator) onSendRecvLog(s *session, msg Message) error {
	if s.state != StateReady {
		return fmt.Errorf("%w: send/recv log in state %s", ErrProtocol, s.state)
	}

	sig, isSend, err := decodeSendRecvSig(msg.Payload)
	if err != nil {
		return err
	}

	s.logger.RecordSendRecv(sig, isSend, time.Now())

	return nil
}

func (c *Coordinator) onDisconnect(pc *peerConn, err error) {
	_ = pc.conn.Close()

	if !pc.bound {
		return
	}

	s, ok := c.sessions[pc.key]
	if !ok || s.conns[pc.rank] != pc {
		return
	}

	s.conns[pc.rank] = nil
	pc.bound = false

	switch s.state {
	case StateFailed:
	case StateWaitingForRanks:
		// the rank may reconnect before the others arrive
		if s.haveHdr[pc.rank] {
			s.haveHdr[pc.rank] = false
			s.nHeaders--
		}
		log.Debug().Str("comm", s.key.String()).Uint32("rank", uint32(pc.rank)).Msg("Rank left before handshake")
	case StateReady:
		if s.pendingOn(pc.rank) {
			c.fail(s, fmt.Errorf("rank %d disconnected during a pending barrier: %w", pc.rank, err))
			return
		}
		if s.connected() == 0 {
			c.closeSession(s)
			return
		}
	default:
		c.fail(s, fmt.Errorf("rank %d disconnected in state %s: %w", pc.rank, s.state, err))
		return
	}

	c.publish(s)
}

// fail aborts the construction of s for every rank.
func (c *Coordinator) fail(s *session, err error) {
	if s.state == StateFailed {
		return
	}

	s.err = err
	c.transition(s, StateFailed)
	metrics.RecordBootstrapFailure()

	log.Error().Err(err).Str("comm", s.key.String()).Msg("Bootstrap session failed, aborting all ranks")

	_ = c.broadcast(s, KindAbort, 0, []byte(err.Error()))

	for i, pc := range s.conns {
		if pc != nil {
			pc.bound = false
			_ = pc.conn.Close()
			s.conns[i] = nil
		}
	}

	c.publish(s)

	if c.cfg.Sink != nil {
		c.cfg.Sink.RecordSession(s.info())
	}
}

func (c *Coordinator) closeSession(s *session) {
	metrics.RecordSessionTransition(s.state.String(), "")
	delete(c.sessions, s.key)

	c.snapMu.Lock()
	delete(c.snapshot, s.key)
	delete(c.loggers, s.key)
	c.snapMu.Unlock()

	log.Info().Str("comm", s.key.String()).Msg("Bootstrap session closed")
}

func (c *Coordinator) reject(pc *peerConn, key hccltypes.UniqueID, err error) {
	log.Warn().Err(err).Str("comm", key.String()).Msg("Rejecting bootstrap connection")

	_ = c.send(pc, Message{Header: Header{Kind: KindAbort, Comm: key}, Payload: []byte(err.Error())})
	_ = pc.conn.Close()
}

func (c *Coordinator) transition(s *session, to State) {
	log.Debug().
		Str("comm", s.key.String()).
		Str("from", s.state.String()).
		Str("to", to.String()).
		Msg("Bootstrap session transition")

	metrics.RecordSessionTransition(s.state.String(), to.String())
	s.state = to
	s.updated = time.Now()
}

func (c *Coordinator) send(pc *peerConn, msg Message) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()

	_ = pc.conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))

	return c.codec.writeMessage(pc.conn, msg)
}

// broadcast sends one message to every connected rank of s, one task per
// rank, and joins them all.
func (c *Coordinator) broadcast(s *session, kind Kind, tag uint32, payload []byte) error {
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.FanOut)

	for rank, pc := range s.conns {
		if pc == nil {
			if kind == KindAbort {
				continue
			}
			return fmt.Errorf("%w: rank %d not connected for %s", ErrProtocol, rank, kind)
		}

		msg := Message{
			Header: Header{
				Kind:     kind,
				Comm:     s.key,
				Rank:     hccltypes.Rank(rank), //nolint:gosec // G115: bounded by comm size
				CommSize: uint32(s.size),       //nolint:gosec // G115: bounded by comm size
				Tag:      tag,
			},
			Payload: payload,
		}

		g.Go(func() error {
			if err := c.send(pc, msg); err != nil {
				return fmt.Errorf("send %s to rank %d: %w", kind, msg.Rank, err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (c *Coordinator) publish(s *session) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	c.snapshot[s.key] = s.info()
}

// Sessions returns a summary of every known session, oldest first.
func (c *Coordinator) Sessions() []SessionInfo {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	out := make([]SessionInfo, 0, len(c.snapshot))
	for _, si := range c.snapshot {
		out = append(out, si)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })

	return out
}

// Session returns the summary of one session.
func (c *Coordinator) Session(key hccltypes.UniqueID) (SessionInfo, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	si, ok := c.snapshot[key]
	return si, ok
}

// Constructing counts sessions that have not reached ready or failed.
func (c *Coordinator) Constructing() int {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	n := 0
	for _, si := range c.snapshot {
		if si.State != StateReady.String() && si.State != StateFailed.String() {
			n++
		}
	}
	return n
}

// CollectiveLog returns the collective logger of a ready session.
func (c *Coordinator) CollectiveLog(key hccltypes.UniqueID) (*CollectiveLogger, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	l, ok := c.loggers[key]
	return l, ok
}

// CollectiveLogs returns the loggers of every ready session keyed by
// communicator id.
func (c *Coordinator) CollectiveLogs() map[string]*CollectiveLogger {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	out := make(map[string]*CollectiveLogger, len(c.loggers))
	for k, l := range c.loggers {
		out[k.String()] = l
	}
	return out
}
