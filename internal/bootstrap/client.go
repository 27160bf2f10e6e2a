package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

const (
	defaultDialTrials  = 10
	defaultDialBackoff = 500 * time.Millisecond
)

var errClientClosed = errors.New("bootstrap client closed")

// ClientConfig configures the connection of one rank to the coordinator.
type ClientConfig struct {
	Logger             *zerolog.Logger
	Addr               string
	Compression        Compression
	CompressionMinSize int
	IOTimeout          time.Duration
	DialTrials         int
	DialBackoff        time.Duration
	CommSize           int
	Comm               hccltypes.UniqueID
	Rank               hccltypes.Rank
}

type waitKey struct {
	kind Kind
	tag  uint32
}

// Client is the bootstrap stub of one rank. Calls of different kinds or tags
// may run concurrently; replies are routed by (kind, tag).
type Client struct {
	conn    net.Conn
	codec   *codec
	waiters map[waitKey]chan Message
	mailbox map[waitKey]Message
	dead    chan struct{}
	stopped chan struct{}
	err     error
	logger  zerolog.Logger
	cfg     ClientConfig
	mu      sync.Mutex
	wmu     sync.Mutex
	once    sync.Once
}

// Dial connects to the coordinator, retrying up to the configured number of
// trials. Running out of trials returns hcclerrors.ErrBusy.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.CommSize <= 0 || int(cfg.Rank) >= cfg.CommSize {
		return nil, hcclerrors.InvalidArgument("rank %d of communicator size %d", cfg.Rank, cfg.CommSize)
	}
	if cfg.DialTrials <= 0 {
		cfg.DialTrials = defaultDialTrials
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = defaultDialBackoff
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("comm", cfg.Comm.String()).Uint32("rank", uint32(cfg.Rank)).Logger()

	cd, err := newCodec(cfg.Compression, cfg.CompressionMinSize)
	if err != nil {
		return nil, err
	}

	var (
		dialer  net.Dialer
		conn    net.Conn
		lastErr error
	)

	for trial := 1; trial <= cfg.DialTrials; trial++ {
		conn, lastErr = dialer.DialContext(ctx, "tcp", cfg.Addr)
		if lastErr == nil {
			break
		}

		logger.Debug().Err(lastErr).Int("trial", trial).Str("addr", cfg.Addr).Msg("Coordinator not reachable, retrying")

		if trial == cfg.DialTrials {
			break
		}

		select {
		case <-time.After(cfg.DialBackoff):
		case <-ctx.Done():
			cd.close()
			return nil, hcclerrors.ErrTransportFailure.Wrap(ctx.Err())
		}
	}

	if lastErr != nil {
		cd.close()
		return nil, hcclerrors.ErrBusy.Wrap(fmt.Errorf("coordinator %s unreachable after %d trials: %w", cfg.Addr, cfg.DialTrials, lastErr))
	}

	c := &Client{
		conn:    conn,
		codec:   cd,
		waiters: make(map[waitKey]chan Message),
		mailbox: make(map[waitKey]Message),
		dead:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
		cfg:     cfg,
	}

	go c.readLoop()

	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.stopped)

	for {
		msg, err := c.codec.readMessage(c.conn)
		if err != nil {
			c.shutdown(hcclerrors.ErrTransportFailure.Wrap(err))
			return
		}

		if msg.Kind == KindAbort {
			c.logger.Error().Str("reason", string(msg.Payload)).Msg("Coordinator aborted communicator construction")
			c.shutdown(hcclerrors.ErrTransportFailure.WithDetail("aborted by coordinator: %s", msg.Payload))
			return
		}

		key := waitKey{kind: msg.Kind, tag: msg.Tag}

		c.mu.Lock()
		if ch, ok := c.waiters[key]; ok {
			delete(c.waiters, key)
			ch <- msg
		} else {
			c.mailbox[key] = msg
		}
		c.mu.Unlock()
	}
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		close(c.dead)
		_ = c.conn.Close()
	})
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *Client) send(kind Kind, tag uint32, payload []byte) error {
	msg := Message{
		Header: Header{
			Kind:     kind,
			Comm:     c.cfg.Comm,
			Rank:     c.cfg.Rank,
			CommSize: uint32(c.cfg.CommSize), //nolint:gosec // G115: validated in Dial
			Tag:      tag,
		},
		Payload: payload,
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.dead:
		return c.Err()
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))

	if err := c.codec.writeMessage(c.conn, msg); err != nil {
		err = hcclerrors.ErrTransportFailure.Wrap(err)
		c.shutdown(err)
		return err
	}

	return nil
}

// call sends a request and waits for the reply of kind reply with the same tag.
func (c *Client) call(ctx context.Context, kind Kind, tag uint32, payload []byte, reply Kind) (Message, error) {
	key := waitKey{kind: reply, tag: tag}
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	if msg, ok := c.mailbox[key]; ok {
		delete(c.mailbox, key)
		ch <- msg
	} else {
		c.waiters[key] = ch
	}
	c.mu.Unlock()

	if err := c.send(kind, tag, payload); err != nil {
		return Message{}, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-c.dead:
		return Message{}, c.Err()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
		return Message{}, hcclerrors.ErrTransportFailure.Wrap(ctx.Err())
	}
}

// Handshake1 publishes this rank's header and returns the headers of all
// ranks in rank order.
func (c *Client) Handshake1(ctx context.Context, h hccltypes.RankInfoHeader) ([]hccltypes.RankInfoHeader, error) {
	if h.Rank != c.cfg.Rank {
		return nil, hcclerrors.InvalidArgument("header for rank %d on client of rank %d", h.Rank, c.cfg.Rank)
	}

	msg, err := c.call(ctx, KindRankHeader, 0, encodeHeader(h), KindHeaderArray)
	if err != nil {
		return nil, err
	}

	hs, err := decodeHeaders(msg.Payload, c.cfg.CommSize)
	if err != nil {
		return nil, hcclerrors.ErrTransportFailure.Wrap(err)
	}

	for i := range hs {
		if int(hs[i].Rank) != i {
			return nil, hcclerrors.ErrTransportFailure.WithDetail("header %d carries rank %d", i, hs[i].Rank)
		}
	}

	c.logger.Debug().Int("ranks", len(hs)).Msg("Handshake phase 1 complete")

	return hs, nil
}

// Handshake2 publishes this rank's connection info and returns the infos of
// all ranks in rank order.
func (c *Client) Handshake2(ctx context.Context, info hccltypes.RemoteDeviceConnectionInfo) ([]hccltypes.RemoteDeviceConnectionInfo, error) {
	if info.Header.Rank != c.cfg.Rank {
		return nil, hcclerrors.InvalidArgument("connection info for rank %d on client of rank %d", info.Header.Rank, c.cfg.Rank)
	}

	msg, err := c.call(ctx, KindConnectionInfo, 0, encodeConnInfo(info), KindConnectionInfoArray)
	if err != nil {
		return nil, err
	}

	infos, err := decodeConnInfos(msg.Payload, c.cfg.CommSize)
	if err != nil {
		return nil, hcclerrors.ErrTransportFailure.Wrap(err)
	}

	for i := range infos {
		if int(infos[i].Header.Rank) != i {
			return nil, hcclerrors.ErrTransportFailure.WithDetail("connection info %d carries rank %d", i, infos[i].Header.Rank)
		}
	}

	c.logger.Debug().Int("ranks", len(infos)).Msg("Handshake phase 2 complete")

	return infos, nil
}

// Rendezvous blocks until every rank finished connecting its queue pairs.
func (c *Client) Rendezvous(ctx context.Context) error {
	return c.Barrier(ctx, 0)
}

// Barrier blocks until every rank entered the barrier with the same tag.
// Tag 0 is the construction rendezvous.
func (c *Client) Barrier(ctx context.Context, tag uint32) error {
	_, err := c.call(ctx, KindRendezvous, tag, nil, KindRendezvousRelease)
	return err
}

// Exchange contributes payload under tag and returns every rank's
// contribution in rank order.
func (c *Client) Exchange(ctx context.Context, tag uint32, payload []byte) ([][]byte, error) {
	msg, err := c.call(ctx, KindExchange, tag, payload, KindExchangeResult)
	if err != nil {
		return nil, err
	}

	blobs, err := decodeBlobs(msg.Payload, c.cfg.CommSize)
	if err != nil {
		return nil, hcclerrors.ErrTransportFailure.Wrap(err)
	}

	return blobs, nil
}

// LogCollective reports a collective call to the coordinator logger.
func (c *Client) LogCollective(sig CollectiveParamsSignature) error {
	return c.send(KindCollectiveLog, 0, encodeCollectiveSig(sig))
}

// LogSendRecv reports a send or a receive to the coordinator logger.
func (c *Client) LogSendRecv(sig SendRecvSignature, isSend bool) error {
	return c.send(KindSendRecvLog, 0, encodeSendRecvSig(sig, isSend))
}

// Abort fails the communicator at the coordinator for every rank.
func (c *Client) Abort(reason string) error {
	return c.send(KindAbort, 0, []byte(reason))
}

// Close drops the connection. Pending calls return an error.
func (c *Client) Close() error {
	c.shutdown(errClientClosed)
	<-c.stopped

	c.wmu.Lock()
	c.codec.close()
	c.wmu.Unlock()

	return nil
}
