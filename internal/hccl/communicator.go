package hccl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/comm"
	"github.com/piwi3910/hcclrt/internal/device"
	"github.com/piwi3910/hcclrt/internal/faulttolerance"
	"github.com/piwi3910/hcclrt/internal/metrics"
	"github.com/piwi3910/hcclrt/internal/transport/dispatch"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// barrierTagBit marks coordinator tags used by API barriers.
const barrierTagBit = 1 << 31

// Communicator is one rank of a bootstrapped communicator. Every API call
// passes its fault-tolerance gate, is counted and then dispatched.
type Communicator struct {
	proc    *ProcessContext
	dev     *device.Device
	comm    *comm.Communicator
	gate    *faulttolerance.Gate
	disp    *dispatch.Dispatcher
	client  *bootstrap.Client
	scaleUp []hccltypes.QPEntry
	logger  zerolog.Logger

	barriers    atomic.Uint32
	destroyOnce sync.Once
	destroyErr  error
}

var _ faulttolerance.Participant = (*Communicator)(nil)

// ID returns the process-local communicator id.
func (c *Communicator) ID() hccltypes.CommID { return c.comm.ID() }

// UniqueID returns the cluster-wide communicator id.
func (c *Communicator) UniqueID() hccltypes.UniqueID { return c.comm.UniqueID() }

// Rank returns the caller's rank.
func (c *Communicator) Rank() hccltypes.Rank { return c.comm.MyRank() }

// Size returns the number of ranks.
func (c *Communicator) Size() int { return c.comm.CommSize() }

// Comm returns the dynamic communicator state.
func (c *Communicator) Comm() *comm.Communicator { return c.comm }

// Gate returns the fault-tolerance gate.
func (c *Communicator) Gate() *faulttolerance.Gate { return c.gate }

// Exchanger returns the coordinator stub used during migrations.
func (c *Communicator) Exchanger() faulttolerance.Exchanger { return c.client }

// FTState returns the fault-tolerance state.
func (c *Communicator) FTState() faulttolerance.State { return c.gate.State() }

// AsyncError returns the most recent internal fault, if any.
func (c *Communicator) AsyncError() error { return c.comm.AsyncError() }

// Collective runs one collective operation.
func (c *Communicator) Collective(params hccltypes.CollectiveParams) (err error) {
	defer func() { metrics.RecordAPICall(params.Op.String(), hcclerrors.ResultOf(err).String()) }()

	if err := c.checkCollective(params); err != nil {
		return err
	}
	if err := c.admissible(params.Stream); err != nil {
		return err
	}

	var seq uint64
	err = c.gate.Enter(
		func() bool { return c.comm.BelowTarget(params.Op, hccltypes.InvalidRank, c.proc.opts.FT.CompareSendRecv) },
		func() { seq = c.comm.IncCollectiveCounter() },
	)
	if err != nil {
		return err
	}

	if err := c.disp.CollectiveCall(params, seq); err != nil {
		return dispatchError(err)
	}

	if c.proc.opts.LogCollectives && c.client != nil {
		if err := c.client.LogCollective(bootstrap.SignatureOf(params)); err != nil {
			c.logger.Warn().Err(err).Str("op", params.Op.String()).Msg("Failed to report collective")
		}
	}

	return nil
}

// AllReduce reduces count elements across every rank into recv.
func (c *Communicator) AllReduce(send, recv, count uint64, dt hccltypes.DataType, op hccltypes.ReduceOp, stream hccltypes.StreamID) error {
	return c.Collective(hccltypes.CollectiveParams{
		Op: hccltypes.OpAllReduce, SendAddr: send, RecvAddr: recv, Count: count,
		DataType: dt, ReduceOp: op, Root: hccltypes.InvalidRank, Peer: hccltypes.InvalidRank, Stream: stream,
	})
}

// Reduce reduces count elements into recv on root.
func (c *Communicator) Reduce(send, recv, count uint64, dt hccltypes.DataType, op hccltypes.ReduceOp, root hccltypes.Rank, stream hccltypes.StreamID) error {
	return c.Collective(hccltypes.CollectiveParams{
		Op: hccltypes.OpReduce, SendAddr: send, RecvAddr: recv, Count: count,
		DataType: dt, ReduceOp: op, Root: root, Peer: hccltypes.InvalidRank, Stream: stream,
	})
}

// ReduceScatter reduces and leaves each rank with its share of count elements.
func (c *Communicator) ReduceScatter(send, recv, count uint64, dt hccltypes.DataType, op hccltypes.ReduceOp, stream hccltypes.StreamID) error {
	return c.Collective(hccltypes.CollectiveParams{
		Op: hccltypes.OpReduceScatter, SendAddr: send, RecvAddr: recv, Count: count,
		DataType: dt, ReduceOp: op, Root: hccltypes.InvalidRank, Peer: hccltypes.InvalidRank, Stream: stream,
	})
}

// Broadcast copies count elements of root's buffer to every rank.
func (c *Communicator) Broadcast(buf, count uint64, dt hccltypes.DataType, root hccltypes.Rank, stream hccltypes.StreamID) error {
	return c.Collective(hccltypes.CollectiveParams{
		Op: hccltypes.OpBroadcast, SendAddr: buf, RecvAddr: buf, Count: count,
		DataType: dt, Root: root, Peer: hccltypes.InvalidRank, Stream: stream,
	})
}

// AllGather concatenates count elements of every rank into recv.
func (c *Communicator) AllGather(send, recv, count uint64, dt hccltypes.DataType, stream hccltypes.StreamID) error {
	return c.Collective(hccltypes.CollectiveParams{
		Op: hccltypes.OpAllGather, SendAddr: send, RecvAddr: recv, Count: count,
		DataType: dt, Root: hccltypes.InvalidRank, Peer: hccltypes.InvalidRank, Stream: stream,
	})
}

// AllToAll exchanges count elements between every pair of ranks.
func (c *Communicator) AllToAll(send, recv, count uint64, dt hccltypes.DataType, stream hccltypes.StreamID) error {
	return c.Collective(hccltypes.CollectiveParams{
		Op: hccltypes.OpAllToAll, SendAddr: send, RecvAddr: recv, Count: count,
		DataType: dt, Root: hccltypes.InvalidRank, Peer: hccltypes.InvalidRank, Stream: stream,
	})
}

// Send transfers count elements at addr to peer.
func (c *Communicator) Send(peer hccltypes.Rank, addr, count uint64, dt hccltypes.DataType, stream hccltypes.StreamID) error {
	return c.sendRecv(hccltypes.SendRecvEntry{Remote: peer, Addr: addr, Count: count, DataType: dt, IsSend: true, Stream: stream})
}

// Recv receives count elements from peer into addr.
func (c *Communicator) Recv(peer hccltypes.Rank, addr, count uint64, dt hccltypes.DataType, stream hccltypes.StreamID) error {
	return c.sendRecv(hccltypes.SendRecvEntry{Remote: peer, Addr: addr, Count: count, DataType: dt, Stream: stream})
}

func (c *Communicator) sendRecv(entry hccltypes.SendRecvEntry) (err error) {
	op := hccltypes.OpRecv
	if entry.IsSend {
		op = hccltypes.OpSend
	}
	defer func() { metrics.RecordAPICall(op.String(), hcclerrors.ResultOf(err).String()) }()

	peer := entry.Remote
	switch {
	case int(peer) >= c.Size() || peer == c.Rank():
		return hcclerrors.InvalidArgument("peer rank %d", peer)
	case !c.comm.Topology().IsConnected(peer):
		return hcclerrors.InvalidArgument("rank %d not connected", peer)
	case !entry.DataType.Valid():
		return hcclerrors.InvalidArgument("data type %d", entry.DataType)
	case entry.Count == 0:
		return hcclerrors.InvalidArgument("zero count")
	}
	if err := c.dev.CheckOp(op, entry.DataType); err != nil {
		return err
	}
	if err := c.admissible(entry.Stream); err != nil {
		return err
	}

	compare := c.proc.opts.FT.CompareSendRecv
	var seq uint64
	err = c.gate.Enter(
		func() bool { return c.comm.BelowTarget(op, peer, compare) },
		func() {
			if entry.IsSend {
				seq = c.comm.IncSendCounter(peer)
			} else {
				seq = c.comm.IncRecvCounter(peer)
			}
		},
	)
	if err != nil {
		return err
	}

	if err := c.disp.SendRecvCall(peer, entry, seq); err != nil {
		return dispatchError(err)
	}

	if c.proc.opts.LogCollectives && c.client != nil {
		sig := bootstrap.SendRecvSignature{Count: entry.Count, Sender: peer, Receiver: c.Rank(), DataType: entry.DataType}
		if entry.IsSend {
			sig.Sender, sig.Receiver = c.Rank(), peer
		}
		if err := c.client.LogSendRecv(sig, entry.IsSend); err != nil {
			c.logger.Warn().Err(err).Str("op", op.String()).Msg("Failed to report send/recv")
		}
	}

	return nil
}

// Barrier blocks until every rank called Barrier. Generations without a
// native barrier return ErrUnsupported.
func (c *Communicator) Barrier(ctx context.Context) (err error) {
	defer func() { metrics.RecordAPICall("barrier", hcclerrors.ResultOf(err).String()) }()

	if !c.dev.SupportsBarrier() {
		return hcclerrors.ErrUnsupported.WithDetail("barrier on %s", c.dev.Generation())
	}
	if c.comm.Destroyed() {
		return hcclerrors.ErrDestroyed
	}
	if err := c.gate.WaitUntilReleased(); err != nil {
		return err
	}
	if c.client == nil {
		return nil
	}

	tag := barrierTagBit | c.barriers.Add(1)&^barrierTagBit
	return c.client.Barrier(ctx, tag)
}

func (c *Communicator) checkCollective(p hccltypes.CollectiveParams) error {
	switch {
	case !p.Op.Valid() || p.Op.IsPointToPoint():
		return hcclerrors.InvalidArgument("collective operation %s", p.Op)
	case !p.DataType.Valid():
		return hcclerrors.InvalidArgument("data type %d", p.DataType)
	case p.Op.Reduces() && !p.ReduceOp.Valid():
		return hcclerrors.InvalidArgument("reduce operation %d", p.ReduceOp)
	case p.Op.Rooted() && int(p.Root) >= c.Size():
		return hcclerrors.InvalidArgument("root rank %d", p.Root)
	case p.Count == 0:
		return hcclerrors.InvalidArgument("zero count")
	}

	return c.dev.CheckOp(p.Op, p.DataType)
}

// admissible rejects calls on destroyed or failed communicators and waits
// for the outstanding compute work of stream.
func (c *Communicator) admissible(stream hccltypes.StreamID) error {
	if c.comm.Destroyed() {
		return hcclerrors.ErrDestroyed
	}

	if ctrl := c.proc.Controller(); ctrl != nil {
		if err := ctrl.Failed(c.ID()); err != nil {
			return hcclerrors.ErrTransportFailure.Wrap(err)
		}
	}

	if err := c.dev.Streams().FlushWait(context.Background(), stream); err != nil {
		if errors.Is(err, device.ErrInvalidStream) {
			return hcclerrors.InvalidArgument("%v", err)
		}
		return hcclerrors.ErrDestroyed.Wrap(err)
	}

	return nil
}

// Destroy releases every blocked caller with ErrDestroyed, destroys the
// queue pairs and leaves the coordinator session.
func (c *Communicator) Destroy() error {
	c.destroyOnce.Do(func() {
		c.gate.Abort()
		c.teardown()

		if c.client != nil {
			c.destroyErr = c.client.Close()
		}

		c.proc.unregister(c.ID())
		metrics.Communicators.Dec()

		c.logger.Info().Msg("Communicator destroyed")
	})

	return c.destroyErr
}

func dispatchError(err error) error {
	var e hcclerrors.Error
	if errors.As(err, &e) {
		return err
	}
	return hcclerrors.ErrInternal.Wrap(err)
}
