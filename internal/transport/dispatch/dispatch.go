// Package dispatch is the collective dispatch boundary: it resolves the queue
// pairs an operation travels on and hands the resulting work descriptor to
// the device submitter. Resolution and submission happen under the stream
// lock of the target stream so a concurrent migration repoint is never
// observed half applied.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/piwi3910/hcclrt/internal/comm"
	"github.com/piwi3910/hcclrt/internal/device"
	"github.com/piwi3910/hcclrt/internal/qp"
	"github.com/piwi3910/hcclrt/internal/verify"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

var ErrUnresolved = errors.New("queue pair not registered")

// Route is one queue pair a work descriptor is posted to.
type Route struct {
	Remote hccltypes.Rank
	Port   hccltypes.Port
	QPN    uint32
}

// WorkDescriptor is what reaches the device: the operation, the physical
// queue of its stream and the queue pairs it uses.
type WorkDescriptor struct {
	Routes   []Route
	Params   hccltypes.CollectiveParams
	Comm     hccltypes.CommID
	Queue    uint32
	Sequence uint64
}

// Submitter posts work descriptors to the device.
type Submitter interface {
	Submit(wd WorkDescriptor) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(WorkDescriptor) error

func (f SubmitterFunc) Submit(wd WorkDescriptor) error { return f(wd) }

// Discard drops every descriptor. It backs null-submission mode.
var Discard Submitter = SubmitterFunc(func(WorkDescriptor) error { return nil })

// Dispatcher resolves and submits operations of one communicator.
type Dispatcher struct {
	comm   *comm.Communicator
	dev    *device.Device
	submit Submitter
}

// New creates a dispatcher. A nil submitter discards descriptors.
func New(c *comm.Communicator, dev *device.Device, submit Submitter) *Dispatcher {
	if submit == nil {
		submit = Discard
	}
	return &Dispatcher{comm: c, dev: dev, submit: submit}
}

// CollectiveCall dispatches a collective to every connected scale-up port
// and every scale-out peer.
func (d *Dispatcher) CollectiveCall(params hccltypes.CollectiveParams, seq uint64) error {
	queue, err := d.dev.Streams().PhysicalQueueOffset(params.Stream)
	if err != nil {
		return hcclerrors.InvalidArgument("%v", err)
	}

	return d.locked(params.Stream, func() error {
		var routes []Route

		if len(d.comm.InnerRanksExclusive()) > 0 {
			r, err := d.scaleUpRoutes(params.Stream)
			if err != nil {
				return err
			}
			routes = append(routes, r...)
		}

		for _, peer := range d.comm.Topology().ScaleOutPeers() {
			r, err := d.scaleOutRoute(peer, params.Stream, 0)
			if err != nil {
				return err
			}
			routes = append(routes, r)
		}

		return d.submit.Submit(WorkDescriptor{
			Routes:   routes,
			Params:   params,
			Comm:     d.comm.ID(),
			Queue:    queue,
			Sequence: seq,
		})
	})
}

// SendRecvCall dispatches one point-to-point transfer with remote.
func (d *Dispatcher) SendRecvCall(remote hccltypes.Rank, entry hccltypes.SendRecvEntry, seq uint64) error {
	queue, err := d.dev.Streams().PhysicalQueueOffset(entry.Stream)
	if err != nil {
		return hcclerrors.InvalidArgument("%v", err)
	}

	op := hccltypes.OpRecv
	slot := uint32(1)
	if entry.IsSend {
		op = hccltypes.OpSend
		slot = 0
	}
	if int(slot) >= d.comm.SlotsPerSet() {
		slot = 0
	}

	params := hccltypes.CollectiveParams{
		Op:       op,
		SendAddr: entry.Addr,
		RecvAddr: entry.Addr,
		Count:    entry.Count,
		DataType: entry.DataType,
		Root:     hccltypes.InvalidRank,
		Peer:     remote,
		Stream:   entry.Stream,
	}

	return d.locked(entry.Stream, func() error {
		var route Route

		if d.comm.Topology().IsInner(remote) {
			routes, err := d.scaleUpRoutes(entry.Stream)
			if err != nil {
				return err
			}
			route = routes[0]
			route.Remote = remote
		} else {
			route, err = d.scaleOutRoute(remote, entry.Stream, slot)
			if err != nil {
				return err
			}
		}

		return d.submit.Submit(WorkDescriptor{
			Routes:   []Route{route},
			Params:   params,
			Comm:     d.comm.ID(),
			Queue:    queue,
			Sequence: seq,
		})
	})
}

// locked runs fn under the stream lock. A destroyed communicator has released
// its table entries, so nothing is resolved for it.
func (d *Dispatcher) locked(stream hccltypes.StreamID, fn func() error) error {
	return d.comm.WithStream(stream, func() error {
		if d.comm.Destroyed() {
			return hcclerrors.ErrDestroyed.WithDetail("comm %d", d.comm.ID())
		}
		return fn()
	})
}

func (d *Dispatcher) scaleUpRoutes(stream hccltypes.StreamID) ([]Route, error) {
	table := d.comm.ScaleUpTable()
	sets := d.comm.ScaleUpSets()
	if table == nil || sets == 0 {
		return nil, fmt.Errorf("%w: no scale-up fabric", ErrUnresolved)
	}

	set := uint32(int(stream) % sets) //nolint:gosec // G115: bounded by set count
	ports := table.Ports()
	routes := make([]Route, 0, len(ports))

	for _, p := range ports {
		h := qp.Hints{Comm: d.comm.ID(), RemoteRank: hccltypes.InvalidRank, Port: p, Set: set}
		qpn := table.LookupNumber(h)
		if qpn == qp.InvalidQPN {
			verify.Fail("scale-up queue pair missing: %s", h)
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, h)
		}
		routes = append(routes, Route{Remote: hccltypes.InvalidRank, Port: p, QPN: qpn})
	}

	return routes, nil
}

func (d *Dispatcher) scaleOutRoute(peer hccltypes.Rank, stream hccltypes.StreamID, slot uint32) (Route, error) {
	sets := d.comm.ScaleOutSets(peer)
	if len(sets) == 0 {
		return Route{}, fmt.Errorf("%w: no scale-out sets towards rank %d", ErrUnresolved, peer)
	}

	set := sets[int(stream)%len(sets)]
	port, qpn := d.comm.ScaleOutQPN(peer, set, slot)
	if qpn == qp.InvalidQPN {
		verify.Fail("scale-out queue pair missing: comm=%d rank=%d set=%d slot=%d", d.comm.ID(), peer, set, slot)
		return Route{}, fmt.Errorf("%w: rank %d set %d", ErrUnresolved, peer, set)
	}

	return Route{Remote: peer, Port: port, QPN: qpn}, nil
}
