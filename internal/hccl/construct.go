package hccl

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/comm"
	"github.com/piwi3910/hcclrt/internal/device"
	"github.com/piwi3910/hcclrt/internal/faulttolerance"
	"github.com/piwi3910/hcclrt/internal/metrics"
	"github.com/piwi3910/hcclrt/internal/qp"
	"github.com/piwi3910/hcclrt/internal/transport/dispatch"
	"github.com/piwi3910/hcclrt/internal/transport/rdma"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// NewCommunicator bootstraps rank of a communicator of commSize ranks
// identified by uid. It returns only once every rank finished the handshake
// and passed the rendezvous; a failure on any rank aborts construction for
// all of them.
func (p *ProcessContext) NewCommunicator(ctx context.Context, uid hccltypes.UniqueID, commSize int, rank hccltypes.Rank) (*Communicator, error) {
	if uid.IsZero() {
		return nil, hcclerrors.InvalidArgument("empty communicator id")
	}
	if commSize <= 0 || commSize > p.opts.CommSizeCap {
		return nil, hcclerrors.InvalidArgument("communicator size %d outside 1..%d", commSize, p.opts.CommSizeCap)
	}
	if int(rank) >= commSize {
		return nil, hcclerrors.InvalidArgument("rank %d of communicator size %d", rank, commSize)
	}

	dev, err := p.Device()
	if err != nil {
		return nil, err
	}

	id, err := p.reserveID()
	if err != nil {
		return nil, err
	}

	c, err := p.construct(ctx, dev, id, uid, commSize, rank)
	if err != nil {
		return nil, err
	}

	if err := p.register(c); err != nil {
		c.teardown()
		return nil, err
	}
	metrics.Communicators.Inc()

	return c, nil
}

// setPolicies returns the QP-set policies for scale-up and scale-out
// connections of dev.
func (p *ProcessContext) setPolicies(dev *device.Device) (up, out qp.SetPolicy) {
	up = qp.SetPolicy{
		Threshold:   p.opts.ScaleUpSetsThreshold,
		MaxSets:     min(p.opts.MaxSetsPerConnection, dev.MaxScaleUpSets()),
		SlotsPerSet: dev.SlotsPerSet(),
	}

	out = qp.SetPolicy{
		Threshold:   p.opts.ScaleOutSetsThreshold,
		MaxSets:     p.opts.MaxSetsPerConnection,
		SlotsPerSet: dev.SlotsPerSet(),
	}
	if n := len(dev.ScaleOutPorts()); n > 0 {
		out.HWQPLimit = p.opts.HWQPLimit / n
	}

	return up, out
}

func (p *ProcessContext) construct(ctx context.Context, dev *device.Device, id hccltypes.CommID, uid hccltypes.UniqueID, size int, rank hccltypes.Rank) (*Communicator, error) {
	up, out := p.setPolicies(dev)

	cm, err := comm.New(size, rank, dev.LocalGroupSize(), comm.Options{
		ScaleUp:             dev.ScaleUpTable(),
		ScaleOutPorts:       dev.ScaleOutPorts(),
		ScaleUpSets:         up.SetsFor(size),
		ScaleOutSetsPerPort: out.SetsFor(size),
		SlotsPerSet:         dev.SlotsPerSet(),
		ID:                  id,
		UniqueID:            uid,
	})
	if err != nil {
		return nil, hcclerrors.InvalidArgument("%v", err)
	}

	c := &Communicator{
		proc: p,
		dev:  dev,
		comm: cm,
		gate: faulttolerance.NewGate(),
		disp: dispatch.New(cm, dev, p.opts.Submitter),
		logger: p.logger.With().
			Uint32("comm", uint32(id)).
			Str("unique_id", uid.String()).
			Uint32("rank", uint32(rank)).
			Int("size", size).
			Logger(),
	}

	if !p.opts.Loopback {
		client, err := bootstrap.Dial(ctx, bootstrap.ClientConfig{
			Logger:             p.opts.Logger,
			Addr:               p.opts.Coordinator,
			Compression:        p.opts.Compression,
			CompressionMinSize: p.opts.CompressionMinSize,
			IOTimeout:          p.opts.IOTimeout,
			DialTrials:         p.opts.DialTrials,
			DialBackoff:        p.opts.DialBackoff,
			CommSize:           size,
			Comm:               uid,
			Rank:               rank,
		})
		if err != nil {
			cm.Destroy()
			return nil, err
		}
		c.client = client
	}

	if err := c.bootstrap(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Communicator construction failed")
		if c.client != nil {
			_ = c.client.Abort(err.Error())
		}
		c.teardown()
		return nil, err
	}

	c.logger.Info().
		Int("scale_up_sets", cm.ScaleUpSets()).
		Bool("scale_out", cm.UsesScaleOut()).
		Bool("loopback", c.client == nil).
		Msg("Communicator ready")

	return c, nil
}

func (c *Communicator) bootstrap(ctx context.Context) error {
	me := c.comm.MyRank()

	var headers []hccltypes.RankInfoHeader
	if c.client != nil {
		var err error
		if headers, err = c.client.Handshake1(ctx, c.dev.Header(me)); err != nil {
			return err
		}
	} else {
		headers = c.loopbackHeaders()
	}

	if err := c.connect(headers); err != nil {
		return err
	}

	if err := c.createScaleUp(); err != nil {
		return err
	}
	if err := c.createScaleOut(); err != nil {
		return err
	}

	ports, err := c.dev.PortAddresses()
	if err != nil {
		return hcclerrors.ErrInternal.Wrap(err)
	}

	info := hccltypes.RemoteDeviceConnectionInfo{
		Header:      headers[me],
		Ports:       ports,
		ScaleUpQPs:  slices.Clone(c.scaleUp),
		ScaleOutQPs: c.scaleOutEntries(),
	}

	var infos []hccltypes.RemoteDeviceConnectionInfo
	if c.client != nil {
		if infos, err = c.client.Handshake2(ctx, info); err != nil {
			return err
		}
	} else {
		infos = c.loopbackInfos(headers, info)
	}

	if err := c.comm.SetRemoteDevices(infos); err != nil {
		return hcclerrors.ErrTransportFailure.Wrap(err)
	}

	if err := c.moveToRTS(infos); err != nil {
		return err
	}

	if c.client != nil {
		return c.client.Rendezvous(ctx)
	}

	return nil
}

// connect checks every header against our own and adds all other ranks.
// Inner ranks and outer ranks at our position in their group are peers.
func (c *Communicator) connect(headers []hccltypes.RankInfoHeader) error {
	me := c.comm.MyRank()
	topo := c.comm.Topology()
	mine := c.dev.Header(me)

	for i, h := range headers {
		r := hccltypes.Rank(i) //nolint:gosec // G115: bounded by comm size
		if h.LocalGroupSize != mine.LocalGroupSize || h.Generation != mine.Generation {
			return hcclerrors.InvalidArgument("rank %d reports local group %d generation %d, expected %d and %d",
				r, h.LocalGroupSize, h.Generation, mine.LocalGroupSize, mine.Generation)
		}
		if r == me {
			continue
		}

		peer := topo.IsInner(r) || topo.IndexInGroup(r) == topo.IndexInGroup(me)
		if err := c.comm.AddRemoteRank(r, peer); err != nil {
			return hcclerrors.InvalidArgument("%v", err)
		}
	}

	return nil
}

// scaleUpNeighbour is the inner rank the scale-up queue pairs are wired to:
// the next rank of the local group, wrapping around.
func (c *Communicator) scaleUpNeighbour() (hccltypes.Rank, bool) {
	inner := c.comm.InnerRanksInclusive()
	if len(inner) < 2 {
		return hccltypes.InvalidRank, false
	}

	i := slices.Index(inner, c.comm.MyRank())
	return inner[(i+1)%len(inner)], true
}

func (c *Communicator) createScaleUp() error {
	table := c.comm.ScaleUpTable()
	sets := c.comm.ScaleUpSets()
	neighbour, ok := c.scaleUpNeighbour()
	if table == nil || sets == 0 || !ok {
		return nil
	}

	backend := c.dev.Backend()
	slots := c.comm.SlotsPerSet()

	for _, port := range table.Ports() {
		for set := 0; set < sets; set++ {
			h := qp.Hints{Comm: c.ID(), RemoteRank: hccltypes.InvalidRank, Port: port, Set: uint32(set)} //nolint:gosec // G115: bounded set count
			qpns := make([]uint32, slots)

			for slot := range qpns {
				h.Slot = uint32(slot) //nolint:gosec // G115: bounded slot count
				if _, err := table.Allocate(h); err != nil {
					return hcclerrors.ErrInternal.Wrap(err)
				}

				qpn, err := backend.CreateQueuePair(port, slot == 0, rdma.RemoteAddress{Rank: neighbour})
				if err != nil {
					return resourceError(err)
				}

				qpns[slot] = qpn
				c.scaleUp = append(c.scaleUp, hccltypes.QPEntry{
					RemoteRank: hccltypes.InvalidRank,
					Port:       port,
					Set:        h.Set,
					Slot:       h.Slot,
					QPN:        qpn,
				})
			}

			h.Slot = 0
			if err := table.Register(h, qpns); err != nil {
				return hcclerrors.ErrInternal.Wrap(err)
			}
		}
	}

	return nil
}

func (c *Communicator) createScaleOut() error {
	table := c.comm.ScaleOutTable()
	if table == nil {
		return nil
	}

	backend := c.dev.Backend()
	slots := c.comm.SlotsPerSet()
	ctrl := c.proc.Controller()

	for _, r := range c.comm.OuterRanksExclusive() {
		for _, set := range c.comm.ScaleOutSets(r) {
			port := table.HomePort(set)
			if ctrl != nil {
				// Sets homed on a down port start where a failover would
				// have put them; failback brings them home.
				p, err := ctrl.PortFor(port)
				if err != nil {
					return hcclerrors.ErrResourceExhausted.Wrap(err)
				}
				port = p
			}

			h := qp.Hints{Comm: c.ID(), RemoteRank: r, Port: port, Set: set}
			qpns := make([]uint32, 0, slots)

			// Queue pairs of a set are owned by the table only once registered.
			undo := func() {
				for _, qpn := range qpns {
					_ = backend.DestroyQueuePair(port, qpn)
				}
			}

			for slot := 0; slot < slots; slot++ {
				h.Slot = uint32(slot) //nolint:gosec // G115: bounded slot count
				if _, err := table.Allocate(h); err != nil {
					undo()
					return hcclerrors.ErrInternal.Wrap(err)
				}

				qpn, err := backend.CreateQueuePair(port, slot == 0, rdma.RemoteAddress{Rank: r})
				if err != nil {
					undo()
					return resourceError(err)
				}
				qpns = append(qpns, qpn)
			}

			h.Slot = 0
			if err := table.Register(h, qpns); err != nil {
				undo()
				return hcclerrors.ErrInternal.Wrap(err)
			}
		}
	}

	return nil
}

// scaleOutEntries lists every registered scale-out queue pair.
func (c *Communicator) scaleOutEntries() []hccltypes.QPEntry {
	table := c.comm.ScaleOutTable()
	if table == nil {
		return nil
	}

	var entries []hccltypes.QPEntry
	for _, port := range table.Ports() {
		for _, h := range table.Registered(port) {
			entries = append(entries, hccltypes.QPEntry{
				RemoteRank: h.RemoteRank,
				Port:       h.Port,
				Set:        h.Set,
				Slot:       h.Slot,
				QPN:        h.QPN,
			})
		}
	}

	return entries
}

// moveToRTS connects every local queue pair to its remote counterpart.
func (c *Communicator) moveToRTS(infos []hccltypes.RemoteDeviceConnectionInfo) error {
	me := c.comm.MyRank()

	if neighbour, ok := c.scaleUpNeighbour(); ok {
		for _, e := range c.scaleUp {
			remote, ok := infos[neighbour].FindScaleUp(e.Port, e.Set, e.Slot)
			if !ok {
				return hcclerrors.ErrTransportFailure.WithDetail("rank %d advertised no scale-up queue pair for port %d set %d slot %d",
					neighbour, e.Port, e.Set, e.Slot)
			}
			if err := c.connectQP(e, neighbour, remote, &infos[neighbour]); err != nil {
				return err
			}
		}
	}

	for _, e := range c.scaleOutEntries() {
		remote, ok := infos[e.RemoteRank].FindScaleOut(me, e.Set, e.Slot)
		if !ok {
			return hcclerrors.ErrTransportFailure.WithDetail("rank %d advertised no queue pair towards rank %d set %d slot %d",
				e.RemoteRank, me, e.Set, e.Slot)
		}
		if err := c.connectQP(e, e.RemoteRank, remote, &infos[e.RemoteRank]); err != nil {
			return err
		}
	}

	return nil
}

func (c *Communicator) connectQP(local hccltypes.QPEntry, rank hccltypes.Rank, remote hccltypes.QPEntry, info *hccltypes.RemoteDeviceConnectionInfo) error {
	addr, ok := info.PortAddress(remote.Port)
	if !ok {
		return hcclerrors.ErrTransportFailure.WithDetail("rank %d advertised no address for port %d", rank, remote.Port)
	}

	backend := c.dev.Backend()
	if err := backend.SetReadyToReceive(local.Port, local.QPN, rdma.RemoteAddress{Addr: addr, Rank: rank, QPN: remote.QPN}); err != nil {
		return hcclerrors.ErrTransportFailure.Wrap(fmt.Errorf("port %d qpn %d: %w", local.Port, local.QPN, err))
	}
	if err := backend.SetReadyToSend(local.Port, local.QPN); err != nil {
		return hcclerrors.ErrTransportFailure.Wrap(fmt.Errorf("port %d qpn %d: %w", local.Port, local.QPN, err))
	}

	return nil
}

func (c *Communicator) loopbackHeaders() []hccltypes.RankInfoHeader {
	headers := make([]hccltypes.RankInfoHeader, c.comm.CommSize())
	for i := range headers {
		headers[i] = c.dev.Header(hccltypes.Rank(i)) //nolint:gosec // G115: bounded by comm size
	}
	return headers
}

// loopbackInfos mirrors our own connection info into every remote rank so
// each local queue pair connects back to itself.
func (c *Communicator) loopbackInfos(headers []hccltypes.RankInfoHeader, mine hccltypes.RemoteDeviceConnectionInfo) []hccltypes.RemoteDeviceConnectionInfo {
	me := c.comm.MyRank()
	infos := make([]hccltypes.RemoteDeviceConnectionInfo, len(headers))

	for i := range infos {
		infos[i] = hccltypes.RemoteDeviceConnectionInfo{
			Header:     headers[i],
			Ports:      mine.Ports,
			ScaleUpQPs: mine.ScaleUpQPs,
		}
	}

	for _, e := range mine.ScaleOutQPs {
		mirror := e
		mirror.RemoteRank = me
		infos[e.RemoteRank].ScaleOutQPs = append(infos[e.RemoteRank].ScaleOutQPs, mirror)
	}

	infos[me] = mine

	return infos
}

// teardown destroys every queue pair of the communicator and releases its
// table entries.
func (c *Communicator) teardown() {
	backend := c.dev.Backend()

	var owned []hccltypes.QPEntry
	owned = append(owned, c.scaleOutEntries()...)
	for _, rec := range c.comm.DropMigrations() {
		owned = append(owned, hccltypes.QPEntry{Port: rec.NewPort, QPN: rec.NewQPN})
	}
	owned = append(owned, c.scaleUp...)

	c.comm.Destroy()

	failed := 0
	for _, e := range owned {
		if err := backend.DestroyQueuePair(e.Port, e.QPN); err != nil {
			failed++
		}
	}

	logEvent(c.logger, failed).
		Int("queue_pairs", len(owned)).
		Int("failed", failed).
		Msg("Communicator queue pairs destroyed")
}

func logEvent(logger zerolog.Logger, failed int) *zerolog.Event {
	if failed > 0 {
		return logger.Warn()
	}
	return logger.Debug()
}

// resourceError classifies a fabric error, defaulting to resource exhaustion.
func resourceError(err error) error {
	var e hcclerrors.Error
	if errors.As(err, &e) {
		return err
	}
	return hcclerrors.ErrResourceExhausted.Wrap(err)
}
