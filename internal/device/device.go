package device

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/internal/qp"
	"github.com/piwi3910/hcclrt/internal/transport/rdma"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// Config selects and configures a device.
type Config struct {
	// Backend is the fabric library. Nil selects a simulated backend, or the
	// null backend when NullSubmission is set.
	Backend        rdma.Backend
	ModuleID       uint32
	HostID         uint32
	LocalGroupSize int
	// ScaleOutMask overrides the generation default scale-out ports.
	ScaleOutMask   hccltypes.PortMask
	Generation     Generation
	NullSubmission bool
}

// Device is an acquired accelerator.
type Device struct {
	backend  rdma.Backend
	scaleUp  *qp.ScaleUpTable
	streams  *Streams
	fns      functions
	cfg      Config
	scaleOut hccltypes.PortMask
}

// Open acquires a device of the configured generation.
func Open(cfg Config) (*Device, error) {
	fns, err := lookup(cfg.Generation)
	if err != nil {
		return nil, hcclerrors.ErrUnsupported.Wrap(err)
	}

	if cfg.LocalGroupSize <= 0 {
		return nil, hcclerrors.InvalidArgument("local group size %d", cfg.LocalGroupSize)
	}

	scaleOut := cfg.ScaleOutMask
	if scaleOut == 0 {
		scaleOut = fns.scaleOutMask()
	}

	for _, p := range scaleOut.Ports() {
		if int(p) >= fns.numPorts {
			return nil, hcclerrors.InvalidArgument("scale-out port %d beyond %d ports", p, fns.numPorts)
		}
	}

	d := &Device{
		fns:      fns,
		cfg:      cfg,
		scaleOut: scaleOut,
		streams:  newStreams(fns.queueOffset),
	}

	d.scaleUp = qp.NewScaleUpTable(d.ScaleUpPorts(), fns.maxScaleUpSets, fns.slotsPerSet)

	switch {
	case cfg.Backend != nil:
		d.backend = cfg.Backend
	case cfg.NullSubmission:
		d.backend = rdma.NewNullBackend()
	default:
		d.backend = rdma.NewSimulatedBackend(uint8(cfg.HostID), d.allPorts()) //nolint:gosec // G115: host ids fit a byte in simulation
	}

	log.Info().
		Str("generation", cfg.Generation.String()).
		Uint32("module", cfg.ModuleID).
		Uint32("host", cfg.HostID).
		Str("scale_out_ports", fmt.Sprint(scaleOut.Ports())).
		Bool("null_submission", cfg.NullSubmission).
		Msg("Device acquired")

	return d, nil
}

func (d *Device) allPorts() []hccltypes.Port {
	ports := make([]hccltypes.Port, d.fns.numPorts)
	for i := range ports {
		ports[i] = hccltypes.Port(i) //nolint:gosec // G115: bounded port count
	}
	return ports
}

// Generation returns the hardware generation.
func (d *Device) Generation() Generation { return d.cfg.Generation }

// ModuleID returns the hardware module id.
func (d *Device) ModuleID() uint32 { return d.cfg.ModuleID }

// HostID returns the host the device sits in.
func (d *Device) HostID() uint32 { return d.cfg.HostID }

// LocalGroupSize returns the number of devices sharing the scale-up fabric.
func (d *Device) LocalGroupSize() int { return d.cfg.LocalGroupSize }

// Backend returns the fabric backend.
func (d *Device) Backend() rdma.Backend { return d.backend }

// ScaleUpTable returns the device-wide scale-up queue pair table.
func (d *Device) ScaleUpTable() *qp.ScaleUpTable { return d.scaleUp }

// Streams returns the stream runtime boundary.
func (d *Device) Streams() *Streams { return d.streams }

// SlotsPerSet returns the number of queue pairs in one QP-set.
func (d *Device) SlotsPerSet() int { return d.fns.slotsPerSet }

// MaxScaleUpSets returns the scale-up QP-set count below the threshold.
func (d *Device) MaxScaleUpSets() int { return d.fns.maxScaleUpSets }

// ScaleOutMask returns the scale-out ports as a mask.
func (d *Device) ScaleOutMask() hccltypes.PortMask { return d.scaleOut }

// ScaleOutPorts returns the scale-out ports in ascending order.
func (d *Device) ScaleOutPorts() []hccltypes.Port { return d.scaleOut.Ports() }

// ScaleUpPorts returns every port outside the scale-out mask.
func (d *Device) ScaleUpPorts() []hccltypes.Port {
	ports := make([]hccltypes.Port, 0, d.fns.numPorts)
	for _, p := range d.allPorts() {
		if !d.scaleOut.Has(p) {
			ports = append(ports, p)
		}
	}
	return ports
}

// SupportsBarrier reports whether the generation has a native barrier.
func (d *Device) SupportsBarrier() bool { return d.fns.supportsBarrier }

// CheckOp returns ErrUnsupported for operations the generation lacks.
func (d *Device) CheckOp(op hccltypes.CollectiveOp, dt hccltypes.DataType) error {
	if !d.fns.supportsOp(op, dt) {
		return hcclerrors.ErrUnsupported.WithDetail("%s on %s with %s", op, d.cfg.Generation, dt)
	}
	return nil
}

// Header returns the handshake header of rank on this device.
func (d *Device) Header(rank hccltypes.Rank) hccltypes.RankInfoHeader {
	return hccltypes.RankInfoHeader{
		Rank:           rank,
		ModuleID:       d.cfg.ModuleID,
		LocalGroupSize: uint32(d.cfg.LocalGroupSize), //nolint:gosec // G115: validated positive
		HostID:         d.cfg.HostID,
		Generation:     uint8(d.cfg.Generation),
		ScaleOutPorts:  d.scaleOut,
	}
}

// PortAddresses returns the address of every port.
func (d *Device) PortAddresses() ([]hccltypes.PortAddress, error) {
	addrs := make([]hccltypes.PortAddress, 0, d.fns.numPorts)
	for _, p := range d.allPorts() {
		a, err := d.backend.PortAddress(p)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// Close releases the device.
func (d *Device) Close() error {
	d.streams.closeAll()

	log.Info().Uint32("module", d.cfg.ModuleID).Msg("Device released")

	return nil
}
