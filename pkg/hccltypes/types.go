// Package hccltypes holds the value types shared by the communicator runtime,
// the bootstrap wire protocol and the dispatch boundary.
package hccltypes

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Rank identifies one participant of a communicator.
type Rank uint32

// InvalidRank marks an unset rank (no root, no peer).
const InvalidRank Rank = math.MaxUint32

// CommID is the process-local communicator index.
type CommID uint32

// Port is a logical NIC port number on the device.
type Port uint32

// StreamID identifies a device stream used to submit work.
type StreamID uint32

// PortMask is a bitmask over device ports.
type PortMask uint64

// Has reports whether port p is in the mask.
func (m PortMask) Has(p Port) bool {
	return p < 64 && m&(1<<p) != 0
}

// Without returns the mask with port p cleared.
func (m PortMask) Without(p Port) PortMask {
	if p >= 64 {
		return m
	}
	return m &^ (1 << p)
}

// Ports lists the ports in the mask in ascending order.
func (m PortMask) Ports() []Port {
	ports := make([]Port, 0, 8)
	for p := Port(0); p < 64; p++ {
		if m.Has(p) {
			ports = append(ports, p)
		}
	}
	return ports
}

// First returns the lowest port in the mask.
func (m PortMask) First() (Port, bool) {
	for p := Port(0); p < 64; p++ {
		if m.Has(p) {
			return p, true
		}
	}
	return 0, false
}

// UniqueID is the cluster-wide communicator identity shared by every rank
// and used as the coordinator session key.
type UniqueID [16]byte

// NewUniqueID returns a fresh random communicator identity.
func NewUniqueID() UniqueID {
	return UniqueID(uuid.New())
}

// ParseUniqueID parses the canonical string form produced by String.
func ParseUniqueID(s string) (UniqueID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UniqueID{}, fmt.Errorf("invalid communicator id %q: %w", s, err)
	}
	return UniqueID(u), nil
}

func (u UniqueID) String() string {
	return uuid.UUID(u).String()
}

// IsZero reports whether the id is unset.
func (u UniqueID) IsZero() bool {
	return u == UniqueID{}
}

// RankInfoHeader is the per-rank record exchanged in handshake phase 1.
type RankInfoHeader struct {
	Rank           Rank
	ModuleID       uint32
	LocalGroupSize uint32
	HostID         uint32
	Generation     uint8
	ScaleOutPorts  PortMask
}

// PortAddress is the network identity of one NIC port.
type PortAddress struct {
	Port Port
	MAC  [6]byte
	IP   [4]byte
}

func (a PortAddress) String() string {
	return fmt.Sprintf("port%d/%d.%d.%d.%d", a.Port, a.IP[0], a.IP[1], a.IP[2], a.IP[3])
}

// QPEntry is one queue pair advertised to the remote side.
type QPEntry struct {
	RemoteRank Rank
	Port       Port
	Set        uint32
	Slot       uint32
	QPN        uint32
}

// RemoteDeviceConnectionInfo is the per-rank record exchanged in handshake
// phase 2: the header, every port address and every queue pair the rank
// opened for the communicator.
type RemoteDeviceConnectionInfo struct {
	Header      RankInfoHeader
	Ports       []PortAddress
	ScaleUpQPs  []QPEntry
	ScaleOutQPs []QPEntry
}

// PortAddress returns the address advertised for port p.
func (r *RemoteDeviceConnectionInfo) PortAddress(p Port) (PortAddress, bool) {
	for _, a := range r.Ports {
		if a.Port == p {
			return a, true
		}
	}
	return PortAddress{}, false
}

// FindScaleOut returns the entry this rank opened towards remote for the
// given set and slot.
func (r *RemoteDeviceConnectionInfo) FindScaleOut(remote Rank, set, slot uint32) (QPEntry, bool) {
	for _, e := range r.ScaleOutQPs {
		if e.RemoteRank == remote && e.Set == set && e.Slot == slot {
			return e, true
		}
	}
	return QPEntry{}, false
}

// FindScaleUp returns the scale-up entry for port, set and slot.
func (r *RemoteDeviceConnectionInfo) FindScaleUp(p Port, set, slot uint32) (QPEntry, bool) {
	for _, e := range r.ScaleUpQPs {
		if e.Port == p && e.Set == set && e.Slot == slot {
			return e, true
		}
	}
	return QPEntry{}, false
}

// IsPopulated reports whether the record was filled in by a handshake.
func (r *RemoteDeviceConnectionInfo) IsPopulated() bool {
	return r.Header.LocalGroupSize != 0
}
