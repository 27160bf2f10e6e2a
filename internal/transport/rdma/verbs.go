// Package rdma is the fabric boundary of the communicator runtime: queue pair
// creation, migration and the RESET → INIT → RTR → RTS state transitions.
//
// The runtime only orchestrates calls through Backend; posting work requests
// is left to the device library behind it. Two backends live here: a
// simulated one that tracks queue pair state per port for development and
// tests, and a null backend for null-submission mode that hands out numbers
// without creating anything.
package rdma

import (
	"errors"
	"fmt"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// Verbs errors.
var (
	ErrQPNotFound   = errors.New("queue pair not found")
	ErrQPState      = errors.New("invalid queue pair state transition")
	ErrPortDown     = errors.New("port is down")
	ErrUnknownPort  = errors.New("port not present on device")
	ErrQPLimit      = errors.New("queue pair limit reached")
	ErrNoRemoteAddr = errors.New("remote address required")
)

// QPState is the connection state of a queue pair.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERROR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// RemoteAddress identifies the far end of a queue pair.
type RemoteAddress struct {
	Addr hccltypes.PortAddress
	Rank hccltypes.Rank
	QPN  uint32
}

// QPInfo describes one queue pair.
type QPInfo struct {
	Remote   RemoteAddress
	Port     hccltypes.Port
	QPN      uint32
	State    QPState
	IsSender bool
}

// Backend is the fabric library boundary.
type Backend interface {
	// CreateQueuePair creates a reliable-connection queue pair on port in
	// INIT state. remote may be partial until SetReadyToReceive.
	CreateQueuePair(port hccltypes.Port, isSender bool, remote RemoteAddress) (uint32, error)
	// DestroyQueuePair tears down a queue pair.
	DestroyQueuePair(port hccltypes.Port, qpn uint32) error
	// MigrateQueuePair creates a queue pair on newPort with the connection
	// attributes of qpn on oldPort. The old queue pair is left untouched.
	MigrateQueuePair(oldPort hccltypes.Port, qpn uint32, newPort hccltypes.Port) (uint32, error)
	// SetReadyToReceive moves a queue pair to RTR towards remote.
	SetReadyToReceive(port hccltypes.Port, qpn uint32, remote RemoteAddress) error
	// SetReadyToSend moves a queue pair from RTR to RTS.
	SetReadyToSend(port hccltypes.Port, qpn uint32) error
	// QueryQueuePair returns the state of a queue pair.
	QueryQueuePair(port hccltypes.Port, qpn uint32) (QPInfo, error)
	// PortAddress returns the network identity of port.
	PortAddress(port hccltypes.Port) (hccltypes.PortAddress, error)
	// Stats returns backend counters.
	Stats() map[string]int64
}
