// Package device models the accelerator as the communicator runtime sees it:
// a hardware generation selected once at acquire time, its NIC ports split
// into scale-up and scale-out fabrics, the fabric backend, and the stream
// runtime boundary.
package device

import (
	"fmt"
	"strings"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// Generation is the closed set of supported hardware generations.
type Generation uint8

const (
	GenerationG2 Generation = iota + 2
	GenerationG3
)

// ParseGeneration parses "g2" or "g3".
func ParseGeneration(s string) (Generation, error) {
	switch strings.ToLower(s) {
	case "g2", "2":
		return GenerationG2, nil
	case "g3", "3":
		return GenerationG3, nil
	default:
		return 0, fmt.Errorf("unknown device generation %q", s)
	}
}

func (g Generation) String() string {
	switch g {
	case GenerationG2:
		return "g2"
	case GenerationG3:
		return "g3"
	default:
		return fmt.Sprintf("generation(%d)", uint8(g))
	}
}

// functions is the per-generation behavior table.
type functions struct {
	scaleOutMask    func() hccltypes.PortMask
	queueOffset     func(stream hccltypes.StreamID) uint32
	supportsOp      func(op hccltypes.CollectiveOp, dt hccltypes.DataType) bool
	numPorts        int
	slotsPerSet     int
	maxScaleUpSets  int
	supportsBarrier bool
}

var generations = map[Generation]functions{
	GenerationG2: {
		numPorts:       24,
		slotsPerSet:    2,
		maxScaleUpSets: 4,
		scaleOutMask: func() hccltypes.PortMask {
			return 1<<8 | 1<<22 | 1<<23
		},
		queueOffset: func(stream hccltypes.StreamID) uint32 {
			return uint32(stream) * 4
		},
		supportsOp: func(op hccltypes.CollectiveOp, dt hccltypes.DataType) bool {
			return !(op.Reduces() && dt == hccltypes.DataTypeFloat64)
		},
	},
	GenerationG3: {
		numPorts:        24,
		slotsPerSet:     2,
		maxScaleUpSets:  4,
		supportsBarrier: true,
		scaleOutMask: func() hccltypes.PortMask {
			return 1<<20 | 1<<21 | 1<<22 | 1<<23
		},
		queueOffset: func(stream hccltypes.StreamID) uint32 {
			return 0x40 + uint32(stream)*2
		},
		supportsOp: func(hccltypes.CollectiveOp, hccltypes.DataType) bool {
			return true
		},
	},
}

func lookup(g Generation) (functions, error) {
	fns, ok := generations[g]
	if !ok {
		return functions{}, fmt.Errorf("unsupported device generation %d", uint8(g))
	}
	return fns, nil
}
