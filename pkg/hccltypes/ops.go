package hccltypes

import "fmt"

// DataType is the element type of a collective buffer.
type DataType uint8

const (
	DataTypeInt8 DataType = iota
	DataTypeUint8
	DataTypeInt32
	DataTypeUint32
	DataTypeInt64
	DataTypeFloat16
	DataTypeBFloat16
	DataTypeFloat32
	DataTypeFloat64
	dataTypeCount
)

var dataTypeNames = [...]string{"int8", "uint8", "int32", "uint32", "int64", "float16", "bfloat16", "float32", "float64"}

var dataTypeSizes = [...]int{1, 1, 4, 4, 8, 2, 2, 4, 8}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool { return d < dataTypeCount }

// Size returns the element size in bytes.
func (d DataType) Size() int {
	if !d.Valid() {
		return 0
	}
	return dataTypeSizes[d]
}

func (d DataType) String() string {
	if !d.Valid() {
		return fmt.Sprintf("datatype(%d)", uint8(d))
	}
	return dataTypeNames[d]
}

// ReduceOp is the reduction applied by reducing collectives.
type ReduceOp uint8

const (
	ReduceSum ReduceOp = iota
	ReduceProd
	ReduceMin
	ReduceMax
	ReduceAvg
	reduceOpCount
)

var reduceOpNames = [...]string{"sum", "prod", "min", "max", "avg"}

// Valid reports whether r is a known reduce operation.
func (r ReduceOp) Valid() bool { return r < reduceOpCount }

func (r ReduceOp) String() string {
	if !r.Valid() {
		return fmt.Sprintf("reduceop(%d)", uint8(r))
	}
	return reduceOpNames[r]
}

// CollectiveOp is the kind of operation dispatched through a communicator.
type CollectiveOp uint8

const (
	OpAllReduce CollectiveOp = iota
	OpReduce
	OpReduceScatter
	OpBroadcast
	OpAllGather
	OpAllToAll
	OpSend
	OpRecv
	opCount
)

var opNames = [...]string{"all_reduce", "reduce", "reduce_scatter", "broadcast", "all_gather", "all_to_all", "send", "recv"}

// Valid reports whether o is a known operation.
func (o CollectiveOp) Valid() bool { return o < opCount }

// IsPointToPoint reports whether o is a send or a receive.
func (o CollectiveOp) IsPointToPoint() bool { return o == OpSend || o == OpRecv }

// Reduces reports whether o applies a reduce operation.
func (o CollectiveOp) Reduces() bool {
	return o == OpAllReduce || o == OpReduce || o == OpReduceScatter
}

// Rooted reports whether o takes a root rank.
func (o CollectiveOp) Rooted() bool { return o == OpReduce || o == OpBroadcast }

func (o CollectiveOp) String() string {
	if !o.Valid() {
		return fmt.Sprintf("op(%d)", uint8(o))
	}
	return opNames[o]
}

// CollectiveParams carries one collective call across the dispatch boundary.
type CollectiveParams struct {
	Op       CollectiveOp
	SendAddr uint64
	RecvAddr uint64
	Count    uint64
	DataType DataType
	ReduceOp ReduceOp
	Root     Rank
	Peer     Rank
	Stream   StreamID
	Flags    uint32
}

// SendRecvEntry carries one point-to-point transfer across the dispatch boundary.
type SendRecvEntry struct {
	Remote   Rank
	Addr     uint64
	Count    uint64
	DataType DataType
	IsSend   bool
	Stream   StreamID
}

// Result is the synchronous result code returned by the collective API.
type Result int

const (
	Success Result = iota
	ResultInvalidArgument
	ResultResourceExhausted
	ResultTransportFailure
	ResultInternalError
	ResultBusy
	ResultUnsupported
	ResultDestroyed
)

var resultNames = [...]string{
	"success", "invalid_argument", "resource_exhausted", "transport_failure",
	"internal_error", "busy", "unsupported", "destroyed",
}

func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("result(%d)", int(r))
	}
	return resultNames[r]
}
