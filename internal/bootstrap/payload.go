package bootstrap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

var le = binary.LittleEndian

func encodeHeader(h hccltypes.RankInfoHeader) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, le, &h)
	return buf.Bytes()
}

func decodeHeader(p []byte) (hccltypes.RankInfoHeader, error) {
	var h hccltypes.RankInfoHeader
	if len(p) != binary.Size(h) {
		return h, fmt.Errorf("%w: rank header of %d bytes", ErrMalformed, len(p))
	}
	if err := binary.Read(bytes.NewReader(p), le, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h, nil
}

func encodeHeaders(hs []hccltypes.RankInfoHeader) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, le, uint32(len(hs))) //nolint:gosec // G115: bounded by comm size
	for i := range hs {
		_ = binary.Write(&buf, le, &hs[i])
	}
	return buf.Bytes()
}

func decodeHeaders(p []byte, size int) ([]hccltypes.RankInfoHeader, error) {
	r := bytes.NewReader(p)

	var n uint32
	if err := binary.Read(r, le, &n); err != nil || int(n) != size {
		return nil, fmt.Errorf("%w: header array of %d entries for %d ranks", ErrMalformed, n, size)
	}

	hs := make([]hccltypes.RankInfoHeader, n)
	for i := range hs {
		if err := binary.Read(r, le, &hs[i]); err != nil {
			return nil, fmt.Errorf("%w: header %d: %v", ErrMalformed, i, err)
		}
	}

	return hs, nil
}

func writeSlice[T any](buf *bytes.Buffer, items []T) {
	_ = binary.Write(buf, le, uint32(len(items))) //nolint:gosec // G115: bounded by payload limit
	for i := range items {
		_ = binary.Write(buf, le, &items[i])
	}
}

func readSlice[T any](r *bytes.Reader) ([]T, error) {
	var n uint32
	if err := binary.Read(r, le, &n); err != nil {
		return nil, err
	}

	var zero T
	if int64(n)*int64(binary.Size(zero)) > int64(r.Len()) {
		return nil, fmt.Errorf("%w: %d entries exceed payload", ErrMalformed, n)
	}

	items := make([]T, n)
	for i := range items {
		if err := binary.Read(r, le, &items[i]); err != nil {
			return nil, err
		}
	}

	return items, nil
}

func writeConnInfo(buf *bytes.Buffer, info *hccltypes.RemoteDeviceConnectionInfo) {
	_ = binary.Write(buf, le, &info.Header)
	writeSlice(buf, info.Ports)
	writeSlice(buf, info.ScaleUpQPs)
	writeSlice(buf, info.ScaleOutQPs)
}

func readConnInfo(r *bytes.Reader) (hccltypes.RemoteDeviceConnectionInfo, error) {
	var info hccltypes.RemoteDeviceConnectionInfo
	var err error

	if err = binary.Read(r, le, &info.Header); err != nil {
		return info, err
	}
	if info.Ports, err = readSlice[hccltypes.PortAddress](r); err != nil {
		return info, err
	}
	if info.ScaleUpQPs, err = readSlice[hccltypes.QPEntry](r); err != nil {
		return info, err
	}
	if info.ScaleOutQPs, err = readSlice[hccltypes.QPEntry](r); err != nil {
		return info, err
	}

	return info, nil
}

func encodeConnInfo(info hccltypes.RemoteDeviceConnectionInfo) []byte {
	var buf bytes.Buffer
	writeConnInfo(&buf, &info)
	return buf.Bytes()
}

func decodeConnInfo(p []byte) (hccltypes.RemoteDeviceConnectionInfo, error) {
	r := bytes.NewReader(p)

	info, err := readConnInfo(r)
	if err != nil {
		return info, fmt.Errorf("%w: connection info: %v", ErrMalformed, err)
	}
	if r.Len() != 0 {
		return info, fmt.Errorf("%w: %d trailing bytes after connection info", ErrMalformed, r.Len())
	}

	return info, nil
}

func encodeConnInfos(infos []hccltypes.RemoteDeviceConnectionInfo) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, le, uint32(len(infos))) //nolint:gosec // G115: bounded by comm size
	for i := range infos {
		writeConnInfo(&buf, &infos[i])
	}
	return buf.Bytes()
}

func decodeConnInfos(p []byte, size int) ([]hccltypes.RemoteDeviceConnectionInfo, error) {
	r := bytes.NewReader(p)

	var n uint32
	if err := binary.Read(r, le, &n); err != nil || int(n) != size {
		return nil, fmt.Errorf("%w: connection info array of %d entries for %d ranks", ErrMalformed, n, size)
	}

	infos := make([]hccltypes.RemoteDeviceConnectionInfo, n)
	for i := range infos {
		info, err := readConnInfo(r)
		if err != nil {
			return nil, fmt.Errorf("%w: connection info %d: %v", ErrMalformed, i, err)
		}
		infos[i] = info
	}

	return infos, nil
}

func encodeBlobs(blobs [][]byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, le, uint32(len(blobs))) //nolint:gosec // G115: bounded by comm size
	for _, b := range blobs {
		_ = binary.Write(&buf, le, uint32(len(b))) //nolint:gosec // G115: bounded by payload limit
		buf.Write(b)
	}
	return buf.Bytes()
}

func decodeBlobs(p []byte, size int) ([][]byte, error) {
	r := bytes.NewReader(p)

	var n uint32
	if err := binary.Read(r, le, &n); err != nil || int(n) != size {
		return nil, fmt.Errorf("%w: exchange result of %d entries for %d ranks", ErrMalformed, n, size)
	}

	blobs := make([][]byte, n)
	for i := range blobs {
		var l uint32
		if err := binary.Read(r, le, &l); err != nil || int64(l) > int64(r.Len()) {
			return nil, fmt.Errorf("%w: exchange entry %d", ErrMalformed, i)
		}
		blobs[i] = make([]byte, l)
		if _, err := io.ReadFull(r, blobs[i]); err != nil {
			return nil, fmt.Errorf("%w: exchange entry %d: %v", ErrMalformed, i, err)
		}
	}

	return blobs, nil
}

// wireCollective is the fixed layout of a collective log report.
type wireCollective struct {
	Count    uint64
	Op       hccltypes.CollectiveOp
	DataType hccltypes.DataType
	ReduceOp hccltypes.ReduceOp
	_        uint8
	Root     hccltypes.Rank
	Peer     hccltypes.Rank
}

func encodeCollectiveSig(s CollectiveParamsSignature) []byte {
	w := wireCollective{Count: s.Count, Op: s.Op, DataType: s.DataType, ReduceOp: s.ReduceOp, Root: s.Root, Peer: s.Peer}
	var buf bytes.Buffer
	_ = binary.Write(&buf, le, &w)
	return buf.Bytes()
}

func decodeCollectiveSig(p []byte) (CollectiveParamsSignature, error) {
	var w wireCollective
	if len(p) != binary.Size(w) {
		return CollectiveParamsSignature{}, fmt.Errorf("%w: collective log of %d bytes", ErrMalformed, len(p))
	}
	_ = binary.Read(bytes.NewReader(p), le, &w)
	return CollectiveParamsSignature{Op: w.Op, Count: w.Count, DataType: w.DataType, ReduceOp: w.ReduceOp, Root: w.Root, Peer: w.Peer}, nil
}

// wireSendRecv is the fixed layout of a send/recv log report.
type wireSendRecv struct {
	Count    uint64
	Sender   hccltypes.Rank
	Receiver hccltypes.Rank
	DataType hccltypes.DataType
	IsSend   uint8
	_        uint16
}

func encodeSendRecvSig(s SendRecvSignature, isSend bool) []byte {
	w := wireSendRecv{Count: s.Count, Sender: s.Sender, Receiver: s.Receiver, DataType: s.DataType}
	if isSend {
		w.IsSend = 1
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, le, &w)
	return buf.Bytes()
}

func decodeSendRecvSig(p []byte) (SendRecvSignature, bool, error) {
	var w wireSendRecv
	if len(p) != binary.Size(w) {
		return SendRecvSignature{}, false, fmt.Errorf("%w: send/recv log of %d bytes", ErrMalformed, len(p))
	}
	_ = binary.Read(bytes.NewReader(p), le, &w)
	return SendRecvSignature{Sender: w.Sender, Receiver: w.Receiver, Count: w.Count, DataType: w.DataType}, w.IsSend == 1, nil
}
