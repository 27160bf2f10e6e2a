package bootstrap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// Kind is the type of a bootstrap message.
type Kind uint8

const (
	KindRankHeader Kind = iota + 1
	KindHeaderArray
	KindConnectionInfo
	KindConnectionInfoArray
	KindRendezvous
	KindRendezvousRelease
	KindExchange
	KindExchangeResult
	KindCollectiveLog
	KindSendRecvLog
	KindAbort
)

var kindNames = map[Kind]string{
	KindRankHeader:          "rank_header",
	KindHeaderArray:         "header_array",
	KindConnectionInfo:      "connection_info",
	KindConnectionInfoArray: "connection_info_array",
	KindRendezvous:          "rendezvous",
	KindRendezvousRelease:   "rendezvous_release",
	KindExchange:            "exchange",
	KindExchangeResult:      "exchange_result",
	KindCollectiveLog:       "collective_log",
	KindSendRecvLog:         "sendrecv_log",
	KindAbort:               "abort",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

const (
	frameMagic uint32 = 0x4843424D // "HCBM"

	flagZstd uint8 = 1 << 0
	flagLZ4  uint8 = 1 << 1

	// DefaultMaxPayload bounds a single decoded payload.
	DefaultMaxPayload = 64 << 20
)

var (
	ErrMalformed   = errors.New("malformed bootstrap message")
	ErrBadMagic    = errors.New("bad bootstrap frame magic")
	ErrTooLarge    = errors.New("bootstrap payload too large")
	ErrUnknownKind = errors.New("unknown bootstrap message kind")
)

// Header is the fixed-layout frame header.
type Header struct {
	Magic    uint32
	Kind     Kind
	Flags    uint8
	_        uint16
	Comm     hccltypes.UniqueID
	Rank     hccltypes.Rank
	CommSize uint32
	Tag      uint32
	Length   uint32
}

var headerSize = binary.Size(Header{})

// Message is one frame on the bootstrap stream.
type Message struct {
	Payload []byte
	Header
}

func (c *codec) writeMessage(w io.Writer, m Message) error {
	payload, flags, err := c.compress(m.Payload)
	if err != nil {
		return err
	}

	if len(payload) > DefaultMaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	h := m.Header
	h.Magic = frameMagic
	h.Flags = flags
	h.Length = uint32(len(payload)) //nolint:gosec // G115: bounded by DefaultMaxPayload

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(payload)))
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	buf.Write(payload)

	_, err = w.Write(buf.Bytes())
	return err
}

func (c *codec) readMessage(r io.Reader) (Message, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Message{}, err
	}

	if h.Magic != frameMagic {
		return Message{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}

	if _, ok := kindNames[h.Kind]; !ok {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, h.Kind)
	}

	if h.Length > DefaultMaxPayload {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, h.Length)
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("%w: short payload: %v", ErrMalformed, err)
	}

	payload, err := c.decompress(payload, h.Flags, DefaultMaxPayload)
	if err != nil {
		return Message{}, err
	}

	h.Flags = 0
	h.Length = uint32(len(payload)) //nolint:gosec // G115: bounded by DefaultMaxPayload

	return Message{Header: h, Payload: payload}, nil
}
