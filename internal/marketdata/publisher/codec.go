package publisher

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/klauspost/compress/zlib"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire schema, proto3:
//
//	enum Level { L1 = 0; L2 = 1; L3 = 2; }
//	message PriceLevel { sint64 price = 1; sint64 size = 2; sint64 total = 3; }
//	message Heartbeat { int64 timestamp = 1; uint64 sequence = 2; }
//	message MarketUpdate {
//	  uint64 sequence = 1; int64 timestamp = 2; string market_id = 3; Level level = 4;
//	  repeated PriceLevel bids = 5; repeated PriceLevel asks = 6;
//	  bool is_snapshot = 7; bool ack_requested = 8;
//	}
//	message RealtimeMessage { oneof content { Heartbeat heartbeat = 1; MarketUpdate update = 2; BatchMessage batch = 3; } }
//	message BatchMessage { repeated RealtimeMessage messages = 1; }
//
// Prices and sizes travel as scaled integers.

var ErrMalformedMessage = errors.New("publisher: malformed message")

// Level is the depth tier of an update.
type Level int

const (
	L1 Level = iota
	L2
	L3
)

func (l Level) String() string {
	switch l {
	case L1:
		return "l1"
	case L2:
		return "l2"
	case L3:
		return "l3"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// PriceLevel is one changed bucket; Size 0 removes the level.
type PriceLevel struct {
	Price fixedpoint.Amount
	Size  fixedpoint.Amount
	Total fixedpoint.Amount
}

type Heartbeat struct {
	Timestamp int64
	Sequence  uint64
}

type Update struct {
	Sequence     uint64
	Timestamp    int64
	MarketID     string
	Level        Level
	Bids         []PriceLevel
	Asks         []PriceLevel
	IsSnapshot   bool
	AckRequested bool
}

type Batch struct {
	Messages []Message
}

// Message is the oneof envelope; exactly one field is set.
type Message struct {
	Heartbeat *Heartbeat
	Update    *Update
	Batch     *Batch
}

// Marshal encodes m in protobuf wire format.
func (m Message) Marshal() []byte { return appendMessage(nil, m) }

func appendMessage(b []byte, m Message) []byte {
	switch {
	case m.Heartbeat != nil:
		var inner []byte
		inner = appendVarint(inner, 1, uint64(m.Heartbeat.Timestamp))
		inner = appendVarint(inner, 2, m.Heartbeat.Sequence)
		b = appendBytes(b, 1, inner)
	case m.Update != nil:
		b = appendBytes(b, 2, appendUpdate(nil, m.Update))
	case m.Batch != nil:
		var inner []byte
		for _, sub := range m.Batch.Messages {
			inner = appendBytes(inner, 1, appendMessage(nil, sub))
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func appendUpdate(b []byte, u *Update) []byte {
	b = appendVarint(b, 1, u.Sequence)
	b = appendVarint(b, 2, uint64(u.Timestamp))
	if u.MarketID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, u.MarketID)
	}
	b = appendVarint(b, 4, uint64(u.Level))
	for _, l := range u.Bids {
		b = appendBytes(b, 5, appendPriceLevel(nil, l))
	}
	for _, l := range u.Asks {
		b = appendBytes(b, 6, appendPriceLevel(nil, l))
	}
	if u.IsSnapshot {
		b = appendVarint(b, 7, 1)
	}
	if u.AckRequested {
		b = appendVarint(b, 8, 1)
	}
	return b
}

func appendPriceLevel(b []byte, l PriceLevel) []byte {
	b = appendVarint(b, 1, protowire.EncodeZigZag(int64(l.Price)))
	b = appendVarint(b, 2, protowire.EncodeZigZag(int64(l.Size)))
	return appendVarint(b, 3, protowire.EncodeZigZag(int64(l.Total)))
}

// appendVarint skips zero values as proto3 does.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func nextField(b []byte) (field, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return field{}, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	b = b[n:]
	f := field{num: num, typ: typ}
	switch typ {
	case protowire.VarintType:
		f.varint, n = protowire.ConsumeVarint(b)
	case protowire.BytesType:
		f.bytes, n = protowire.ConsumeBytes(b)
	default:
		n = protowire.ConsumeFieldValue(num, typ, b)
	}
	if n < 0 {
		return field{}, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	return f, b[n:], nil
}

// Unmarshal decodes a protobuf-encoded Message. Unknown fields are skipped.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		f, rest, err := nextField(b)
		if err != nil {
			return Message{}, err
		}
		b = rest
		if f.typ != protowire.BytesType {
			continue
		}
		switch f.num {
		case 1:
			hb, err := unmarshalHeartbeat(f.bytes)
			if err != nil {
				return Message{}, err
			}
			m = Message{Heartbeat: &hb}
		case 2:
			u, err := unmarshalUpdate(f.bytes)
			if err != nil {
				return Message{}, err
			}
			m = Message{Update: &u}
		case 3:
			batch, err := unmarshalBatch(f.bytes)
			if err != nil {
				return Message{}, err
			}
			m = Message{Batch: &batch}
		}
	}
	return m, nil
}

func unmarshalHeartbeat(b []byte) (Heartbeat, error) {
	var hb Heartbeat
	for len(b) > 0 {
		f, rest, err := nextField(b)
		if err != nil {
			return hb, err
		}
		b = rest
		switch f.num {
		case 1:
			hb.Timestamp = int64(f.varint)
		case 2:
			hb.Sequence = f.varint
		}
	}
	return hb, nil
}

func unmarshalUpdate(b []byte) (Update, error) {
	var u Update
	for len(b) > 0 {
		f, rest, err := nextField(b)
		if err != nil {
			return u, err
		}
		b = rest
		switch f.num {
		case 1:
			u.Sequence = f.varint
		case 2:
			u.Timestamp = int64(f.varint)
		case 3:
			u.MarketID = string(f.bytes)
		case 4:
			u.Level = Level(f.varint)
		case 5, 6:
			l, err := unmarshalPriceLevel(f.bytes)
			if err != nil {
				return u, err
			}
			if f.num == 5 {
				u.Bids = append(u.Bids, l)
			} else {
				u.Asks = append(u.Asks, l)
			}
		case 7:
			u.IsSnapshot = f.varint != 0
		case 8:
			u.AckRequested = f.varint != 0
		}
	}
	return u, nil
}

func unmarshalPriceLevel(b []byte) (PriceLevel, error) {
	var l PriceLevel
	for len(b) > 0 {
		f, rest, err := nextField(b)
		if err != nil {
			return l, err
		}
		b = rest
		v := fixedpoint.Amount(protowire.DecodeZigZag(f.varint))
		switch f.num {
		case 1:
			l.Price = v
		case 2:
			l.Size = v
		case 3:
			l.Total = v
		}
	}
	return l, nil
}

func unmarshalBatch(b []byte) (Batch, error) {
	var batch Batch
	for len(b) > 0 {
		f, rest, err := nextField(b)
		if err != nil {
			return batch, err
		}
		b = rest
		if f.num != 1 || f.typ != protowire.BytesType {
			continue
		}
		sub, err := Unmarshal(f.bytes)
		if err != nil {
			return batch, err
		}
		batch.Messages = append(batch.Messages, sub)
	}
	return batch, nil
}

// Envelope is the JSON payload carried by the channel. C is 1 when Data is
// zlib-compressed.
type Envelope struct {
	Data string `json:"data"`
	C    int    `json:"c"`
}

// Encoder packs messages into envelopes. Not safe for concurrent use.
type Encoder struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.zw, _ = zlib.NewWriterLevel(&e.buf, zlib.BestSpeed)
	return e
}

// Encode marshals, compresses and base64-wraps m.
func (e *Encoder) Encode(m Message) ([]byte, error) {
	e.buf.Reset()
	e.zw.Reset(&e.buf)
	if _, err := e.zw.Write(m.Marshal()); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := e.zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return json.Marshal(Envelope{Data: base64.StdEncoding.EncodeToString(e.buf.Bytes()), C: 1})
}

// Decode reverses Encoder.Encode. Uncompressed envelopes (c = 0) are accepted.
func Decode(payload []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.C == 1 {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	return Unmarshal(raw)
}
