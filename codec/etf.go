package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ws"
	"nhooyr.io/websocket"
)

// Erlang external term format tags
const (
	etfVersion       byte = 131
	etfNewFloat      byte = 70
	etfSmallInteger  byte = 97
	etfInteger       byte = 98
	etfFloat         byte = 99
	etfAtom          byte = 100
	etfSmallTuple    byte = 104
	etfLargeTuple    byte = 105
	etfNil           byte = 106
	etfString        byte = 107
	etfList          byte = 108
	etfBinary        byte = 109
	etfSmallBig      byte = 110
	etfLargeBig      byte = 111
	etfSmallAtom     byte = 115
	etfMap           byte = 116
	etfAtomUtf8      byte = 118
	etfSmallAtomUtf8 byte = 119
)

var (
	errTruncated   = errors.New("etf: truncated term")
	errBadVersion  = errors.New("etf: missing version byte")
	errNotAMap     = errors.New("etf: payload is not a map")
	errUnsupported = errors.New("etf: unsupported type")
)

type etfCodec struct{}

func NewETF() Codec {
	return etfCodec{}
}

func (etfCodec) Name() string {
	return "etf"
}

func (etfCodec) Encode(p *payloads.Payload) (ws.Message, error) {
	data, err := toGeneric(p.Data)
	if err != nil {
		return ws.Message{}, err
	}

	var eventName interface{}
	if p.EventName != "" {
		eventName = p.EventName
	}

	var sequence interface{}
	if p.SequenceNumber != nil {
		sequence = *p.SequenceNumber
	}

	buf := bytes.NewBuffer([]byte{etfVersion})
	err = encodeTerm(buf, map[string]interface{}{
		"op": int64(p.Opcode),
		"d":  data,
		"s":  sequence,
		"t":  eventName,
	})
	if err != nil {
		return ws.Message{}, err
	}

	return ws.Message{
		Type: websocket.MessageBinary,
		Data: buf.Bytes(),
	}, nil
}

func (c etfCodec) Decode(frame ws.Frame) (*payloads.Payload, error) {
	data := frame.Data
	if len(data) > 0 && data[0] != etfVersion {
		var err error
		if data, err = inflate(c.Name(), data); err != nil {
			return nil, err
		}
	}

	if len(data) == 0 || data[0] != etfVersion {
		return nil, &DecodeError{Codec: c.Name(), Err: errBadVersion}
	}

	d := &etfDecoder{data: data[1:]}
	term, err := d.term()
	if err != nil {
		return nil, &DecodeError{Codec: c.Name(), Err: err}
	}

	fields, ok := term.(map[string]interface{})
	if !ok {
		return nil, &DecodeError{Codec: c.Name(), Err: errNotAMap}
	}

	op, ok := fields["op"].(int64)
	if !ok {
		return nil, &DecodeError{Codec: c.Name(), Err: fmt.Errorf("etf: op is %T", fields["op"])}
	}

	payload := &payloads.Payload{
		Opcode: payloads.Opcode(op),
		Data:   fields["d"],
	}

	if seq, ok := fields["s"].(int64); ok {
		payload.SequenceNumber = &seq
	}

	if name, ok := fields["t"].(string); ok {
		payload.EventName = name
	}

	return payload, nil
}

func encodeTerm(buf *bytes.Buffer, v interface{}) error {
	switch value := v.(type) {
	case nil:
		writeAtom(buf, "nil")
	case bool:
		if value {
			writeAtom(buf, "true")
		} else {
			writeAtom(buf, "false")
		}
	case string:
		buf.WriteByte(etfBinary)
		writeUint32(buf, uint32(len(value)))
		buf.WriteString(value)
	case int:
		writeInteger(buf, int64(value))
	case int64:
		writeInteger(buf, value)
	case float64:
		buf.WriteByte(etfNewFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(value))
		buf.Write(b[:])
	case []interface{}:
		if len(value) == 0 {
			buf.WriteByte(etfNil)
			return nil
		}

		buf.WriteByte(etfList)
		writeUint32(buf, uint32(len(value)))
		for _, item := range value {
			if err := encodeTerm(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(etfNil)
	case map[string]interface{}:
		buf.WriteByte(etfMap)
		writeUint32(buf, uint32(len(value)))

		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			if err := encodeTerm(buf, key); err != nil {
				return err
			}

			if err := encodeTerm(buf, value[key]); err != nil {
				return err
			}
		}
	default:
		generic, err := toGeneric(v)
		if err != nil {
			return fmt.Errorf("%w: %T: %v", errUnsupported, v, err)
		}

		return encodeTerm(buf, generic)
	}

	return nil
}

func writeAtom(buf *bytes.Buffer, atom string) {
	buf.WriteByte(etfSmallAtomUtf8)
	buf.WriteByte(byte(len(atom)))
	buf.WriteString(atom)
}

func writeUint32(buf *bytes.Buffer, n uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	buf.Write(b[:])
}

func writeInteger(buf *bytes.Buffer, n int64) {
	switch {
	case n >= 0 && n <= math.MaxUint8:
		buf.WriteByte(etfSmallInteger)
		buf.WriteByte(byte(n))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		buf.WriteByte(etfInteger)
		writeUint32(buf, uint32(int32(n)))
	default:
		sign := byte(0)
		magnitude := uint64(n)
		if n < 0 {
			sign = 1
			magnitude = uint64(-(n + 1)) + 1
		}

		var digits []byte
		for magnitude > 0 {
			digits = append(digits, byte(magnitude&0xff))
			magnitude >>= 8
		}

		buf.WriteByte(etfSmallBig)
		buf.WriteByte(byte(len(digits)))
		buf.WriteByte(sign)
		buf.Write(digits)
	}
}

type etfDecoder struct {
	data []byte
	pos  int
}

func (d *etfDecoder) read(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, errTruncated
	}

	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *etfDecoder) readByte() (byte, error) {
	b, err := d.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *etfDecoder) readUint16() (int, error) {
	b, err := d.read(2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b)), nil
}

func (d *etfDecoder) readUint32() (int, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

func (d *etfDecoder) term() (interface{}, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case etfSmallInteger:
		b, err := d.readByte()
		return int64(b), err
	case etfInteger:
		b, err := d.read(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case etfNewFloat:
		b, err := d.read(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case etfFloat:
		b, err := d.read(31)
		if err != nil {
			return nil, err
		}
		var f float64
		_, err = fmt.Sscanf(string(bytes.TrimRight(b, "\x00")), "%f", &f)
		return f, err
	case etfAtom, etfAtomUtf8:
		n, err := d.readUint16()
		if err != nil {
			return nil, err
		}
		return d.atom(n)
	case etfSmallAtom, etfSmallAtomUtf8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.atom(int(n))
	case etfNil:
		return []interface{}{}, nil
	case etfString:
		n, err := d.readUint16()
		if err != nil {
			return nil, err
		}
		b, err := d.read(n)
		return string(b), err
	case etfBinary:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		b, err := d.read(n)
		return string(b), err
	case etfList:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		list, err := d.terms(n)
		if err != nil {
			return nil, err
		}
		// improper tail, normally NIL_EXT
		if _, err := d.term(); err != nil {
			return nil, err
		}
		return list, nil
	case etfSmallTuple:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.terms(int(n))
	case etfLargeTuple:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return d.terms(n)
	case etfSmallBig:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.readBig(int(n))
	case etfLargeBig:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return d.readBig(n)
	case etfMap:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}

		// every pair is at least two bytes
		if n > (len(d.data)-d.pos)/2 {
			return nil, errTruncated
		}

		m := make(map[string]interface{}, n)
		for i := 0; i < n; i++ {
			key, err := d.term()
			if err != nil {
				return nil, err
			}

			value, err := d.term()
			if err != nil {
				return nil, err
			}

			m[fmt.Sprint(key)] = value
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", errUnsupported, tag)
	}
}

func (d *etfDecoder) terms(n int) ([]interface{}, error) {
	if n > len(d.data)-d.pos {
		return nil, errTruncated
	}

	list := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		item, err := d.term()
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}

	return list, nil
}

func (d *etfDecoder) atom(n int) (interface{}, error) {
	b, err := d.read(n)
	if err != nil {
		return nil, err
	}

	switch atom := string(b); atom {
	case "nil":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return atom, nil
	}
}

// readBig decodes a little-endian bignum, as int64 when it fits and as a decimal string otherwise.
func (d *etfDecoder) readBig(n int) (interface{}, error) {
	sign, err := d.readByte()
	if err != nil {
		return nil, err
	}

	digits, err := d.read(n)
	if err != nil {
		return nil, err
	}

	bigEndian := make([]byte, n)
	for i, digit := range digits {
		bigEndian[n-1-i] = digit
	}

	value := new(big.Int).SetBytes(bigEndian)
	if sign == 1 {
		value.Neg(value)
	}

	if value.IsInt64() {
		return value.Int64(), nil
	}

	return value.String(), nil
}
