// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// DataValue mask bits (spec.md §4.9 / §6).
const (
	dataValueHasValue      byte = 0x01
	dataValueHasStatus     byte = 0x02
	dataValueHasSourceTs   byte = 0x04
	dataValueHasServerTs   byte = 0x08
	dataValueHasSourcePs   byte = 0x10
	dataValueHasServerPs   byte = 0x20
)

// DataValue is a value plus optional status and timestamps, the atomic
// unit of variable reads/writes.
//
// XML/JSON naming note (spec.md §6, §9): the status field is tagged
// "StatusCode" in the XML encoding but "Status" in JSON, the one place
// this asymmetry occurs for this struct. Binary is the only encoding
// this core implements; any future XML/JSON encoder must special-case
// this field's tag per encoding rather than sharing one struct tag.
type DataValue struct {
	Value            Variant
	Status           *StatusCode
	SourceTimestamp  *DateTime
	SourcePicoseconds *uint16
	ServerTimestamp  *DateTime
	ServerPicoseconds *uint16
}

// mask computes the encoding mask per spec.md §4.9: a picoseconds bit is
// never set when its paired timestamp field is absent.
func (d *DataValue) mask() byte {
	var m byte
	if d.Value != nil {
		m |= dataValueHasValue
	}
	if d.Status != nil {
		m |= dataValueHasStatus
	}
	if d.SourceTimestamp != nil {
		m |= dataValueHasSourceTs
		if d.SourcePicoseconds != nil {
			m |= dataValueHasSourcePs
		}
	}
	if d.ServerTimestamp != nil {
		m |= dataValueHasServerTs
		if d.ServerPicoseconds != nil {
			m |= dataValueHasServerPs
		}
	}
	return m
}

// Normalize returns a copy of d with picoseconds cleared wherever their
// paired timestamp is absent, matching what Decode(Encode(d)) yields
// (spec.md §8 round-trip property).
func (d *DataValue) Normalize() *DataValue {
	n := *d
	if n.SourceTimestamp == nil {
		n.SourcePicoseconds = nil
	}
	if n.ServerTimestamp == nil {
		n.ServerPicoseconds = nil
	}
	return &n
}

// EncodeDataValue writes the binary representation described in spec.md
// §6: a 1-byte mask, then present fields in order Value, Status (as
// u32), SourceTs, SourcePs (u16), ServerTs, ServerPs (u16).
func EncodeDataValue(d *DataValue, encodeValue func(*bytes.Buffer, Variant) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	m := d.mask()
	buf.WriteByte(m)

	if m&dataValueHasValue != 0 {
		if encodeValue == nil {
			return nil, errors.New("EncodeDataValue: Value present but no value encoder supplied")
		}
		if err := encodeValue(buf, d.Value); err != nil {
			return nil, errors.Wrap(err, "encode Value")
		}
	}
	if m&dataValueHasStatus != 0 {
		if err := binary.Write(buf, binary.LittleEndian, uint32(*d.Status)); err != nil {
			return nil, errors.Wrap(err, "encode Status")
		}
	}
	if m&dataValueHasSourceTs != 0 {
		if err := writeDateTime(buf, *d.SourceTimestamp); err != nil {
			return nil, err
		}
	}
	if m&dataValueHasSourcePs != 0 {
		if err := binary.Write(buf, binary.LittleEndian, *d.SourcePicoseconds); err != nil {
			return nil, errors.Wrap(err, "encode SourcePicoseconds")
		}
	}
	if m&dataValueHasServerTs != 0 {
		if err := writeDateTime(buf, *d.ServerTimestamp); err != nil {
			return nil, err
		}
	}
	if m&dataValueHasServerPs != 0 {
		if err := binary.Write(buf, binary.LittleEndian, *d.ServerPicoseconds); err != nil {
			return nil, errors.Wrap(err, "encode ServerPicoseconds")
		}
	}
	return buf.Bytes(), nil
}

// DecodeDataValue parses the binary representation written by
// EncodeDataValue. Both timestamps are decoded as-is off the wire, with
// no client-offset correction applied here: spec.md §4.9 requires the
// ambient client offset be explicitly zeroed for the source timestamp
// (source times are authoritative) but applied to the server timestamp,
// and since the service codec — not this package — owns decoding real
// responses (ua.BodyCodec is an external collaborator, spec.md §1), that
// asymmetry is the codec implementation's responsibility to enforce, not
// this function's.
func DecodeDataValue(data []byte, decodeValue func(*bytes.Reader) (Variant, error)) (*DataValue, error) {
	r := bytes.NewReader(data)
	m, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "read mask")
	}
	d := &DataValue{}

	if m&dataValueHasValue != 0 {
		if decodeValue == nil {
			return nil, errors.New("DecodeDataValue: Value present but no value decoder supplied")
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode Value")
		}
		d.Value = v
	}
	if m&dataValueHasStatus != 0 {
		var s uint32
		if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
			return nil, errors.Wrap(err, "decode Status")
		}
		sc := StatusCode(s)
		d.Status = &sc
	}
	if m&dataValueHasSourceTs != 0 {
		ts, err := readDateTime(r)
		if err != nil {
			return nil, err
		}
		d.SourceTimestamp = &ts
	}
	if m&dataValueHasSourcePs != 0 {
		var ps uint16
		if err := binary.Read(r, binary.LittleEndian, &ps); err != nil {
			return nil, errors.Wrap(err, "decode SourcePicoseconds")
		}
		// Discard picoseconds whose paired timestamp is absent.
		if d.SourceTimestamp != nil {
			d.SourcePicoseconds = &ps
		}
	}
	if m&dataValueHasServerTs != 0 {
		ts, err := readDateTime(r)
		if err != nil {
			return nil, err
		}
		d.ServerTimestamp = &ts
	}
	if m&dataValueHasServerPs != 0 {
		var ps uint16
		if err := binary.Read(r, binary.LittleEndian, &ps); err != nil {
			return nil, errors.Wrap(err, "decode ServerPicoseconds")
		}
		if d.ServerTimestamp != nil {
			d.ServerPicoseconds = &ps
		}
	}
	return d, nil
}

func writeDateTime(buf *bytes.Buffer, t DateTime) error {
	// 100ns ticks since the OPC UA epoch (1601-01-01), little-endian i64.
	ticks := timeToTicks(time.Time(t))
	return binary.Write(buf, binary.LittleEndian, ticks)
}

func readDateTime(r *bytes.Reader) (DateTime, error) {
	var ticks int64
	if err := binary.Read(r, binary.LittleEndian, &ticks); err != nil {
		return DateTime{}, errors.Wrap(err, "decode DateTime")
	}
	return DateTime(ticksToTime(ticks)), nil
}

var uaEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

func timeToTicks(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Sub(uaEpoch).Nanoseconds() / 100
}

func ticksToTime(ticks int64) time.Time {
	if ticks == 0 {
		return time.Time{}
	}
	return uaEpoch.Add(time.Duration(ticks) * 100)
}
