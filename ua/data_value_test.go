// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"gotest.tools/assert"
)

func encodeInt32(buf *bytes.Buffer, v Variant) error {
	return binary.Write(buf, binary.LittleEndian, v.(int32))
}

func decodeInt32(r *bytes.Reader) (Variant, error) {
	var v int32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TestDataValueRoundTrip exercises spec.md §8 end-to-end scenario 6:
// server_ps without a paired server timestamp is dropped on decode.
func TestDataValueRoundTrip(t *testing.T) {
	good := Good
	srcTs := DateTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	srcPs := uint16(500)
	serverPs := uint16(777)

	dv := &DataValue{
		Value:             int32(42),
		Status:            &good,
		SourceTimestamp:   &srcTs,
		SourcePicoseconds: &srcPs,
		ServerPicoseconds: &serverPs, // no ServerTimestamp paired with it
	}

	encoded, err := EncodeDataValue(dv, encodeInt32)
	assert.NilError(t, err)

	decoded, err := DecodeDataValue(encoded, decodeInt32)
	assert.NilError(t, err)

	assert.Equal(t, decoded.Value.(int32), int32(42))
	assert.Assert(t, decoded.Status != nil && *decoded.Status == Good)
	assert.Assert(t, decoded.SourceTimestamp != nil)
	assert.Assert(t, decoded.SourcePicoseconds != nil && *decoded.SourcePicoseconds == 500)
	assert.Assert(t, decoded.ServerTimestamp == nil)
	assert.Assert(t, decoded.ServerPicoseconds == nil, "server picoseconds must be discarded without a paired timestamp")
}

// TestDataValueNormalizeMatchesRoundTrip checks the round-trip
// invariant decode(encode(d)) == normalize(d) over a representative set
// of field subsets, comparing which optional fields are present.
func TestDataValueNormalizeMatchesRoundTrip(t *testing.T) {
	good := Good
	ts := DateTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	ps := uint16(42)

	cases := []*DataValue{
		{},
		{Value: int32(1)},
		{Status: &good},
		{SourceTimestamp: &ts, SourcePicoseconds: &ps},
		{SourcePicoseconds: &ps}, // picoseconds without timestamp: normalize drops it
		{ServerTimestamp: &ts, ServerPicoseconds: &ps},
		{Value: int32(7), Status: &good, SourceTimestamp: &ts, SourcePicoseconds: &ps, ServerTimestamp: &ts, ServerPicoseconds: &ps},
	}

	for i, dv := range cases {
		encoded, err := EncodeDataValue(dv, encodeInt32)
		assert.NilError(t, err, "case %d", i)
		decoded, err := DecodeDataValue(encoded, decodeInt32)
		assert.NilError(t, err, "case %d", i)
		normalized := dv.Normalize()

		assert.Equal(t, decoded.SourcePicoseconds == nil, normalized.SourcePicoseconds == nil, "case %d", i)
		assert.Equal(t, decoded.ServerPicoseconds == nil, normalized.ServerPicoseconds == nil, "case %d", i)
		assert.Equal(t, decoded.SourceTimestamp == nil, normalized.SourceTimestamp == nil, "case %d", i)
		assert.Equal(t, decoded.ServerTimestamp == nil, normalized.ServerTimestamp == nil, "case %d", i)
	}
}
