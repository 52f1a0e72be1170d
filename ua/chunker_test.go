// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

// pairedChannels returns two SignAndEncrypt channels whose nonces are
// cross-derived the way a real Issue exchange leaves them: a's local keys
// match b's remote keys and vice versa (spec.md §4.2), so chunks a signs
// and encrypts verify and decrypt cleanly against b.
func pairedChannels(t *testing.T) (a, b *SecureChannel) {
	t.Helper()
	policy, err := NewSecurityPolicy(SecurityPolicyURIBasic256Sha256)
	assert.NilError(t, err)

	a = NewSecureChannel(nil, MessageSecurityModeSignAndEncrypt, policy)
	b = NewSecureChannel(nil, MessageSecurityModeSignAndEncrypt, policy)

	nonceA := mustNonce(t, policy)
	nonceB := mustNonce(t, policy)
	a.localNonce, a.remoteNonce = nonceA, nonceB
	b.localNonce, b.remoteNonce = nonceB, nonceA

	assert.NilError(t, a.DeriveKeys())
	assert.NilError(t, b.DeriveKeys())
	return a, b
}

// feedAll runs chunks through d in order, returning the reassembled
// message and whether it completed.
func feedAll(d *Decoder, chunks []Chunk) ([]byte, bool, error) {
	var (
		msg  []byte
		done bool
		err  error
	)
	for _, ch := range chunks {
		msg, done, err = d.Feed(ch)
		if err != nil {
			return nil, false, err
		}
	}
	return msg, done, nil
}

func TestChunkerRoundTrip_SingleChunkNoSecurity(t *testing.T) {
	channel := NewSecureChannel(nil, MessageSecurityModeNone, nil)
	chunker := NewChunker(8192)
	body := []byte("OpenSecureChannelRequest body")

	chunks, lastSeq, err := chunker.Encode(channel, MessageTypeOpen, 1, 0, body)
	assert.NilError(t, err)
	assert.Equal(t, len(chunks), 1)
	assert.Equal(t, chunks[0].ChunkType, ChunkTypeFinal)
	assert.Equal(t, lastSeq, chunks[0].SequenceNumber)

	decoder := NewDecoder(channel, chunker)
	msg, done, err := feedAll(decoder, chunks)
	assert.NilError(t, err)
	assert.Assert(t, done)
	assert.DeepEqual(t, msg, body)
}

func TestChunkerRoundTrip_MultiChunkSignAndEncrypt(t *testing.T) {
	sender, receiver := pairedChannels(t)
	// Small enough that a realistic body spans several chunks.
	chunker := NewChunker(chunkHeaderSize + 8 + 16)

	body := bytes.Repeat([]byte("0123456789abcdef"), 10) // 160 bytes
	chunks, _, err := chunker.Encode(sender, MessageTypeMSG, 42, 0, body)
	assert.NilError(t, err)
	assert.Assert(t, len(chunks) > 1, "expected body to split across multiple chunks")

	for i, ch := range chunks[:len(chunks)-1] {
		assert.Equal(t, ch.ChunkType, ChunkTypeIntermediate, "chunk %d", i)
	}
	assert.Equal(t, chunks[len(chunks)-1].ChunkType, ChunkTypeFinal)

	// Sequence numbers are contiguous (wrap-aware) across the group.
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i].SequenceNumber, nextSequenceNumber(chunks[i-1].SequenceNumber))
	}

	decoder := NewDecoder(receiver, chunker)
	msg, done, err := feedAll(decoder, chunks)
	assert.NilError(t, err)
	assert.Assert(t, done)
	assert.DeepEqual(t, msg, body)
}

func TestChunkerRoundTrip_SignOnlyLeavesBodyReadable(t *testing.T) {
	policy, err := NewSecurityPolicy(SecurityPolicyURIBasic256Sha256)
	assert.NilError(t, err)
	sender := NewSecureChannel(nil, MessageSecurityModeSign, policy)
	receiver := NewSecureChannel(nil, MessageSecurityModeSign, policy)

	nonceA := mustNonce(t, policy)
	nonceB := mustNonce(t, policy)
	sender.localNonce, sender.remoteNonce = nonceA, nonceB
	receiver.localNonce, receiver.remoteNonce = nonceB, nonceA
	assert.NilError(t, sender.DeriveKeys())
	assert.NilError(t, receiver.DeriveKeys())

	chunker := NewChunker(8192)
	body := []byte("sign-only body, never encrypted on the wire")
	chunks, _, err := chunker.Encode(sender, MessageTypeMSG, 1, 0, body)
	assert.NilError(t, err)
	assert.Equal(t, len(chunks), 1)

	// Sign-only never encrypts: the plaintext is a prefix of the wire body.
	assert.Assert(t, bytes.HasPrefix(chunks[0].Body, body))

	decoder := NewDecoder(receiver, chunker)
	msg, done, err := feedAll(decoder, chunks)
	assert.NilError(t, err)
	assert.Assert(t, done)
	assert.DeepEqual(t, msg, body)
}

func TestChunkerDecoder_NonContiguousSequenceRejected(t *testing.T) {
	channel := NewSecureChannel(nil, MessageSecurityModeNone, nil)
	chunker := NewChunker(chunkHeaderSize + 8 + 8)
	body := bytes.Repeat([]byte("x"), 40)

	chunks, _, err := chunker.Encode(channel, MessageTypeMSG, 7, 0, body)
	assert.NilError(t, err)
	assert.Assert(t, len(chunks) >= 2)

	decoder := NewDecoder(channel, chunker)
	_, done, err := decoder.Feed(chunks[0])
	assert.NilError(t, err)
	assert.Assert(t, !done)

	// Skip ahead: bump the sequence number past what the decoder expects.
	skipped := chunks[1]
	skipped.SequenceNumber = nextSequenceNumber(nextSequenceNumber(chunks[0].SequenceNumber))
	_, _, err = decoder.Feed(skipped)
	assert.Assert(t, err != nil)
	assert.Equal(t, errors.Cause(err), BadSequenceNumberInvalid)

	// The failed group must not linger: its request id is free to reuse.
	_, done, err = decoder.Feed(chunks[0])
	assert.NilError(t, err)
	assert.Assert(t, !done)
}

func TestChunkerDecoder_AbortChunkInterruptsGroup(t *testing.T) {
	channel := NewSecureChannel(nil, MessageSecurityModeNone, nil)
	chunker := NewChunker(chunkHeaderSize + 8 + 8)
	body := bytes.Repeat([]byte("y"), 40)

	chunks, _, err := chunker.Encode(channel, MessageTypeMSG, 9, 0, body)
	assert.NilError(t, err)
	assert.Assert(t, len(chunks) >= 2)

	decoder := NewDecoder(channel, chunker)
	_, done, err := decoder.Feed(chunks[0])
	assert.NilError(t, err)
	assert.Assert(t, !done)

	abort := chunks[1]
	abort.ChunkType = ChunkTypeAbort
	abort.SequenceNumber = nextSequenceNumber(chunks[0].SequenceNumber)
	_, done, err = decoder.Feed(abort)
	assert.Assert(t, !done)
	assert.Equal(t, errors.Cause(err), BadRequestInterrupted)

	// The aborted group is gone; a fresh Final for the same request id
	// starts a clean group rather than resuming the aborted one.
	fresh := Chunk{MessageType: MessageTypeMSG, ChunkType: ChunkTypeFinal, SequenceNumber: 1, RequestID: 9, Body: []byte("restart")}
	msg, done, err := decoder.Feed(fresh)
	assert.NilError(t, err)
	assert.Assert(t, done)
	assert.DeepEqual(t, msg, []byte("restart"))
}

func TestChunkerDecoder_SignatureTamperRejected(t *testing.T) {
	sender, receiver := pairedChannels(t)
	chunker := NewChunker(8192)
	chunks, _, err := chunker.Encode(sender, MessageTypeMSG, 3, 0, []byte("tamper me"))
	assert.NilError(t, err)
	assert.Equal(t, len(chunks), 1)

	tampered := chunks[0]
	tampered.Body = append([]byte{}, tampered.Body...)
	tampered.Body[0] ^= 0xFF

	decoder := NewDecoder(receiver, chunker)
	_, _, err = decoder.Feed(tampered)
	assert.Assert(t, err != nil)
	assert.Equal(t, errors.Cause(err), BadSecurityChecksFailed)
}

func TestChunkerEncode_RejectsUndersizedMaxChunkSize(t *testing.T) {
	channel := NewSecureChannel(nil, MessageSecurityModeNone, nil)
	chunker := NewChunker(chunkHeaderSize)
	_, _, err := chunker.Encode(channel, MessageTypeMSG, 1, 0, []byte("x"))
	assert.Assert(t, err != nil)
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, EncodeHeader(&buf, MessageTypeOpen, ChunkTypeFinal, 123))

	r := bytes.NewReader(buf.Bytes())
	mt, ct, size, err := DecodeHeader(r)
	assert.NilError(t, err)
	assert.Equal(t, mt, MessageTypeOpen)
	assert.Equal(t, ct, ChunkTypeFinal)
	assert.Equal(t, size, uint32(123))
}

func TestEncodeHeader_RejectsWrongLengthMessageType(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeHeader(&buf, "OPEN", ChunkTypeFinal, 1)
	assert.Assert(t, err != nil)
}
