// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"bytes"
	"encoding/binary"

	"github.com/djherbis/buffer"
	"github.com/gammazero/deque"
	"github.com/pkg/errors"
)

// Message type and chunk type markers of the OPC UA TCP wire format
// (spec.md §6): 3-byte type, 1-byte chunk type, 4-byte total size LE.
const (
	MessageTypeHello  = "HEL"
	MessageTypeAck    = "ACK"
	MessageTypeError  = "ERR"
	MessageTypeOpen   = "OPN"
	MessageTypeClose  = "CLO"
	MessageTypeMSG    = "MSG"

	ChunkTypeFinal        byte = 'F'
	ChunkTypeIntermediate byte = 'C'
	ChunkTypeAbort        byte = 'A'

	chunkHeaderSize = 8 // 3 (type) + 1 (chunk type) + 4 (size)
)

// Chunk is one framing unit of the binary transport: a header, a
// sequence number, a request id, and a signed/encrypted body (spec.md
// GLOSSARY).
type Chunk struct {
	MessageType    string
	ChunkType      byte
	SequenceNumber uint32
	RequestID      uint32
	Body           []byte
}

// Chunker frames ResponseMessages/RequestMessages into chunks against an
// owning SecureChannel snapshot and reassembles received chunks back
// into one logical message (spec.md §4.3).
type Chunker struct {
	MaxChunkSize int
	bufferPool   buffer.Pool
}

// NewChunker returns a Chunker with the given negotiated max chunk size.
func NewChunker(maxChunkSize int) *Chunker {
	return &Chunker{
		MaxChunkSize: maxChunkSize,
		bufferPool:   buffer.NewMemPoolAt(int64(maxChunkSize)),
	}
}

// nextSequenceNumber advances seq by one, wrapping per spec.md §4.3 ("wrap
// allowed per spec") at the 32-bit boundary, skipping the reserved value
// 0.
func nextSequenceNumber(seq uint32) uint32 {
	seq++
	if seq == 0 {
		seq = 1
	}
	return seq
}

// Encode splits body into one or more signed/encrypted chunks no larger
// than c.MaxChunkSize, sequence-numbered and tagged with requestID.
// channel is an immutable snapshot (spec.md §9): the caller owns
// advancing its own sequence-number counter between calls.
func (c *Chunker) Encode(channel *SecureChannel, messageType string, requestID uint32, startSeq uint32, body []byte) ([]Chunk, uint32, error) {
	if c.MaxChunkSize <= chunkHeaderSize {
		return nil, startSeq, errors.New("Chunker: MaxChunkSize too small")
	}
	payloadPerChunk := c.MaxChunkSize - chunkHeaderSize - 8 // reserve room for sequence header
	if payloadPerChunk <= 0 {
		return nil, startSeq, errors.Wrap(BadTcpMessageTooLarge, "chunk size too small for sequence header")
	}

	var chunks []Chunk
	seq := startSeq
	remaining := body
	for {
		n := len(remaining)
		chunkType := ChunkTypeFinal
		if n > payloadPerChunk {
			n = payloadPerChunk
			chunkType = ChunkTypeIntermediate
		}
		piece := remaining[:n]
		remaining = remaining[n:]

		seq = nextSequenceNumber(seq)
		signed, err := signAndEncrypt(channel, piece)
		if err != nil {
			return nil, seq, err
		}

		chunks = append(chunks, Chunk{
			MessageType:    messageType,
			ChunkType:      chunkType,
			SequenceNumber: seq,
			RequestID:      requestID,
			Body:           signed,
		})

		if len(remaining) == 0 {
			break
		}
	}
	return chunks, seq, nil
}

func signAndEncrypt(channel *SecureChannel, plain []byte) ([]byte, error) {
	policy := channel.SecurityPolicy()
	if policy == nil || channel.SecurityMode() == MessageSecurityModeNone {
		return plain, nil
	}
	keys := channel.LocalKeys()
	cipher, err := policy.Encrypt(plain, keys.EncryptKey, keys.InitVector)
	if err != nil {
		return nil, errors.Wrap(BadSecurityChecksFailed, err.Error())
	}
	if channel.SecurityMode() == MessageSecurityModeSign {
		// Sign-only: append signature, do not encrypt the body.
		sig, err := policy.Sign(plain, keys.SigningKey)
		if err != nil {
			return nil, errors.Wrap(BadSecurityChecksFailed, err.Error())
		}
		return append(append([]byte{}, plain...), sig...), nil
	}
	sig, err := policy.Sign(cipher, keys.SigningKey)
	if err != nil {
		return nil, errors.Wrap(BadSecurityChecksFailed, err.Error())
	}
	return append(cipher, sig...), nil
}

func verifyAndDecrypt(channel *SecureChannel, body []byte) ([]byte, error) {
	policy := channel.SecurityPolicy()
	if policy == nil || channel.SecurityMode() == MessageSecurityModeNone {
		return body, nil
	}
	keys := channel.RemoteKeys()
	sigLen := len(keys.SigningKey)
	if sigLen == 0 || len(body) < sigLen {
		return nil, errors.Wrap(BadSecurityChecksFailed, "chunk too short for signature")
	}
	payload, sig := body[:len(body)-sigLen], body[len(body)-sigLen:]

	if channel.SecurityMode() == MessageSecurityModeSign {
		if err := policy.Verify(payload, sig, keys.SigningKey); err != nil {
			return nil, errors.Wrap(BadSecurityChecksFailed, "signature verification failed")
		}
		return payload, nil
	}

	// SignAndEncrypt: verify the signature over the still-encrypted
	// payload before any decrypted bytes are exposed to higher layers
	// (spec.md §4.3).
	if err := policy.Verify(payload, sig, keys.SigningKey); err != nil {
		return nil, errors.Wrap(BadSecurityChecksFailed, "signature verification failed")
	}
	plain, err := policy.Decrypt(payload, keys.EncryptKey, keys.InitVector)
	if err != nil {
		return nil, errors.Wrap(BadSecurityChecksFailed, err.Error())
	}
	return plain, nil
}

// pendingGroup tracks the chunks received so far for one request id
// that has not yet completed with a Final (or Abort) chunk.
type pendingGroup struct {
	lastSeq   uint32
	haveSeq   bool
	parts     deque.Deque[[]byte]
	aborted   bool
}

// Decoder reassembles chunks sharing a request id into one logical
// message, verifying per-chunk signatures and sequence-number
// continuity (spec.md §4.3).
type Decoder struct {
	channel    *SecureChannel
	bufferPool buffer.Pool
	groups     map[uint32]*pendingGroup
}

// NewDecoder returns a Decoder that verifies/decrypts against channel,
// reassembling multi-chunk bodies using c's pooled buffers rather than
// a fresh allocation per request.
func NewDecoder(channel *SecureChannel, c *Chunker) *Decoder {
	return &Decoder{channel: channel, bufferPool: c.bufferPool, groups: make(map[uint32]*pendingGroup)}
}

// Feed processes one received chunk. It returns (message, true, nil)
// once a Final chunk completes the group for its request id; otherwise
// it returns (nil, false, nil) while the group is still accumulating,
// or a non-nil error on a framing/security failure per spec.md §4.3's
// failure modes.
func (d *Decoder) Feed(ch Chunk) ([]byte, bool, error) {
	g, ok := d.groups[ch.RequestID]
	if !ok {
		g = &pendingGroup{}
		d.groups[ch.RequestID] = g
	}

	if g.haveSeq && ch.SequenceNumber != nextSequenceNumber(g.lastSeq) {
		delete(d.groups, ch.RequestID)
		return nil, false, errors.Wrap(BadSequenceNumberInvalid, "non-contiguous sequence number")
	}
	g.lastSeq = ch.SequenceNumber
	g.haveSeq = true

	if ch.ChunkType == ChunkTypeAbort {
		delete(d.groups, ch.RequestID)
		return nil, false, errors.Wrap(BadRequestInterrupted, "chunk group aborted")
	}

	plain, err := verifyAndDecrypt(d.channel, ch.Body)
	if err != nil {
		delete(d.groups, ch.RequestID)
		return nil, false, err
	}
	g.parts.PushBack(plain)

	if ch.ChunkType == ChunkTypeIntermediate {
		return nil, false, nil
	}

	// ChunkTypeFinal: reassemble using a pooled partition buffer and
	// drop the group.
	part := buffer.NewPartitionAt(d.bufferPool)
	for g.parts.Len() > 0 {
		part.Write(g.parts.PopFront())
	}
	assembled := make([]byte, part.Len())
	part.Read(assembled)
	part.Reset()
	delete(d.groups, ch.RequestID)
	return assembled, true, nil
}

// EncodeHeader writes the 8-byte TCP message header for a chunk.
func EncodeHeader(buf *bytes.Buffer, messageType string, chunkType byte, totalSize uint32) error {
	if len(messageType) != 3 {
		return errors.New("EncodeHeader: messageType must be 3 bytes")
	}
	buf.WriteString(messageType)
	buf.WriteByte(chunkType)
	return binary.Write(buf, binary.LittleEndian, totalSize)
}

// DecodeHeader reads the 8-byte TCP message header.
func DecodeHeader(r *bytes.Reader) (messageType string, chunkType byte, totalSize uint32, err error) {
	typeBytes := make([]byte, 3)
	if _, err = r.Read(typeBytes); err != nil {
		return "", 0, 0, errors.Wrap(err, "read message type")
	}
	chunkType, err = r.ReadByte()
	if err != nil {
		return "", 0, 0, errors.Wrap(err, "read chunk type")
	}
	if err = binary.Read(r, binary.LittleEndian, &totalSize); err != nil {
		return "", 0, 0, errors.Wrap(err, "read total size")
	}
	return string(typeBytes), chunkType, totalSize, nil
}
