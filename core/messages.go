package core

import (
	"encoding/binary"
	"errors"
)

// MessageType tags the payload carried after the wire header (spec.md §4.4).
type MessageType byte

const (
	MsgInvalid MessageType = iota
	MsgKeepalive
	MsgPublish
	MsgConfirmReq
	MsgConfirmAck
	MsgBulkPull
	MsgBulkPullAccount
	MsgBulkPush
	MsgFrontierReq
	MsgNodeIDHandshake
)

// protocolVersion is this node's wire-protocol version tuple (spec.md §4.4
// "version tuple"). Only the current version is emitted; messages from
// older-but-compatible peers are still accepted up to minVersion.
const (
	protocolVersionMax     = 20
	protocolVersionUsing   = 20
	protocolVersionMin     = 18
	protocolMagicNumber    = "NN" // 2-byte network magic
)

// headerSize is the fixed 8-byte message header: 2-byte magic, 3 version
// bytes (max/using/min), 1-byte message type, 2-byte extensions bitfield
// (spec.md §4.4 "8-byte header").
const headerSize = 8

// MessageHeader is the fixed-size preamble every wire message carries.
type MessageHeader struct {
	VersionMax   uint8
	VersionUsing uint8
	VersionMin   uint8
	Type         MessageType
	Extensions   uint16
}

var errShortHeader = errors.New("core: message shorter than header")
var errBadMagic = errors.New("core: bad protocol magic")

// EncodeHeader renders h as the 8-byte wire preamble.
func EncodeHeader(h MessageHeader) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:2], protocolMagicNumber)
	buf[2] = h.VersionMax
	buf[3] = h.VersionUsing
	buf[4] = h.VersionMin
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[6:8], h.Extensions)
	return buf
}

// DecodeHeader parses the leading 8 bytes of buf as a MessageHeader.
func DecodeHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < headerSize {
		return MessageHeader{}, errShortHeader
	}
	if string(buf[0:2]) != protocolMagicNumber {
		return MessageHeader{}, errBadMagic
	}
	return MessageHeader{
		VersionMax:   buf[2],
		VersionUsing: buf[3],
		VersionMin:   buf[4],
		Type:         MessageType(buf[5]),
		Extensions:   binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// defaultHeader builds a header for an outgoing message of type t.
func defaultHeader(t MessageType) MessageHeader {
	return MessageHeader{
		VersionMax:   protocolVersionMax,
		VersionUsing: protocolVersionUsing,
		VersionMin:   protocolVersionMin,
		Type:         t,
	}
}

// KeepaliveMessage carries a small peer list exchanged on an idle channel to
// keep it alive and share connectivity (spec.md §4.4).
type KeepaliveMessage struct {
	Peers []string // "ip:port" endpoints
}

// PublishMessage broadcasts a single confirmed-or-new block (spec.md §4.4).
type PublishMessage struct {
	Block *Block
}

// ConfirmReqMessage asks peers to vote on one or more blocks (spec.md §4.4).
type ConfirmReqMessage struct {
	Blocks []*Block
	Roots  []QualifiedRoot // used when requesting a vote by root alone
}

// ConfirmAckMessage carries a representative's vote (spec.md §4.4).
type ConfirmAckMessage struct {
	Vote *Vote
}

// BulkPullMessage requests every block on account's chain from End
// (exclusive, zero meaning genesis) to Start (inclusive), used by legacy
// bootstrap (spec.md §4.4/§4.5).
type BulkPullMessage struct {
	Start   BlockHash // account, or a specific frontier hash
	End     BlockHash
	Count   uint32 // 0 means unbounded
}

// BulkPullAccountMessage requests every pending entry for Account above
// MinimumAmount, used by wallet-lazy bootstrap (spec.md §4.4/§4.5).
type BulkPullAccountMessage struct {
	Account       Account
	MinimumAmount U128
	Flags         uint8
}

// BulkPushMessage has no payload of its own; it precedes a stream of
// PublishMessage-shaped blocks pushed to a peer during the backward-walk
// phase of bootstrap (spec.md §4.4/§4.5).
type BulkPushMessage struct{}

// FrontierReqMessage requests every account frontier starting at StartAccount
// (spec.md §4.4/§4.5 "frontier_req walk").
type FrontierReqMessage struct {
	StartAccount Account
	AgeSeconds   uint32
	Count        uint32
}

// NodeIDHandshakeMessage carries the single-use cookie exchange that proves
// control of a node-ID key for a given TCP connection (spec.md §4.4 "node-ID
// handshake via single-use cookie bound to remote endpoint").
type NodeIDHandshakeMessage struct {
	// Query is set (non-zero) when this message is the first leg: a
	// challenge cookie the peer must sign and echo back.
	Query [32]byte
	// Response, when present, answers a previously received Query.
	HasResponse bool
	NodeID      Account
	Signature   U512
}
