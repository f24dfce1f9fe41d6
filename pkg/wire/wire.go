// Package wire encodes the token-state forward message and entity-state
// snapshots.
//
// Both layouts are fixed-width concatenations of their fields in
// big-endian order, with no padding:
//
//	forward message: type u8 (0x78) | from u16 | entity | count u8
//	gossip message:  type u8 (0x79) | entity state
//	entity state:    entity | parent u16 | root u16 | distance u32 | count u8
//	entity:          rule u8 | value u32
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/daviddao/semtoken/pkg/model"
)

// Message type tags.
const (
	ForwardMessageType uint8 = 0x78 // token-state forward
	GossipMessageType  uint8 = 0x79 // neighbor tree-state announcement
)

// MaxMessageLength is the largest payload the radio carries.
const MaxMessageLength = 116

// Field widths.
const (
	MessageTypeSize = 1
	NodeIDSize      = 2
	EntityIDSize    = 1 + 4
	TreeStateSize   = NodeIDSize + NodeIDSize + 4
	TokenStateSize  = 1
)

// Forward message offsets.
const (
	posType   = 0
	posFrom   = posType + MessageTypeSize
	posEntity = posFrom + NodeIDSize
	posToken  = posEntity + EntityIDSize

	// ForwardMessageSize is the encoded length of a ForwardMessage.
	ForwardMessageSize = posToken + TokenStateSize
)

// EntityStateSize is the encoded length of a model.EntityState.
const EntityStateSize = EntityIDSize + TreeStateSize + TokenStateSize

// GossipMessageSize is the encoded length of a gossip message.
const GossipMessageSize = MessageTypeSize + EntityStateSize

// Both messages must fit into one radio frame.
var (
	_ [MaxMessageLength - ForwardMessageSize]struct{}
	_ [MaxMessageLength - GossipMessageSize]struct{}
)

var (
	ErrWrongType = errors.New("wire: wrong message type")
	ErrTruncated = errors.New("wire: truncated payload")
)

var order = binary.BigEndian

// ForwardMessage hands token state from one neighbor to the next.
type ForwardMessage struct {
	From   model.NodeID     `json:"from"`
	Entity model.EntityID   `json:"entity"`
	Token  model.TokenState `json:"token"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m ForwardMessage) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, ForwardMessageSize))
}

// AppendBinary appends the encoded message to b.
func (m ForwardMessage) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, ForwardMessageType)
	b = order.AppendUint16(b, uint16(m.From))
	b = appendEntityID(b, m.Entity)
	b = append(b, m.Token.Count)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Bytes past
// ForwardMessageSize are ignored.
func (m *ForwardMessage) UnmarshalBinary(b []byte) error {
	if len(b) < ForwardMessageSize {
		return fmt.Errorf("%w: forward message needs %d bytes, got %d", ErrTruncated, ForwardMessageSize, len(b))
	}
	if b[posType] != ForwardMessageType {
		return fmt.Errorf("%w: 0x%02x", ErrWrongType, b[posType])
	}
	m.From = model.NodeID(order.Uint16(b[posFrom:]))
	m.Entity = readEntityID(b[posEntity:])
	m.Token = model.TokenState{Count: b[posToken]}
	return nil
}

// MessageType returns the type tag of an encoded message.
func MessageType(b []byte) (uint8, error) {
	if len(b) < MessageTypeSize {
		return 0, ErrTruncated
	}
	return b[posType], nil
}

// EncodeEntityState returns the encoded snapshot.
func EncodeEntityState(st model.EntityState) []byte {
	return AppendEntityState(make([]byte, 0, EntityStateSize), st)
}

// AppendEntityState appends the encoded snapshot to b.
func AppendEntityState(b []byte, st model.EntityState) []byte {
	b = appendEntityID(b, st.ID)
	b = order.AppendUint16(b, uint16(st.Tree.Parent))
	b = order.AppendUint16(b, uint16(st.Tree.Root))
	b = order.AppendUint32(b, st.Tree.Distance)
	return append(b, st.Token.Count)
}

// DecodeEntityState reads a snapshot written by EncodeEntityState.
func DecodeEntityState(b []byte) (model.EntityState, error) {
	if len(b) < EntityStateSize {
		return model.EntityState{}, fmt.Errorf("%w: entity state needs %d bytes, got %d", ErrTruncated, EntityStateSize, len(b))
	}
	var st model.EntityState
	st.ID = readEntityID(b)
	b = b[EntityIDSize:]
	st.Tree.Parent = model.NodeID(order.Uint16(b))
	st.Tree.Root = model.NodeID(order.Uint16(b[2:]))
	st.Tree.Distance = order.Uint32(b[4:])
	st.Token.Count = b[TreeStateSize]
	return st, nil
}

// EncodeGossip returns st as a gossip message.
func EncodeGossip(st model.EntityState) []byte {
	b := make([]byte, 0, GossipMessageSize)
	return AppendEntityState(append(b, GossipMessageType), st)
}

// DecodeGossip reads a message written by EncodeGossip.
func DecodeGossip(b []byte) (model.EntityState, error) {
	if len(b) < GossipMessageSize {
		return model.EntityState{}, fmt.Errorf("%w: gossip message needs %d bytes, got %d", ErrTruncated, GossipMessageSize, len(b))
	}
	if b[posType] != GossipMessageType {
		return model.EntityState{}, fmt.Errorf("%w: 0x%02x", ErrWrongType, b[posType])
	}
	return DecodeEntityState(b[MessageTypeSize:])
}

func appendEntityID(b []byte, id model.EntityID) []byte {
	b = append(b, id.Rule)
	return order.AppendUint32(b, id.Value)
}

func readEntityID(b []byte) model.EntityID {
	return model.EntityID{Rule: b[0], Value: order.Uint32(b[1:])}
}
