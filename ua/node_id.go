// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"fmt"

	"github.com/google/uuid"
)

// IdType identifies which identifier kind a NodeID carries.
type IdType byte

const (
	IdTypeNumeric IdType = 0
	IdTypeString  IdType = 1
	IdTypeGUID    IdType = 2
	IdTypeOpaque  IdType = 3
)

// NodeID is the protocol's canonical identifier for any addressable
// entity: a namespace index plus an identifier of one of four kinds.
// The zero value is the well-known "null" NodeID.
type NodeID struct {
	NamespaceIndex uint16
	IdType         IdType
	Numeric        uint32
	StringID       string
	GUID           uuid.UUID
	Opaque         []byte
}

// NewNumericNodeID builds a numeric NodeID in the given namespace.
func NewNumericNodeID(ns uint16, id uint32) NodeID {
	return NodeID{NamespaceIndex: ns, IdType: IdTypeNumeric, Numeric: id}
}

// NewStringNodeID builds a string NodeID in the given namespace.
func NewStringNodeID(ns uint16, id string) NodeID {
	return NodeID{NamespaceIndex: ns, IdType: IdTypeString, StringID: id}
}

// NewGUIDNodeID builds a random Guid NodeID in the given namespace, used
// for session ids and authentication tokens.
func NewGUIDNodeID(ns uint16) NodeID {
	return NodeID{NamespaceIndex: ns, IdType: IdTypeGUID, GUID: uuid.New()}
}

// IsNull reports whether n is the well-known null NodeID (namespace 0,
// numeric identifier 0).
func (n NodeID) IsNull() bool {
	return n.NamespaceIndex == 0 && n.IdType == IdTypeNumeric && n.Numeric == 0
}

// Equal reports whether two NodeIDs denote the same entity.
func (n NodeID) Equal(other NodeID) bool {
	if n.NamespaceIndex != other.NamespaceIndex || n.IdType != other.IdType {
		return false
	}
	switch n.IdType {
	case IdTypeNumeric:
		return n.Numeric == other.Numeric
	case IdTypeString:
		return n.StringID == other.StringID
	case IdTypeGUID:
		return n.GUID == other.GUID
	case IdTypeOpaque:
		return string(n.Opaque) == string(other.Opaque)
	default:
		return false
	}
}

// Key returns a value suitable for use as a Go map key (NodeID itself is
// not comparable with ==, since its Opaque field is a slice).
func (n NodeID) Key() any {
	switch n.IdType {
	case IdTypeNumeric:
		return fmt.Sprintf("n:%d:%d", n.NamespaceIndex, n.Numeric)
	case IdTypeString:
		return fmt.Sprintf("s:%d:%s", n.NamespaceIndex, n.StringID)
	case IdTypeGUID:
		return fmt.Sprintf("g:%d:%s", n.NamespaceIndex, n.GUID.String())
	case IdTypeOpaque:
		return fmt.Sprintf("o:%d:%x", n.NamespaceIndex, n.Opaque)
	default:
		return fmt.Sprintf("?:%d", n.NamespaceIndex)
	}
}

func (n NodeID) String() string {
	switch n.IdType {
	case IdTypeNumeric:
		return fmt.Sprintf("ns=%d;i=%d", n.NamespaceIndex, n.Numeric)
	case IdTypeString:
		return fmt.Sprintf("ns=%d;s=%s", n.NamespaceIndex, n.StringID)
	case IdTypeGUID:
		return fmt.Sprintf("ns=%d;g=%s", n.NamespaceIndex, n.GUID.String())
	default:
		return fmt.Sprintf("ns=%d;b=%x", n.NamespaceIndex, n.Opaque)
	}
}

// A handful of well-known server variable NodeIDs referenced by the
// session-establishment read in client.Dial.
var (
	VariableIDServerNamespaceArray = NewNumericNodeID(0, 2255)
	VariableIDServerServerArray    = NewNumericNodeID(0, 2254)
	VariableIDServerServerStatus   = NewNumericNodeID(0, 2256)
)
