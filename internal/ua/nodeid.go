package ua

import "fmt"

// IdentifierType distinguishes the four NodeId encodings defined by the
// binary transport (Part 6 §5.2.2.9).
type IdentifierType uint8

const (
	IdentifierNumeric IdentifierType = iota
	IdentifierString
	IdentifierGUID
	IdentifierOpaque
)

// NodeID identifies a node in the address space. Only the Numeric and
// String encodings are produced by this server; GUID/Opaque are accepted
// on decode for round-trip fidelity with clients that send them.
type NodeID struct {
	NamespaceIndex uint16
	IdType         IdentifierType
	Numeric        uint32
	StringID       string
	Opaque         []byte
}

// NewNumericNodeID builds a NodeId with the Numeric encoding.
func NewNumericNodeID(ns uint16, id uint32) *NodeID {
	return &NodeID{NamespaceIndex: ns, IdType: IdentifierNumeric, Numeric: id}
}

// NewStringNodeID builds a NodeId with the String encoding.
func NewStringNodeID(ns uint16, id string) *NodeID {
	return &NodeID{NamespaceIndex: ns, IdType: IdentifierString, StringID: id}
}

// String renders the NodeId in the conventional "ns=%d;..." textual form.
func (n *NodeID) String() string {
	if n == nil {
		return "ns=0;i=0"
	}
	switch n.IdType {
	case IdentifierString:
		return fmt.Sprintf("ns=%d;s=%s", n.NamespaceIndex, n.StringID)
	case IdentifierGUID:
		return fmt.Sprintf("ns=%d;g=%x", n.NamespaceIndex, n.Opaque)
	case IdentifierOpaque:
		return fmt.Sprintf("ns=%d;b=%x", n.NamespaceIndex, n.Opaque)
	default:
		return fmt.Sprintf("ns=%d;i=%d", n.NamespaceIndex, n.Numeric)
	}
}

// Equal reports whether two NodeIds refer to the same identifier.
func (n *NodeID) Equal(other *NodeID) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.NamespaceIndex != other.NamespaceIndex || n.IdType != other.IdType {
		return false
	}
	switch n.IdType {
	case IdentifierString:
		return n.StringID == other.StringID
	case IdentifierGUID, IdentifierOpaque:
		return string(n.Opaque) == string(other.Opaque)
	default:
		return n.Numeric == other.Numeric
	}
}
