package ua

import "time"

// DataValue is the unit the address space hands back from a read or sample
// (spec.md §3, "last reported value").
type DataValue struct {
	Value           interface{}
	Status          StatusCode
	SourceTimestamp time.Time
	ServerTimestamp time.Time
	Info            InfoBits
}

// Equal compares two DataValues using the semantics a DataChangeTrigger
// needs: status always compared, value compared by Go equality (exact for
// discrete types, bitwise for floats since Go's == on float64 already is
// bitwise except for NaN, which the filter treats as always-changed).
func (d DataValue) Equal(other DataValue, trigger DataChangeTrigger) bool {
	if d.Status != other.Status {
		return false
	}
	if trigger == TriggerStatus {
		return true
	}
	if !valuesEqual(d.Value, other.Value) {
		return false
	}
	if trigger == TriggerStatusValueTimestamp {
		return d.SourceTimestamp.Equal(other.SourceTimestamp)
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		if af != af || bf != bf { // NaN on either side is always a change
			return false
		}
		return af == bf
	}
	return a == b
}

// ReadValueID names the target of a Read or MonitoredItemCreateRequest:
// a node id, an attribute id, and an optional index range (spec.md §3).
type ReadValueID struct {
	NodeID      *NodeID
	AttributeID uint32
	IndexRange  string
}

// Attribute ids used by the core services (Part 6 Table numeric values).
const (
	AttributeIDValue    uint32 = 13
	AttributeIDDataType uint32 = 14
	AttributeIDEURange  uint32 = 17 // Property "EURange", used by Percent deadband
)
