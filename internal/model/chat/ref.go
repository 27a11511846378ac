package chat

import "fmt"

// RefKind distinguishes provisional from confirmed message references.
type RefKind uint8

const (
	RefProvisional RefKind = iota + 1
	RefConfirmed
)

// MessageRef identifies a log entry either by its local provisional id or by
// its server-assigned id.
type MessageRef struct {
	Kind  RefKind `json:"-"`
	Value string  `json:"-"`
}

// Provisional builds a reference to a locally created, unconfirmed message.
func Provisional(localID string) MessageRef {
	return MessageRef{Kind: RefProvisional, Value: localID}
}

// Confirmed builds a reference to a server-confirmed message.
func Confirmed(id ID) MessageRef {
	return MessageRef{Kind: RefConfirmed, Value: string(id)}
}

func (r MessageRef) IsProvisional() bool { return r.Kind == RefProvisional }

func (r MessageRef) String() string {
	switch r.Kind {
	case RefProvisional:
		return "provisional:" + r.Value
	case RefConfirmed:
		return "confirmed:" + r.Value
	default:
		return fmt.Sprintf("ref(%d):%s", r.Kind, r.Value)
	}
}
