package gatt

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no characteristic satisfies the selector.
var ErrNotFound = errors.New("gatt: target characteristic not found")

// Policy chooses how Resolve picks the write target.
type Policy int

const (
	// PolicyExplicit matches a configured service/characteristic UUID pair.
	PolicyExplicit Policy = iota + 1
	// PolicyFirstWritable picks the first characteristic, in discovery order,
	// that advertises write or write-without-response.
	PolicyFirstWritable
)

func (p Policy) String() string {
	switch p {
	case PolicyExplicit:
		return "explicit"
	case PolicyFirstWritable:
		return "first_writable"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps a config name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "explicit":
		return PolicyExplicit, nil
	case "first_writable":
		return PolicyFirstWritable, nil
	}
	return 0, fmt.Errorf("gatt: unknown policy %q", name)
}

// Selector configures Resolve. ServiceUUID and CharacteristicUUID are only
// consulted by PolicyExplicit.
type Selector struct {
	Policy             Policy
	ServiceUUID        string
	CharacteristicUUID string
}

func (s Selector) String() string {
	if s.Policy == PolicyExplicit {
		return fmt.Sprintf("%s %s/%s", s.Policy, s.ServiceUUID, s.CharacteristicUUID)
	}
	return s.Policy.String()
}

// Resolved identifies the selected characteristic and the service it lives in.
type Resolved struct {
	ServiceUUID    string
	Characteristic Characteristic
}

// Resolve selects the write target from tree. Ties are broken by discovery
// order: service order first, then characteristic order.
func Resolve(tree Tree, sel Selector) (Resolved, error) {
	switch sel.Policy {
	case PolicyExplicit:
		for _, s := range tree {
			if !sameUUID(s.UUID, sel.ServiceUUID) {
				continue
			}
			for _, c := range s.Characteristics {
				if sameUUID(c.UUID, sel.CharacteristicUUID) {
					return Resolved{ServiceUUID: s.UUID, Characteristic: c.Clone()}, nil
				}
			}
		}
		return Resolved{}, fmt.Errorf("%w: %s/%s", ErrNotFound, sel.ServiceUUID, sel.CharacteristicUUID)

	case PolicyFirstWritable:
		for _, s := range tree {
			for _, c := range s.Characteristics {
				if c.Properties.Writable() {
					return Resolved{ServiceUUID: s.UUID, Characteristic: c.Clone()}, nil
				}
			}
		}
		return Resolved{}, fmt.Errorf("%w: no writable characteristic among %d", ErrNotFound, tree.Len())
	}
	return Resolved{}, fmt.Errorf("gatt: unknown policy %s", sel.Policy)
}
