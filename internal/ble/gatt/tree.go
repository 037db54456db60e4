// Package gatt models the attribute tree discovered on a connected peripheral
// and selects the characteristic that payloads are written to.
package gatt

import (
	"fmt"
	"strings"
)

// Property is the characteristic properties bitmask (Bluetooth Core Vol 3, Part G, 3.3.1.1).
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
	PropSignedWrite          Property = 0x40
	PropExtended             Property = 0x80
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-nr"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Writable reports whether the characteristic accepts writes of either kind.
func (p Property) Writable() bool {
	return p&(PropWrite|PropWriteWithoutResponse) != 0
}

func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Characteristic is one discovered characteristic.
type Characteristic struct {
	UUID       string
	Properties Property
	LastValue  []byte // last payload confirmed written
}

// Service is one discovered service with its characteristics in discovery order.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Tree is the ordered attribute tree of a peripheral.
type Tree []Service

// Len returns the total number of characteristics in the tree.
func (t Tree) Len() int {
	n := 0
	for _, s := range t {
		n += len(s.Characteristics)
	}
	return n
}

// Clone returns a deep copy, so callers never share LastValue buffers with
// the session that owns the tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for i, s := range t {
		out[i] = Service{UUID: s.UUID, Characteristics: make([]Characteristic, len(s.Characteristics))}
		for j, c := range s.Characteristics {
			out[i].Characteristics[j] = c.Clone()
		}
	}
	return out
}

// Find returns a pointer into the tree for the given service/characteristic
// pair, or nil.
func (t Tree) Find(serviceUUID, charUUID string) *Characteristic {
	for i := range t {
		if !sameUUID(t[i].UUID, serviceUUID) {
			continue
		}
		for j := range t[i].Characteristics {
			if sameUUID(t[i].Characteristics[j].UUID, charUUID) {
				return &t[i].Characteristics[j]
			}
		}
	}
	return nil
}

// Clone returns a copy that does not share LastValue.
func (c Characteristic) Clone() Characteristic {
	if c.LastValue != nil {
		c.LastValue = append([]byte(nil), c.LastValue...)
	}
	return c
}

func (c Characteristic) String() string {
	return fmt.Sprintf("%s [%s]", c.UUID, c.Properties)
}

// sameUUID compares UUID text case-insensitively. UUIDs are opaque keys here.
func sameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
