// Package protocol encodes the level/flag payloads written to the peripheral's
// control characteristic.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// MaxLevel is the largest level representable by every variant. The bitfield
// variant only has seven bits for it.
const MaxLevel = 127

var (
	ErrInvalidLevel   = errors.New("protocol: level out of range")
	ErrUnknownVariant = errors.New("protocol: unknown payload variant")
	ErrNotDecodable   = errors.New("protocol: variant is write-only")
	ErrBadLength      = errors.New("protocol: payload has wrong length")
)

// Variant selects the wire representation of a payload.
type Variant int

const (
	VariantInt32Pair Variant = iota + 1
	VariantInt32Triple
	VariantBitfield
	VariantASCIILevel
	VariantASCIILevelBoolWord
	VariantASCIILevelBoolDigit
)

var variantNames = map[Variant]string{
	VariantInt32Pair:           "int32_pair",
	VariantInt32Triple:         "int32_triple",
	VariantBitfield:            "bitfield",
	VariantASCIILevel:          "ascii_level",
	VariantASCIILevelBoolWord:  "ascii_level_bool_word",
	VariantASCIILevelBoolDigit: "ascii_level_bool_digit",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant maps a config name such as "bitfield" to its Variant.
func ParseVariant(name string) (Variant, error) {
	for v, n := range variantNames {
		if n == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
}

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	_, ok := variantNames[v]
	return ok
}

// Decodable reports whether Decode is defined for v. Text variants are write-only.
func (v Variant) Decodable() bool {
	switch v {
	case VariantInt32Pair, VariantInt32Triple, VariantBitfield:
		return true
	}
	return false
}

// Encode renders level and flag in the given variant. The int32 triple carries
// level in both level slots; use EncodeTriple for distinct values.
func Encode(level int, flag bool, v Variant) ([]byte, error) {
	if v == VariantInt32Triple {
		return EncodeTriple(level, level, flag)
	}
	if err := checkLevel(level); err != nil {
		return nil, err
	}

	switch v {
	case VariantInt32Pair:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[0:], uint32(int32(level)))
		binary.LittleEndian.PutUint32(buf[4:], boolWord(flag))
		return buf, nil
	case VariantBitfield:
		b := byte(level) &^ 0x80
		if flag {
			b |= 0x80
		}
		return []byte{b}, nil
	case VariantASCIILevel:
		return []byte(strconv.Itoa(level)), nil
	case VariantASCIILevelBoolWord:
		return []byte(strconv.Itoa(level) + " " + strconv.FormatBool(flag)), nil
	case VariantASCIILevelBoolDigit:
		digit := "0"
		if flag {
			digit = "1"
		}
		return []byte(strconv.Itoa(level) + " " + digit), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, v)
}

// EncodeTriple renders three little-endian int32 words: level, second, flag.
func EncodeTriple(level, second int, flag bool) ([]byte, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	if err := checkLevel(second); err != nil {
		return nil, err
	}
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], uint32(int32(level)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(second)))
	binary.LittleEndian.PutUint32(buf[8:], boolWord(flag))
	return buf, nil
}

// Decode is the inverse of Encode for binary variants. For the triple it
// returns the first level; see DecodeTriple.
func Decode(data []byte, v Variant) (level int, flag bool, err error) {
	switch v {
	case VariantInt32Pair:
		if len(data) != 8 {
			return 0, false, fmt.Errorf("%w: %s needs 8 bytes, got %d", ErrBadLength, v, len(data))
		}
		level = int(int32(binary.LittleEndian.Uint32(data[0:])))
		flag = binary.LittleEndian.Uint32(data[4:]) != 0
		return level, flag, nil
	case VariantInt32Triple:
		level, _, flag, err = DecodeTriple(data)
		return level, flag, err
	case VariantBitfield:
		if len(data) != 1 {
			return 0, false, fmt.Errorf("%w: %s needs 1 byte, got %d", ErrBadLength, v, len(data))
		}
		return int(data[0] & 0x7f), data[0]&0x80 != 0, nil
	case VariantASCIILevel, VariantASCIILevelBoolWord, VariantASCIILevelBoolDigit:
		return 0, false, fmt.Errorf("%w: %s", ErrNotDecodable, v)
	}
	return 0, false, fmt.Errorf("%w: %s", ErrUnknownVariant, v)
}

// DecodeTriple decodes a 12-byte int32 triple.
func DecodeTriple(data []byte) (level, second int, flag bool, err error) {
	if len(data) != 12 {
		return 0, 0, false, fmt.Errorf("%w: %s needs 12 bytes, got %d", ErrBadLength, VariantInt32Triple, len(data))
	}
	level = int(int32(binary.LittleEndian.Uint32(data[0:])))
	second = int(int32(binary.LittleEndian.Uint32(data[4:])))
	flag = binary.LittleEndian.Uint32(data[8:]) != 0
	return level, second, flag, nil
}

func checkLevel(level int) error {
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidLevel, level, MaxLevel)
	}
	return nil
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
