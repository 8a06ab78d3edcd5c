// Package protocol implements the command payloads understood by the notti
// color light.
package protocol

import (
	"fmt"
	"math"
	"strings"
)

// Command header for a color write: opcode 0x06, one argument block.
const (
	CommandSetColor byte = 0x06
	ColorArgs       byte = 0x01
)

// PayloadSize is the length of every color command on the wire.
const PayloadSize = 5

// Color is an RGB triple destined for the light.
type Color struct {
	Red   uint8
	Green uint8
	Blue  uint8
}

// Black is the fallback color for missing or unreadable arguments.
var Black = Color{}

// ParseColor reads a hexadecimal RGB value such as "ff8800".
//
// Parsing is a prefix scan: leading whitespace and an optional 0x are
// skipped, and digits are consumed until the first non-hex character.
// Values wider than 32 bits saturate. Only the low 24 bits are used.
// If no hex digit is found, ok is false and Black is returned.
func ParseColor(s string) (c Color, ok bool) {
	v, ok := scanHex32(s)
	if !ok {
		return Black, false
	}
	return Color{
		Red:   uint8(v >> 16),
		Green: uint8(v >> 8),
		Blue:  uint8(v),
	}, true
}

// Encode maps an optional color argument to its command payload. An empty or
// unreadable argument silently yields black.
func Encode(arg string) []byte {
	c, _ := ParseColor(arg)
	return c.Payload()
}

// Payload returns the 5-byte command: 0x06 0x01 R G B.
func (c Color) Payload() []byte {
	return []byte{CommandSetColor, ColorArgs, c.Red, c.Green, c.Blue}
}

// String formats the color as #rrggbb.
func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.Red, c.Green, c.Blue)
}

func scanHex32(s string) (uint32, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') && isHex(s[2]) {
		s = s[2:]
	}

	var v uint64
	n := 0
	for ; n < len(s) && isHex(s[n]); n++ {
		if v <= math.MaxUint32 {
			v = v<<4 | uint64(hexVal(s[n]))
		}
	}
	if n == 0 {
		return 0, false
	}
	if v > math.MaxUint32 {
		v = math.MaxUint32
	}
	return uint32(v), true
}

func isHex(b byte) bool {
	return ('0' <= b && b <= '9') || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}

func hexVal(b byte) byte {
	switch {
	case b >= 'a':
		return b - 'a' + 10
	case b >= 'A':
		return b - 'A' + 10
	default:
		return b - '0'
	}
}
