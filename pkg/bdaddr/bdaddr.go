// Package bdaddr provides the Bluetooth device address type shared by the
// transport and control layers.
package bdaddr

import (
	"errors"
	"fmt"
)

// BDAddr is a Bluetooth device address in transmission (little-endian) byte
// order, matching the order used on the wire and in socket addresses.
type BDAddr [6]byte

// Any is the unassigned address, used to bind a socket to any local adapter.
var Any BDAddr

var errInvalidAddress = errors.New("bdaddr: invalid address")

// Parse converts the colon-separated textual form "XX:XX:XX:XX:XX:XX" into a
// BDAddr. The text is written most significant byte first; the stored form is
// reversed.
func Parse(s string) (BDAddr, error) {
	var a BDAddr
	if len(s) != 17 {
		return a, errInvalidAddress
	}
	for i := 0; i < 6; i++ {
		if i > 0 && s[i*3-1] != ':' {
			return a, errInvalidAddress
		}
		hi, ok1 := hexVal(s[i*3])
		lo, ok2 := hexVal(s[i*3+1])
		if !ok1 || !ok2 {
			return a, errInvalidAddress
		}
		a[5-i] = hi<<4 | lo
	}
	return a, nil
}

// Valid reports whether s is a well-formed textual device address.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func (a BDAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// IsZero reports whether a is the unassigned address.
func (a BDAddr) IsZero() bool {
	return a == Any
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
