package ambit

import (
	"crypto/sha256"
	"fmt"
)

// OrbitHeader identifies the ephemeris data cached on the device. It is the
// leading 8 bytes of an orbit blob.
type OrbitHeader [8]byte

// OrbitHeaderOf returns the header of an orbit blob
func OrbitHeaderOf(blob []byte) (OrbitHeader, error) {
	var h OrbitHeader
	if len(blob) < len(h) {
		return h, fmt.Errorf("orbit data too short: %d bytes", len(blob))
	}
	copy(h[:], blob)
	return h, nil
}

// OrbitDigest returns the SHA-256 digest appended after the orbit data when
// it is written to the device.
func OrbitDigest(blob []byte) [sha256.Size]byte {
	return sha256.Sum256(blob)
}
