// Package protocol implements the wire format shared by the FDC link:
// fixed-size command/response frames and variable-length track payloads.
package protocol

// Sum16 computes the 16-bit wrapping unsigned sum of b. It is the only
// checksum the wire protocol uses, for both command frames (over the first
// eight bytes) and track payloads (over the full track).
func Sum16(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return sum
}
