package network

import "fmt"

// MACForIndex creates a MAC address from the segment index.
// Format: AA:FC:00:XX:XX:XX (last 3 octets encode the index)
//
// The prefix AA:FC:00 is:
// - AA: Locally administered (bit 1 set in first octet)
// - FC: Firecracker hint
// - 00: Reserved for extension
//
// Encoding the index directly, instead of hashing an id, makes collisions
// impossible while segment indexes are unique.
func MACForIndex(i int) string {
	return fmt.Sprintf("%s:%02X:%02X:%02X",
		MACPrefix,
		byte(i>>16),
		byte(i>>8),
		byte(i),
	)
}
