/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Daemon status snapshot
 */

package main

import (
	"bytes"
	"fmt"
	"sort"
)

// Status is a point-in-time snapshot of the daemon's state, reported
// over the status/control socket.
type Status struct {
	Version       string
	Devices       []string // Attached device serial numbers
	ClientCount   int
	BufAvailable  int
	BufCapacity   int
	BytesServed   uint64
}

// Format renders the snapshot as the plain-text blob written to a
// status socket connection.
func (s Status) Format() []byte {
	buf := &bytes.Buffer{}

	fmt.Fprintf(buf, "network-rngd %s: running\n", s.Version)
	fmt.Fprintf(buf, "clients connected: %d\n", s.ClientCount)
	fmt.Fprintf(buf, "entropy buffer: %d/%d bytes available\n", s.BufAvailable, s.BufCapacity)
	fmt.Fprintf(buf, "entropy bytes served: %d\n", s.BytesServed)

	fmt.Fprintf(buf, "USB RNG devices:")
	if len(s.Devices) == 0 {
		buf.WriteString(" none\n")
	} else {
		buf.WriteString("\n")
		devices := append([]string(nil), s.Devices...)
		sort.Strings(devices)
		for i, serial := range devices {
			fmt.Fprintf(buf, " %3d. %s\n", i+1, serial)
		}
	}

	return buf.Bytes()
}
