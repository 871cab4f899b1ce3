/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Configuration constants
 */

package main

import (
	"time"
)

const (
	// QuantisVendorID is the USB vendor ID of Quantis USB RNG devices.
	QuantisVendorID = 0x0aba

	// QuantisProductID is the USB product ID of Quantis USB RNG devices.
	QuantisProductID = 0x0102

	// MaxClients bounds the size of the client table.
	MaxClients = 512

	// MaxIdleTime is how long a client may go without sending a request
	// before it is evicted.
	MaxIdleTime = 30 * time.Second

	// HeaderSize is the size, in bytes, of the big-endian length prefix
	// on every response frame (and of the request frame itself).
	HeaderSize = 4

	// MaxFrameSize bounds a single response frame, header included.
	MaxFrameSize = 65536

	// BufferSpace is the low-water mark: once the ring buffer has at
	// least this much free space, hardware reads are resumed.
	BufferSpace = 512 * 16

	// MinBufSize is the smallest ring buffer capacity accepted on the
	// command line.
	MinBufSize = BufferSpace

	// DefaultEntropyBufSize is the ring buffer capacity used when -b is
	// not given.
	DefaultEntropyBufSize = 2 * 1024 * 1024

	// DefaultPort is the TCP port used when -p is not given.
	DefaultPort = 4545

	// DefaultVerbosity is the -v level used when none is given.
	DefaultVerbosity = 1

	// DefaultStatusSocket is the path of the Unix status socket used
	// when -s is not given.
	DefaultStatusSocket = "/run/network-rngd/status.sock"

	// selectTimeout bounds how long a single driver loop iteration can
	// block in select before re-checking idle clients; chosen as half
	// of MaxIdleTime so no client can go more than one extra timeout
	// window past eviction age.
	selectTimeout = MaxIdleTime / 2
)
