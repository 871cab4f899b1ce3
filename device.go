/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Quantis USB device record
 */

package main

// Device tracks one opened Quantis USB RNG device: its identity, the
// endpoint it reads from, and the state of its in-flight bulk-IN
// transfer, if any.
//
// At most one transfer is ever in flight per device. A device whose
// transfer has been cancelled is not freed immediately: it is marked
// draining and removed from the engine's live device list right away
// (so it stops being offered to ShouldRead and no longer counts
// toward device counts), but its handle and transfer buffer stay
// alive until the completion callback actually observes the
// cancellation. See usbengine.go and DESIGN.md's first Open Question.
type Device struct {
	Info UsbDeviceInfo
	If   UsbIfAddr

	handle *usbDevHandle
	iface  *usbInterface

	maxPacketSize int
	transferBuf   []byte

	readInProgress bool
	draining       bool

	engine *UsbEngine
}

// Serial returns the device's stable identifier for logging and the
// optional allow-list.
func (d *Device) Serial() string {
	return d.Info.Ident()
}
