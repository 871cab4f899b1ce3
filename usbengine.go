/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * USB transfer engine: libusb context, hotplug, bulk-IN transfer
 * lifecycle, and the before_poll/after_poll readiness-multiplexer
 * integration
 */

package main

// #cgo pkg-config: libusb-1.0
// #include <libusb.h>
// #include <stdlib.h>
//
// extern int usbEngineHotplugCallback(libusb_context *ctx, libusb_device *dev,
//                                      libusb_hotplug_event event, void *user_data);
// extern void usbEnginePollfdAdded(int fd, short events, void *user_data);
// extern void usbEnginePollfdRemoved(int fd, void *user_data);
// extern void usbEngineTransferCallback(struct libusb_transfer *xfer);
import "C"

import (
	"fmt"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/google/gousb"
)

type usbDevHandle struct {
	dev    *C.libusb_device
	handle *C.libusb_device_handle
}

type usbInterface struct {
	devhandle *usbDevHandle
	num       C.int
}

// UsbEngine owns the libusb context for the whole process. Only one
// engine is ever constructed (one per daemon instance), mirroring the
// reference implementation's single QuantisUSBContext; its address is
// kept in a package-level registry so the cgo-exported hotplug/pollfd/
// transfer callbacks, which carry no type-safe user_data of their own
// beyond what libusb itself threads through, can find their way back
// to Go state.
type UsbEngine struct {
	ctx *C.libusb_context

	mu       sync.Mutex
	live     map[string]*Device // keyed by serial number
	draining []*Device

	pollfds map[int]bool

	onRead     func(serial string, data []byte)
	onError    func(serial string, err error)
	onDevice   func(serial string, present bool)
	shouldOpen func(UsbDeviceDesc) bool
	logger     *Logger

	hotplugHandle C.libusb_hotplug_callback_handle
	hotplugOn     bool

	poolRef shouldReader
}

var (
	engineRegistryMu sync.Mutex
	engineRegistry   *UsbEngine

	transferDeviceMu  sync.Mutex
	transferDeviceMap = map[*C.struct_libusb_transfer]*Device{}
)

// NewUsbEngine initializes a libusb context and wires it to the given
// callbacks. onRead/onError/onDevice/shouldOpen mirror the reference
// implementation's QuantisUSBReadCallback/ErrorCallback/DeviceCallback/
// ShouldOpenCallback, just expressed as Go closures instead of C
// function-pointer-plus-void* pairs.
func NewUsbEngine(onRead func(string, []byte), onError func(string, error),
	onDevice func(string, bool), shouldOpen func(UsbDeviceDesc) bool, logger *Logger) (*UsbEngine, error) {

	var ctx *C.libusb_context
	if rv := C.libusb_init(&ctx); rv != 0 {
		return nil, fmt.Errorf("%w: libusb_init: %s", ErrUsbInit, usbStrerror(rv))
	}

	e := &UsbEngine{
		ctx:        ctx,
		live:       make(map[string]*Device),
		pollfds:    make(map[int]bool),
		onRead:     onRead,
		onError:    onError,
		onDevice:   onDevice,
		shouldOpen: shouldOpen,
		logger:     logger,
	}

	engineRegistryMu.Lock()
	engineRegistry = e
	engineRegistryMu.Unlock()

	C.libusb_set_pollfd_notifiers(ctx,
		(*[0]byte)(C.usbEnginePollfdAdded),
		(*[0]byte)(C.usbEnginePollfdRemoved),
		nil)

	var pollfdCount C.int
	list := C.libusb_get_pollfds(ctx)
	if list != nil {
		for i := 0; ; i++ {
			entry := (*C.struct_libusb_pollfd)(unsafe.Pointer(uintptr(unsafe.Pointer(list)) + uintptr(i)*unsafe.Sizeof(*list)))
			if entry == nil || entry.fd == 0 {
				break
			}
			e.pollfds[int(entry.fd)] = true
		}
		C.libusb_free_pollfds(list)
	}
	_ = pollfdCount

	return e, nil
}

// EnableHotplug registers the ARRIVED/LEFT hotplug callback and,
// if enumerate is true, performs an immediate enumeration pass — the
// same two-in-one contract as quantis_usb_enable_hotplug.
func (e *UsbEngine) EnableHotplug(enumerate bool) error {
	if e.hotplugOn {
		return nil
	}

	var flags C.int
	if enumerate {
		flags = C.LIBUSB_HOTPLUG_ENUMERATE
	}

	rv := C.libusb_hotplug_register_callback(
		e.ctx,
		C.LIBUSB_HOTPLUG_EVENT_DEVICE_ARRIVED|C.LIBUSB_HOTPLUG_EVENT_DEVICE_LEFT,
		C.libusb_hotplug_flag(flags),
		C.LIBUSB_HOTPLUG_MATCH_ANY,
		C.LIBUSB_HOTPLUG_MATCH_ANY,
		C.LIBUSB_HOTPLUG_MATCH_ANY,
		(C.libusb_hotplug_callback_fn)(C.usbEngineHotplugCallback),
		nil,
		&e.hotplugHandle,
	)
	if rv != 0 {
		return fmt.Errorf("%w: hotplug registration: %s", ErrUsbInit, usbStrerror(rv))
	}

	e.hotplugOn = true
	return nil
}

// DisableHotplug deregisters the hotplug callback.
func (e *UsbEngine) DisableHotplug() {
	if !e.hotplugOn {
		return
	}
	C.libusb_hotplug_deregister_callback(e.ctx, e.hotplugHandle)
	e.hotplugOn = false
}

// DeviceCount returns the number of currently open, non-draining
// devices.
func (e *UsbEngine) DeviceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Serials returns the serial numbers of all currently open devices,
// for status reporting.
func (e *UsbEngine) Serials() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.live))
	for s := range e.live {
		out = append(out, s)
	}
	return out
}

// ReadAll issues a read on every live device that doesn't already
// have a transfer in flight, matching quantis_usb_read_all's
// "top up everyone who's idle" semantics.
func (e *UsbEngine) ReadAll() {
	e.mu.Lock()
	devices := make([]*Device, 0, len(e.live))
	for _, d := range e.live {
		devices = append(devices, d)
	}
	e.mu.Unlock()

	for _, d := range devices {
		if !d.readInProgress {
			e.submitRead(d)
		}
	}
}

// submitRead allocates and submits a bulk-IN transfer for the device
// and returns immediately; the actual completion is observed later,
// inside AfterPoll, when libusb_handle_events_timeout notices the
// transfer finished and invokes usbEngineTransferCallback. Unlike a
// synchronous Send/Recv wrapper that blocks a goroutine on a done
// channel, this never blocks the driver loop.
func (e *UsbEngine) submitRead(d *Device) {
	xfer := C.libusb_alloc_transfer(0)
	if xfer == nil {
		if e.logger != nil {
			e.logger.Begin().Error('!', "device %s: libusb_alloc_transfer failed", d.Serial()).Commit()
		}
		return
	}

	if d.transferBuf == nil {
		// Paranoia, matching quantis_usb_create_transfer: make sure the
		// length fits into a (signed 32-bit) transfer size and is still
		// a multiple of maxPacketSize.
		bufLen := d.maxPacketSize * 16
		for bufLen > math.MaxInt32 {
			bufLen -= d.maxPacketSize
		}
		d.transferBuf = make([]byte, bufLen)
	}

	C.libusb_fill_bulk_transfer(
		xfer,
		d.handle.handle,
		C.uchar(d.If.In),
		(*C.uchar)(unsafe.Pointer(&d.transferBuf[0])),
		C.int(len(d.transferBuf)),
		(C.libusb_transfer_cb_fn)(C.usbEngineTransferCallback),
		nil,
		0,
	)

	transferDeviceMu.Lock()
	transferDeviceMap[xfer] = d
	transferDeviceMu.Unlock()

	if rv := C.libusb_submit_transfer(xfer); rv != 0 {
		transferDeviceMu.Lock()
		delete(transferDeviceMap, xfer)
		transferDeviceMu.Unlock()
		C.libusb_free_transfer(xfer)

		if e.onError != nil {
			e.onError(d.Serial(), fmt.Errorf("%w: submit: %s", ErrUsbIO, usbStrerror(rv)))
		}
		return
	}

	d.readInProgress = true
}

// cancelRead requests cancellation of a device's in-flight transfer
// and marks it draining: removed from the live map (so it stops being
// offered new reads or counted in DeviceCount) but kept alive until
// the completion callback observes the cancellation and calls
// finishDraining. See the Device doc comment and DESIGN.md.
func (e *UsbEngine) cancelRead(d *Device, present bool) {
	e.mu.Lock()
	delete(e.live, d.Serial())
	if d.readInProgress {
		d.draining = true
		e.draining = append(e.draining, d)
	}
	e.mu.Unlock()

	if e.onDevice != nil {
		e.onDevice(d.Serial(), present)
	}

	if d.readInProgress {
		// Best effort; if this fails the transfer is presumably
		// already completing or the device is already gone, either
		// of which still drives finishDraining via the callback.
		transferDeviceMu.Lock()
		var xfer *C.struct_libusb_transfer
		for x, dev := range transferDeviceMap {
			if dev == d {
				xfer = x
				break
			}
		}
		transferDeviceMu.Unlock()

		if xfer != nil {
			C.libusb_cancel_transfer(xfer)
		}
	} else {
		e.closeDevice(d)
	}
}

// finishDraining is called from the transfer completion callback once
// a draining device's cancellation has actually completed.
func (e *UsbEngine) finishDraining(d *Device) {
	e.mu.Lock()
	for i, dd := range e.draining {
		if dd == d {
			e.draining = append(e.draining[:i], e.draining[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	e.closeDevice(d)
}

func (e *UsbEngine) closeDevice(d *Device) {
	if d.iface != nil {
		C.libusb_release_interface(d.handle.handle, d.iface.num)
	}
	if d.handle != nil && d.handle.handle != nil {
		C.libusb_close(d.handle.handle)
	}
}

// openDevice performs the admission sequence from quantis_usb_open_device:
// vendor/product match (already checked by the caller via IsQuantisUSB),
// the first interface alt-setting offering a bulk-IN endpoint, an
// optional ShouldOpen veto, and a configuration set that only happens
// if the device isn't already on the right configuration — avoiding
// the soft reset libusb_set_configuration otherwise causes. The number
// of configurations, interfaces and endpoints is not checked: a device
// with several is admitted on its first bulk-IN endpoint.
func (e *UsbEngine) openDevice(dev *C.libusb_device, desc UsbDeviceDesc) {
	ifaddr, ok := desc.BulkInEndpoint()
	if !ok {
		return
	}

	if e.shouldOpen != nil && !e.shouldOpen(desc) {
		return
	}

	var handle *C.libusb_device_handle
	if rv := C.libusb_open(dev, &handle); rv != 0 {
		if e.logger != nil {
			e.logger.Begin().Error('!', "libusb_open: %s", usbStrerror(rv)).Commit()
		}
		return
	}

	var activeConfig C.int
	C.libusb_get_configuration(handle, &activeConfig)
	if int(activeConfig) != desc.Config {
		if rv := C.libusb_set_configuration(handle, C.int(desc.Config)); rv != 0 {
			C.libusb_close(handle)
			if e.logger != nil {
				e.logger.Begin().Error('!', "libusb_set_configuration: %s", usbStrerror(rv)).Commit()
			}
			return
		}
	}

	if rv := C.libusb_claim_interface(handle, C.int(ifaddr.Num)); rv != 0 {
		C.libusb_close(handle)
		if e.logger != nil {
			e.logger.Begin().Error('!', "libusb_claim_interface: %s", usbStrerror(rv)).Commit()
		}
		return
	}

	info := e.readDeviceInfo(handle, desc)

	if len(Conf.AllowPatterns) != 0 && !allowListMatch(info, Conf.AllowPatterns) {
		C.libusb_release_interface(handle, C.int(ifaddr.Num))
		C.libusb_close(handle)
		return
	}

	d := &Device{
		Info:          info,
		If:            ifaddr,
		handle:        &usbDevHandle{dev: dev, handle: handle},
		iface:         &usbInterface{devhandle: &usbDevHandle{dev: dev, handle: handle}, num: C.int(ifaddr.Num)},
		maxPacketSize: ifaddr.MaxPacketSize,
		engine:        e,
	}

	e.mu.Lock()
	e.live[d.Serial()] = d
	e.mu.Unlock()

	if e.onDevice != nil {
		e.onDevice(d.Serial(), true)
	}

	if e.onRead != nil {
		e.submitRead(d)
	}
}

func (e *UsbEngine) readDeviceInfo(handle *C.libusb_device_handle, desc UsbDeviceDesc) UsbDeviceInfo {
	var cdesc C.struct_libusb_device_descriptor
	C.libusb_get_device_descriptor(C.libusb_get_device(handle), &cdesc)

	info := UsbDeviceInfo{
		UsbAddr: desc.UsbAddr,
		Vendor:  desc.Vendor,
		Product: desc.Product,
	}

	info.SerialNumber = usbGetStringDescriptor(handle, cdesc.iSerialNumber)
	info.Manufacturer = usbGetStringDescriptor(handle, cdesc.iManufacturer)
	info.ProductName = usbGetStringDescriptor(handle, cdesc.iProduct)
	info.PortNum = int(C.libusb_get_port_number(C.libusb_get_device(handle)))

	return info
}

func usbGetStringDescriptor(handle *C.libusb_device_handle, index C.uint8_t) string {
	if index == 0 {
		return ""
	}
	var buf [256]C.uchar
	n := C.libusb_get_string_descriptor_ascii(handle, index, &buf[0], C.int(len(buf)))
	if n < 0 {
		return ""
	}
	return C.GoStringN((*C.char)(unsafe.Pointer(&buf[0])), n)
}

func usbStrerror(code C.int) string {
	return C.GoString(C.libusb_strerror(int32(code)))
}

// BeforePoll folds this engine's own file descriptors and next-event
// deadline into the caller's PollSet and timeout, never lengthening
// the caller's requested timeout — the same contract as
// quantis_usb_before_poll.
func (e *UsbEngine) BeforePoll(ps *PollSet, timeout *time.Duration) error {
	e.mu.Lock()
	for fd := range e.pollfds {
		ps.AddRead(fd)
		ps.AddWrite(fd)
	}
	e.mu.Unlock()

	var tv C.struct_timeval
	rv := C.libusb_get_next_timeout(e.ctx, &tv)
	if rv < 0 {
		return fmt.Errorf("%w: libusb_get_next_timeout: %s", ErrUsbIO, usbStrerror(C.int(rv)))
	}
	if rv == 1 {
		next := time.Duration(tv.tv_sec)*time.Second + time.Duration(tv.tv_usec)*time.Microsecond
		ShrinkTimeout(timeout, next)
	}

	return nil
}

// AfterPoll drives pending libusb event processing, with a zero
// timeout, whenever a mirrored pollfd is reported readable or writable
// or the select wait timed out. Any timeout triggers it, not only one
// that BeforePoll shortened to the engine's own deadline. Transfer
// completion callbacks and hotplug callbacks run synchronously from
// within this call, on the driver loop's own goroutine — this engine
// never runs its own blocking event-handling thread.
func (e *UsbEngine) AfterPoll(timedOut bool, ps *PollSet) error {
	e.mu.Lock()
	ready := false
	for fd := range e.pollfds {
		if ps.IsReadable(fd) || ps.IsWritable(fd) {
			ready = true
			break
		}
	}
	e.mu.Unlock()

	if !ready && !timedOut {
		return nil
	}

	var zero C.struct_timeval
	if rv := C.libusb_handle_events_timeout(e.ctx, &zero); rv != 0 {
		return fmt.Errorf("%w: libusb_handle_events_timeout: %s", ErrUsbIO, usbStrerror(rv))
	}

	return nil
}

// Close tears down the libusb context. Open devices with no transfer
// in flight are closed first; a device with a transfer in flight has
// that transfer cancelled and is marked draining, and the context is
// then torn down without waiting for its completion callback.
func (e *UsbEngine) Close() {
	e.DisableHotplug()

	e.mu.Lock()
	devices := make([]*Device, 0, len(e.live))
	for _, d := range e.live {
		devices = append(devices, d)
	}
	e.mu.Unlock()

	for _, d := range devices {
		e.cancelRead(d, false)
	}

	C.libusb_exit(e.ctx)

	engineRegistryMu.Lock()
	if engineRegistry == e {
		engineRegistry = nil
	}
	engineRegistryMu.Unlock()
}

//export usbEngineHotplugCallback
func usbEngineHotplugCallback(ctx *C.libusb_context, dev *C.libusb_device, event C.libusb_hotplug_event, userData unsafe.Pointer) C.int {
	engineRegistryMu.Lock()
	e := engineRegistry
	engineRegistryMu.Unlock()
	if e == nil {
		return 0
	}

	if event == C.LIBUSB_HOTPLUG_EVENT_DEVICE_ARRIVED {
		desc, err := describeDevice(dev)
		if err == nil && desc.IsQuantisUSB() {
			e.openDevice(dev, desc)
		}
		return 0
	}

	// LIBUSB_HOTPLUG_EVENT_DEVICE_LEFT
	e.mu.Lock()
	var found *Device
	for _, d := range e.live {
		if d.handle != nil && d.handle.dev == dev {
			found = d
			break
		}
	}
	e.mu.Unlock()

	if found != nil {
		e.cancelRead(found, false)
	}

	return 0
}

//export usbEnginePollfdAdded
func usbEnginePollfdAdded(fd C.int, events C.short, userData unsafe.Pointer) {
	engineRegistryMu.Lock()
	e := engineRegistry
	engineRegistryMu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pollfds[int(fd)] = true
	e.mu.Unlock()
}

//export usbEnginePollfdRemoved
func usbEnginePollfdRemoved(fd C.int, userData unsafe.Pointer) {
	engineRegistryMu.Lock()
	e := engineRegistry
	engineRegistryMu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.pollfds, int(fd))
	e.mu.Unlock()
}

//export usbEngineTransferCallback
func usbEngineTransferCallback(xfer *C.struct_libusb_transfer) {
	transferDeviceMu.Lock()
	d := transferDeviceMap[xfer]
	delete(transferDeviceMap, xfer)
	transferDeviceMu.Unlock()

	if d == nil {
		C.libusb_free_transfer(xfer)
		return
	}

	d.readInProgress = false
	e := d.engine

	status := xfer.status
	actualLength := int(xfer.actual_length)
	var data []byte
	if actualLength > 0 {
		data = C.GoBytes(unsafe.Pointer(xfer.buffer), C.int(actualLength))
	}

	C.libusb_free_transfer(xfer)

	if d.draining {
		e.finishDraining(d)
		return
	}

	switch status {
	case C.LIBUSB_TRANSFER_COMPLETED:
		if e.onRead != nil && len(data) > 0 {
			e.onRead(d.Serial(), data)
		}
		if e.pool().ShouldRead() {
			e.submitRead(d)
		}

	case C.LIBUSB_TRANSFER_CANCELLED:
		if e.onError != nil {
			e.onError(d.Serial(), ErrUsbCancelled)
		}

	case C.LIBUSB_TRANSFER_TIMED_OUT:
		if e.onError != nil {
			e.onError(d.Serial(), ErrUsbTimeout)
		}
		e.submitRead(d)

	case C.LIBUSB_TRANSFER_STALL:
		if e.onError != nil {
			e.onError(d.Serial(), ErrUsbStall)
		}

	case C.LIBUSB_TRANSFER_NO_DEVICE:
		if e.onError != nil {
			e.onError(d.Serial(), ErrUsbNoDevice)
		}
		e.cancelRead(d, false)

	case C.LIBUSB_TRANSFER_OVERFLOW:
		if e.onError != nil {
			e.onError(d.Serial(), ErrUsbOverflow)
		}

	default:
		if e.onError != nil {
			e.onError(d.Serial(), ErrUsbIO)
		}
	}
}

// pool is a small indirection so the transfer callback can consult
// ShouldRead without the engine needing to import the pool type
// itself; set once via SetPool after construction.
func (e *UsbEngine) pool() shouldReader {
	if e.poolRef == nil {
		return alwaysShouldRead{}
	}
	return e.poolRef
}

type shouldReader interface {
	ShouldRead() bool
}

type alwaysShouldRead struct{}

func (alwaysShouldRead) ShouldRead() bool { return true }

// SetPool wires the entropy pool's low-water-mark policy into the
// engine so a completed read immediately re-arms itself when there's
// still room, instead of waiting for the driver loop's end-of-iteration
// ShouldRead sweep.
func (e *UsbEngine) SetPool(p shouldReader) {
	e.poolRef = p
}

func describeDevice(dev *C.libusb_device) (UsbDeviceDesc, error) {
	var cdesc C.struct_libusb_device_descriptor
	if rv := C.libusb_get_device_descriptor(dev, &cdesc); rv != 0 {
		return UsbDeviceDesc{}, fmt.Errorf("libusb_get_device_descriptor: %s", usbStrerror(rv))
	}

	desc := UsbDeviceDesc{
		UsbAddr: UsbAddr{
			Bus:     int(C.libusb_get_bus_number(dev)),
			Address: int(C.libusb_get_device_address(dev)),
		},
		Vendor:  gousb.ID(cdesc.idVendor),
		Product: gousb.ID(cdesc.idProduct),
	}

	if cdesc.idVendor != QuantisVendorID || cdesc.idProduct != QuantisProductID {
		return desc, nil
	}

	var config *C.struct_libusb_config_descriptor
	if rv := C.libusb_get_active_config_descriptor(dev, &config); rv != 0 || config == nil {
		return desc, nil
	}
	defer C.libusb_free_config_descriptor(config)

	desc.Config = int(config.bConfigurationValue)

	ifaceCount := int(config.bNumInterfaces)
	ifaces := (*[1 << 16]C.struct_libusb_interface)(unsafe.Pointer(config._interface))[:ifaceCount:ifaceCount]

	for _, iface := range ifaces {
		altCount := int(iface.num_altsetting)
		alts := (*[1 << 16]C.struct_libusb_interface_descriptor)(unsafe.Pointer(iface.altsetting))[:altCount:altCount]

		for _, alt := range alts {
			epCount := int(alt.bNumEndpoints)
			eps := (*[1 << 16]C.struct_libusb_endpoint_descriptor)(unsafe.Pointer(alt.endpoint))[:epCount:epCount]

			in := -1
			maxPacketSize := 0
			for _, ep := range eps {
				addr := int(ep.bEndpointAddress)
				xferType := int(ep.bmAttributes) & 0x3
				if addr&0x80 != 0 && xferType == C.LIBUSB_TRANSFER_TYPE_BULK {
					in = addr
					maxPacketSize = int(ep.wMaxPacketSize)
					break
				}
			}

			desc.IfAddrs = append(desc.IfAddrs, UsbIfAddr{
				UsbAddr:       desc.UsbAddr,
				Num:           int(alt.bInterfaceNumber),
				Alt:           int(alt.bAlternateSetting),
				In:            in,
				MaxPacketSize: maxPacketSize,
			})
		}
	}

	return desc, nil
}
