/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Platform-agnostic USB device/descriptor types and admission predicate
 */

package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/gousb"
)

// UsbAddr identifies a physical USB device by its bus/address pair.
// Bus/address are reassigned by the host on every (re)enumeration, so
// this is only a short-lived secondary identifier; the device's
// serial number is the stable one used for logging and the optional
// allow-list.
type UsbAddr struct {
	Bus     int
	Address int
}

// String returns UsbAddr as "bus:address" string.
func (addr UsbAddr) String() string {
	return fmt.Sprintf("%.3d:%.3d", addr.Bus, addr.Address)
}

// Less orders two UsbAddr values, bus first.
func (addr UsbAddr) Less(addr2 UsbAddr) bool {
	if addr.Bus != addr2.Bus {
		return addr.Bus < addr2.Bus
	}
	return addr.Address < addr2.Address
}

// UsbIfAddr identifies a USB interface/alt-setting/endpoint
// combination within a device.
type UsbIfAddr struct {
	UsbAddr
	Num           int // Interface number
	Alt           int // Alternate setting
	In            int // Bulk-IN endpoint address, -1 if none
	MaxPacketSize int // wMaxPacketSize of the bulk-IN endpoint, 0 if none
}

// UsbDeviceDesc groups together the subset of a USB device's
// descriptor tree this daemon cares about: the vendor/product IDs, the
// currently active configuration, and the interfaces found on it.
type UsbDeviceDesc struct {
	UsbAddr
	Vendor  gousb.ID
	Product gousb.ID
	Config  int
	IfAddrs []UsbIfAddr
}

// IsQuantisUSB reports whether the device descriptor matches a
// Quantis USB RNG device: the fixed vendor/product ID pair, with at
// least one interface exposing a bulk-IN endpoint. Unlike the
// reference codebase's IsIppOverUsb (which matches on USB class,
// subclass and protocol because IPP-over-USB is a generic-class
// protocol implemented by many vendors), a Quantis device uses a
// vendor-specific class, so identity is entirely by VID:PID.
func (desc UsbDeviceDesc) IsQuantisUSB() bool {
	if desc.Vendor != QuantisVendorID || desc.Product != QuantisProductID {
		return false
	}
	for _, ifaddr := range desc.IfAddrs {
		if ifaddr.In >= 0 {
			return true
		}
	}
	return false
}

// BulkInEndpoint returns the first interface/endpoint pair offering a
// bulk-IN endpoint, and true if one was found.
func (desc UsbDeviceDesc) BulkInEndpoint() (UsbIfAddr, bool) {
	for _, ifaddr := range desc.IfAddrs {
		if ifaddr.In >= 0 {
			return ifaddr, true
		}
	}
	return UsbIfAddr{}, false
}

// UsbDeviceInfo carries the descriptive strings read from a device
// after it's opened: its serial number (the stable identity used
// throughout this daemon), manufacturer and product strings used only
// for logging, and the physical USB port number.
type UsbDeviceInfo struct {
	UsbAddr
	Vendor       gousb.ID
	Product      gousb.ID
	SerialNumber string
	Manufacturer string
	ProductName  string
	PortNum      int
}

// MakeAndModel returns a combined "manufacturer product" string,
// falling back gracefully when either part is missing.
func (info UsbDeviceInfo) MakeAndModel() string {
	switch {
	case info.Manufacturer == "" && info.ProductName == "":
		return "Unknown Quantis USB RNG"
	case info.Manufacturer == "":
		return info.ProductName
	case info.ProductName == "":
		return info.Manufacturer
	default:
		return info.Manufacturer + " " + info.ProductName
	}
}

var identSanitizer = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Ident returns a sanitized identifier string, stable across restarts
// as long as the device reports a serial number. Some Quantis
// firmware versions report the serial as a GUID in varying notations
// (braces, urn: prefix, upper/lower case); UUIDNormalize collapses
// these to one canonical form so the same physical device doesn't
// appear under different identities across firmware revisions. If the
// device has no usable serial number, it falls back to a synthetic
// identifier built from the vendor/product IDs and physical port.
func (info UsbDeviceInfo) Ident() string {
	if info.SerialNumber != "" {
		if uuid := UUIDNormalize(info.SerialNumber); uuid != "" {
			return uuid
		}
		s := identSanitizer.ReplaceAllString(info.SerialNumber, "-")
		return strings.Trim(s, "-")
	}

	synthetic := fmt.Sprintf("quantis-%04x-%04x-port%d", info.Vendor, info.Product, info.PortNum)
	return identSanitizer.ReplaceAllString(synthetic, "-")
}

// allowListMatch reports whether info matches at least one pattern in
// patterns. Each pattern is tried first as an HWID (VID:PID) pattern;
// if that doesn't parse, it's tried as a glob against the device's
// identifier.
func allowListMatch(info UsbDeviceInfo, patterns []string) bool {
	for _, pattern := range patterns {
		if hw := ParseHWIDPattern(pattern); hw != nil {
			if hw.Match(uint16(info.Vendor), uint16(info.Product)) >= 0 {
				return true
			}
			continue
		}
		if GlobMatch(info.Ident(), pattern) >= 0 {
			return true
		}
	}
	return false
}
