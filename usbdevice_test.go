/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Tests for usbdevice.go
 */

package main

import (
	"testing"
)

func TestUsbAddrString(t *testing.T) {
	addr := UsbAddr{Bus: 1, Address: 7}
	if addr.String() != "001:007" {
		t.Fatalf("got %q", addr.String())
	}
}

func TestUsbAddrLess(t *testing.T) {
	a := UsbAddr{Bus: 1, Address: 2}
	b := UsbAddr{Bus: 1, Address: 3}
	c := UsbAddr{Bus: 2, Address: 1}

	if !a.Less(b) {
		t.Fatalf("a should be less than b")
	}
	if !b.Less(c) {
		t.Fatalf("b should be less than c")
	}
	if c.Less(a) {
		t.Fatalf("c should not be less than a")
	}
}

func TestIsQuantisUSB(t *testing.T) {
	good := UsbDeviceDesc{
		Vendor:  QuantisVendorID,
		Product: QuantisProductID,
		IfAddrs: []UsbIfAddr{{Num: 0, In: 0x81}},
	}
	if !good.IsQuantisUSB() {
		t.Fatalf("expected match")
	}

	wrongVendor := good
	wrongVendor.Vendor = 0x1234
	if wrongVendor.IsQuantisUSB() {
		t.Fatalf("expected no match on wrong vendor")
	}

	noBulkIn := UsbDeviceDesc{
		Vendor:  QuantisVendorID,
		Product: QuantisProductID,
		IfAddrs: []UsbIfAddr{{Num: 0, In: -1}},
	}
	if noBulkIn.IsQuantisUSB() {
		t.Fatalf("expected no match without a bulk-IN endpoint")
	}
}

func TestUsbDeviceInfoIdent(t *testing.T) {
	withSerial := UsbDeviceInfo{SerialNumber: "100887A410"}
	if withSerial.Ident() != "100887A410" {
		t.Fatalf("got %q", withSerial.Ident())
	}

	messy := UsbDeviceInfo{SerialNumber: " 100887/A 410 "}
	if messy.Ident() != "100887-A-410" {
		t.Fatalf("got %q", messy.Ident())
	}

	noSerial := UsbDeviceInfo{Vendor: QuantisVendorID, Product: QuantisProductID, PortNum: 3}
	if noSerial.Ident() == "" {
		t.Fatalf("expected synthetic identifier fallback")
	}
}

func TestMakeAndModel(t *testing.T) {
	info := UsbDeviceInfo{Manufacturer: "ID Quantique", ProductName: "Quantis USB"}
	if info.MakeAndModel() != "ID Quantique Quantis USB" {
		t.Fatalf("got %q", info.MakeAndModel())
	}

	empty := UsbDeviceInfo{}
	if empty.MakeAndModel() == "" {
		t.Fatalf("expected a non-empty fallback")
	}
}
