package model

import "fmt"

// Device describes the USB identity of an attached machine as reported by
// hotplug enumeration. A Device is owned by exactly one Bot and is cleared
// again when the hardware detaches.
type Device struct {
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
	Raw       string // raw descriptor text, kept for diagnostics
}

// Matches reports whether the device carries the given vendor/product pair.
func (d Device) Matches(vendor, product uint16) bool {
	return d.VendorID == vendor && d.ProductID == product
}

// String renders the identity in the usual vvvv:pppp form.
func (d Device) String() string {
	return fmt.Sprintf("%04x:%04x (bus %d addr %d)", d.VendorID, d.ProductID, d.Bus, d.Address)
}

// VirtualDevice returns the synthetic descriptor used for virtual bots,
// letting the detection pipeline run without hardware attached.
func VirtualDevice() Device {
	return Device{Raw: "virtual"}
}
