// Package hiddev defines the narrow interfaces this module uses to talk to
// physical and virtual HID devices. Enumeration/opening of physical
// devices and construction of virtual devices are OS-provided collaborators
// — this package names the interfaces; device_linux.go and uinput_linux.go
// provide the Linux backend.
package hiddev

import (
	"context"

	"github.com/lierdakil/hoip/internal/wire"
)

// Info describes one enumerated physical device, enough to let a user
// select it by path, name, or unique id on the command line.
type Info struct {
	Path     string
	Name     string
	UniqueID string
	// EventTypes lists the evdev event types (EV_KEY, EV_REL, ...) this
	// device reports, for --list-devices.
	EventTypes []uint16
}

// Device is one grabbed-or-not physical input device.
type Device interface {
	Info() Info
	// Events starts reading the device and returns a channel of decoded
	// events; it closes the channel and ends the background reader when
	// ctx is cancelled or the device is closed.
	Events(ctx context.Context) (<-chan wire.Event, <-chan error)
	// Grab requests exclusive OS capture of the device. While grabbed, the
	// device delivers no events to other consumers on the host.
	Grab() error
	// Ungrab releases a previous Grab. Calling Ungrab without a matching
	// Grab is a no-op.
	Ungrab() error
	Close() error
}

// Enumerator discovers and opens physical devices.
type Enumerator interface {
	Enumerate() ([]Info, error)
	// Open opens the device matching path, name, or unique id.
	Open(selector string) (Device, error)
}

// VirtualDeviceConfig configures the virtual input device materialized on
// the client.
type VirtualDeviceConfig struct {
	Name           string
	BusType        uint16
	VendorID       uint16
	ProductID      uint16
	ProductVersion uint16
	HighResScroll  bool
}

// VirtualDevice is a kernel-visible input device created by user space.
type VirtualDevice interface {
	// Emit delivers a batch of events atomically: events between
	// SYN_REPORTs reach userspace together.
	Emit(events []wire.Event) error
	SysPath() (string, error)
	Close() error
}

// VirtualDeviceBuilder constructs a VirtualDevice from a config.
type VirtualDeviceBuilder interface {
	Build(cfg VirtualDeviceConfig) (VirtualDevice, error)
}
