//go:build linux

package hiddev

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lierdakil/hoip/internal/evcode"
	"github.com/lierdakil/hoip/internal/wire"
)

// uinput ioctl numbers, from linux/uinput.h. golang.org/x/sys/unix doesn't
// export these (they're Linux-input-subsystem specific, not general
// syscalls), so they're named directly from the stable UAPI:
//
//	UI_DEV_CREATE  = _IO('U', 1)
//	UI_DEV_DESTROY = _IO('U', 2)
//	UI_SET_EVBIT   = _IOW('U', 100, int)
//	UI_SET_KEYBIT  = _IOW('U', 101, int)
//	UI_SET_RELBIT  = _IOW('U', 102, int)
//	UI_SET_PROPBIT = _IOW('U', 110, int)
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	uiSetEvbit   = 0x40045564
	uiSetKeybit  = 0x40045565
	uiSetRelbit  = 0x40045566
	uiSetPropbit = 0x4004556e
)

// inputPropPointer marks the device as a relative-motion pointer, per
// linux/input-event-codes.h INPUT_PROP_POINTER.
const inputPropPointer = 0x00

// relMaxAxis bounds the relative axes declared on the virtual device: the
// classic set stops at REL_RESERVED, the high-res scroll set extends through
// REL_WHEEL_HI_RES/REL_HWHEEL_HI_RES.
const (
	relMaxAxisClassic = evcode.MaxRelativeAxisLowRes
	relMaxAxisHighRes = evcode.MaxRelativeAxis
)

// legacyUinputUserDev mirrors struct uinput_user_dev from linux/uinput.h:
// a fixed-size struct written directly to /dev/uinput before UI_DEV_CREATE.
// Layout: 80-byte name, struct input_id{4x u16}, u32 ff_effects_max, then
// four [64]int32 absolute-axis tables (max/min/fuzz/flat).
type legacyUinputUserDev struct {
	Name         [80]byte
	BusType      uint16
	Vendor       uint16
	Product      uint16
	Version      uint16
	FFEffectsMax uint32
	AbsMax       [64]int32
	AbsMin       [64]int32
	AbsFuzz      [64]int32
	AbsFlat      [64]int32
}

const legacyUinputUserDevSize = 80 + 2*4 + 4 + 64*4*4

type linuxVirtualDeviceBuilder struct{}

// NewVirtualDeviceBuilder returns the Linux uinput-backed builder.
func NewVirtualDeviceBuilder() VirtualDeviceBuilder { return linuxVirtualDeviceBuilder{} }

func (linuxVirtualDeviceBuilder) Build(cfg VirtualDeviceConfig) (VirtualDevice, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("hiddev: open /dev/uinput: %w", err)
	}
	dev := &linuxVirtualDevice{f: f, name: cfg.Name}
	if err := dev.setup(cfg); err != nil {
		f.Close()
		return nil, err
	}
	return dev, nil
}

type linuxVirtualDevice struct {
	f    *os.File
	name string
}

func (d *linuxVirtualDevice) setup(cfg VirtualDeviceConfig) error {
	if err := ioctlArg(d.f, uiSetEvbit, uintptr(evcode.EV_KEY)); err != nil {
		return fmt.Errorf("hiddev: UI_SET_EVBIT EV_KEY: %w", err)
	}
	if err := ioctlArg(d.f, uiSetEvbit, uintptr(evcode.EV_REL)); err != nil {
		return fmt.Errorf("hiddev: UI_SET_EVBIT EV_REL: %w", err)
	}
	if err := ioctlArg(d.f, uiSetEvbit, uintptr(evcode.EV_SYN)); err != nil {
		return fmt.Errorf("hiddev: UI_SET_EVBIT EV_SYN: %w", err)
	}
	if err := ioctlArg(d.f, uiSetPropbit, uintptr(inputPropPointer)); err != nil {
		return fmt.Errorf("hiddev: UI_SET_PROPBIT POINTER: %w", err)
	}
	for code := uint16(0); code < evcode.MaxKeyCode; code++ {
		if err := ioctlArg(d.f, uiSetKeybit, uintptr(code)); err != nil {
			return fmt.Errorf("hiddev: UI_SET_KEYBIT %d: %w", code, err)
		}
	}
	maxRel := relMaxAxisClassic
	if cfg.HighResScroll {
		maxRel = relMaxAxisHighRes
	}
	for code := uint16(0); code <= maxRel; code++ {
		if err := ioctlArg(d.f, uiSetRelbit, uintptr(code)); err != nil {
			return fmt.Errorf("hiddev: UI_SET_RELBIT %d: %w", code, err)
		}
	}

	var ud legacyUinputUserDev
	copy(ud.Name[:], cfg.Name)
	ud.BusType = cfg.BusType
	ud.Vendor = cfg.VendorID
	ud.Product = cfg.ProductID
	ud.Version = cfg.ProductVersion

	buf := make([]byte, legacyUinputUserDevSize)
	if err := marshalLegacyUinputUserDev(buf, &ud); err != nil {
		return err
	}
	if _, err := d.f.Write(buf); err != nil {
		return fmt.Errorf("hiddev: write uinput_user_dev: %w", err)
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), uiDevCreate, 0); errno != 0 {
		return fmt.Errorf("hiddev: UI_DEV_CREATE: %w", errno)
	}
	return nil
}

func marshalLegacyUinputUserDev(dst []byte, ud *legacyUinputUserDev) error {
	if len(dst) < legacyUinputUserDevSize {
		return fmt.Errorf("hiddev: uinput_user_dev buffer too small")
	}
	off := 0
	copy(dst[off:off+80], ud.Name[:])
	off += 80
	binary.LittleEndian.PutUint16(dst[off:], ud.BusType)
	off += 2
	binary.LittleEndian.PutUint16(dst[off:], ud.Vendor)
	off += 2
	binary.LittleEndian.PutUint16(dst[off:], ud.Product)
	off += 2
	binary.LittleEndian.PutUint16(dst[off:], ud.Version)
	off += 2
	binary.LittleEndian.PutUint32(dst[off:], ud.FFEffectsMax)
	off += 4
	for _, arr := range [][64]int32{ud.AbsMax, ud.AbsMin, ud.AbsFuzz, ud.AbsFlat} {
		for _, v := range arr {
			binary.LittleEndian.PutUint32(dst[off:], uint32(v))
			off += 4
		}
	}
	return nil
}

func ioctlArg(f *os.File, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// inputEventWireSize matches device_linux.go's inputEventSize: the kernel
// expects the same struct input_event layout on write as on read.
const inputEventWireSize = 24

func (d *linuxVirtualDevice) Emit(events []wire.Event) error {
	buf := make([]byte, 0, (len(events)+1)*inputEventWireSize)
	for _, e := range events {
		buf = appendInputEvent(buf, e.Type, e.Code, e.Value)
	}
	buf = appendInputEvent(buf, evcode.EV_SYN, evcode.SYN_REPORT, 0)
	if _, err := d.f.Write(buf); err != nil {
		return fmt.Errorf("hiddev: emit: %w", err)
	}
	return nil
}

func appendInputEvent(buf []byte, typ, code uint16, value int32) []byte {
	var ev [inputEventWireSize]byte
	now := time.Now()
	binary.LittleEndian.PutUint64(ev[0:8], uint64(now.Unix()))
	binary.LittleEndian.PutUint64(ev[8:16], uint64(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint16(ev[16:18], typ)
	binary.LittleEndian.PutUint16(ev[18:20], code)
	binary.LittleEndian.PutUint32(ev[20:24], uint32(value))
	return append(buf, ev[:]...)
}

// SysPath resolves the /sys/devices/virtual/input/inputN path the kernel
// assigned to this device. uinput doesn't return the path directly, so this
// walks the /sys/devices/virtual/input tree and returns the first entry
// whose "name" file matches the configured device name.
func (d *linuxVirtualDevice) SysPath() (string, error) {
	entries, err := os.ReadDir("/sys/devices/virtual/input")
	if err != nil {
		return "", fmt.Errorf("hiddev: read sysfs input tree: %w", err)
	}
	for _, e := range entries {
		dir := filepath.Join("/sys/devices/virtual/input", e.Name())
		if readSysfsLine(filepath.Join(dir, "name")) == d.name {
			return dir, nil
		}
	}
	return "", fmt.Errorf("hiddev: no virtual input device found in sysfs")
}

func (d *linuxVirtualDevice) Close() error {
	unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), uiDevDestroy, 0)
	return d.f.Close()
}
