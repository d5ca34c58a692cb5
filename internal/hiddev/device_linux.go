//go:build linux

package hiddev

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/lierdakil/hoip/internal/wire"
)

// eviocgrab is the evdev ioctl (linux/input.h) that requests/releases
// exclusive access to a device. It isn't exported by golang.org/x/sys/unix,
// so it's named here directly from the stable kernel UAPI:
// EVIOCGRAB = _IOW('E', 0x90, int).
const eviocgrab = 0x40044590

// inputEventSize is sizeof(struct input_event) on a 64-bit little-endian
// kernel: a 16-byte timeval, u16 type, u16 code, s32 value.
const inputEventSize = 24

type linuxDevice struct {
	f    *os.File
	info Info
}

// linuxEnumerator implements Enumerator by scanning /dev/input/event* and
// reading device metadata from the corresponding sysfs entries.
type linuxEnumerator struct{}

// NewEnumerator returns the Linux device enumerator.
func NewEnumerator() Enumerator { return linuxEnumerator{} }

func (linuxEnumerator) Enumerate() ([]Info, error) {
	paths, err := filepath.Glob("/dev/input/event*")
	if err != nil {
		return nil, fmt.Errorf("hiddev: glob /dev/input: %w", err)
	}
	sort.Strings(paths)
	infos := make([]Info, 0, len(paths))
	for _, p := range paths {
		infos = append(infos, sysfsInfo(p))
	}
	return infos, nil
}

func (e linuxEnumerator) Open(selector string) (Device, error) {
	infos, err := e.Enumerate()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Path == selector || info.Name == selector || (info.UniqueID != "" && info.UniqueID == selector) {
			f, err := os.OpenFile(info.Path, os.O_RDWR, 0)
			if err != nil {
				return nil, fmt.Errorf("hiddev: open %s: %w", info.Path, err)
			}
			return &linuxDevice{f: f, info: info}, nil
		}
	}
	return nil, fmt.Errorf("hiddev: no device matches %q", selector)
}

// sysfsInfo reads name/uniq/capabilities for an /dev/input/eventN path from
// the matching /sys/class/input/eventN/device tree, which the kernel
// populates for every evdev node.
func sysfsInfo(devPath string) Info {
	base := filepath.Base(devPath)
	sysDev := filepath.Join("/sys/class/input", base, "device")
	info := Info{Path: devPath}
	info.Name = readSysfsLine(filepath.Join(sysDev, "name"))
	info.UniqueID = readSysfsLine(filepath.Join(sysDev, "uniq"))
	if caps := readSysfsLine(filepath.Join(sysDev, "capabilities", "ev")); caps != "" {
		info.EventTypes = parseCapabilityMask(caps)
	}
	return info
}

func readSysfsLine(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// parseCapabilityMask decodes the space-separated hex words the kernel
// writes to .../capabilities/ev (most-significant word first) into the set
// of supported event types.
func parseCapabilityMask(s string) []uint16 {
	words := strings.Fields(s)
	var types []uint16
	// words[len-1] is the least-significant 32/64-bit chunk, covering the
	// low event-type numbers every device we care about reports.
	for wi := len(words) - 1; wi >= 0; wi-- {
		var v uint64
		fmt.Sscanf(words[wi], "%x", &v)
		base := uint16((len(words) - 1 - wi) * 64)
		for bit := 0; bit < 64; bit++ {
			if v&(1<<uint(bit)) != 0 {
				types = append(types, base+uint16(bit))
			}
		}
	}
	return types
}

func (d *linuxDevice) Info() Info { return d.info }

func (d *linuxDevice) Grab() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), eviocgrab, 1)
	if errno != 0 {
		return fmt.Errorf("hiddev: grab %s: %w", d.info.Path, errno)
	}
	return nil
}

func (d *linuxDevice) Ungrab() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), eviocgrab, 0)
	if errno == unix.EINVAL {
		// The kernel reports EINVAL when this handle holds no grab.
		return nil
	}
	if errno != 0 {
		return fmt.Errorf("hiddev: ungrab %s: %w", d.info.Path, errno)
	}
	return nil
}

func (d *linuxDevice) Close() error { return d.f.Close() }

func (d *linuxDevice) Events(ctx context.Context) (<-chan wire.Event, <-chan error) {
	out := make(chan wire.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		buf := make([]byte, inputEventSize)
		for {
			if ctx.Err() != nil {
				errc <- ctx.Err()
				return
			}
			n, err := d.f.Read(buf)
			if err != nil {
				errc <- fmt.Errorf("hiddev: read %s: %w", d.info.Path, err)
				return
			}
			if n < inputEventSize {
				continue
			}
			// The first 16 bytes are a timeval; ignored, since timestamps
			// are re-stamped at the receiver.
			typ := binary.LittleEndian.Uint16(buf[16:18])
			code := binary.LittleEndian.Uint16(buf[18:20])
			value := int32(binary.LittleEndian.Uint32(buf[20:24]))
			select {
			case out <- wire.Event{Type: typ, Code: code, Value: value}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return out, errc
}
