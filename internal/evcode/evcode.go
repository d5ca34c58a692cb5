// Package evcode holds the Linux evdev event type/code constants this
// module needs. It does not attempt to be exhaustive — only the event
// types this module forwards (keys, relative axes, synchronization, misc) and
// enough named keys to resolve a magic-key chord from the CLI.
package evcode

// Event types (linux/input-event-codes.h).
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02
	EV_ABS = 0x03
	EV_MSC = 0x04
	EV_SW  = 0x05
	EV_LED = 0x11
	EV_SND = 0x12
	EV_REP = 0x14
	EV_FF  = 0x15
)

// SYN_REPORT marks the end of an atomic group of events.
const SYN_REPORT = 0

// Relative axis codes.
const (
	REL_X             = 0x00
	REL_Y             = 0x01
	REL_Z             = 0x02
	REL_RX            = 0x03
	REL_RY            = 0x04
	REL_RZ            = 0x05
	REL_HWHEEL        = 0x06
	REL_DIAL          = 0x07
	REL_WHEEL         = 0x08
	REL_MISC          = 0x09
	REL_RESERVED      = 0x0a
	REL_WHEEL_HI_RES  = 0x0b
	REL_HWHEEL_HI_RES = 0x0c
)

// MaxRelativeAxis is the highest relative axis code declared on the
// virtual device when high-resolution scroll is enabled.
const MaxRelativeAxis = REL_HWHEEL_HI_RES

// MaxRelativeAxisLowRes is the highest relative axis code declared when
// high-resolution scroll is disabled.
const MaxRelativeAxisLowRes = REL_RESERVED

// MaxKeyCode bounds the key range declared on the virtual device: [0, 560).
const MaxKeyCode = 560

// KeyByName maps the CLI spelling of a key (without the "KEY_" prefix,
// e.g. "LEFTCTRL", "F12", "A") to its evdev key code. Covers the keys
// likely to be used in a magic chord and general typing; it is not a
// complete rendering of input-event-codes.h.
var KeyByName = map[string]uint16{
	"ESC": 1,
	"1": 2, "2": 3, "3": 4, "4": 5, "5": 6,
	"6": 7, "7": 8, "8": 9, "9": 10, "0": 11,
	"MINUS": 12, "EQUAL": 13, "BACKSPACE": 14, "TAB": 15,
	"Q": 16, "W": 17, "E": 18, "R": 19, "T": 20, "Y": 21, "U": 22, "I": 23, "O": 24, "P": 25,
	"LEFTBRACE": 26, "RIGHTBRACE": 27, "ENTER": 28, "LEFTCTRL": 29,
	"A": 30, "S": 31, "D": 32, "F": 33, "G": 34, "H": 35, "J": 36, "K": 37, "L": 38,
	"SEMICOLON": 39, "APOSTROPHE": 40, "GRAVE": 41, "LEFTSHIFT": 42, "BACKSLASH": 43,
	"Z": 44, "X": 45, "C": 46, "V": 47, "B": 48, "N": 49, "M": 50,
	"COMMA": 51, "DOT": 52, "SLASH": 53, "RIGHTSHIFT": 54, "KPASTERISK": 55,
	"LEFTALT": 56, "SPACE": 57, "CAPSLOCK": 58,
	"F1": 59, "F2": 60, "F3": 61, "F4": 62, "F5": 63, "F6": 64,
	"F7": 65, "F8": 66, "F9": 67, "F10": 68,
	"NUMLOCK": 69, "SCROLLLOCK": 70,
	"KP7": 71, "KP8": 72, "KP9": 73, "KPMINUS": 74,
	"KP4": 75, "KP5": 76, "KP6": 77, "KPPLUS": 78,
	"KP1": 79, "KP2": 80, "KP3": 81, "KP0": 82, "KPDOT": 83,
	"F11": 87, "F12": 88,
	"RIGHTCTRL": 97, "RIGHTALT": 100,
	"HOME": 102, "UP": 103, "PAGEUP": 104, "LEFT": 105, "RIGHT": 106,
	"END": 107, "DOWN": 108, "PAGEDOWN": 109, "INSERT": 110, "DELETE": 111,
	"LEFTMETA": 125, "RIGHTMETA": 126,
}
