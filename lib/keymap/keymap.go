// Package keymap translates DOM keyboard identifiers into the virtual key
// codes and modifier bitmaps expected by Input.dispatchKeyEvent.
package keymap

import "unicode"

// Modifiers mirrors the modifier flags carried on client key events.
type Modifiers struct {
	Alt   bool `json:"alt,omitempty"`
	Ctrl  bool `json:"ctrl,omitempty"`
	Meta  bool `json:"meta,omitempty"`
	Shift bool `json:"shift,omitempty"`
}

// Flags returns the CDP modifier bitmap: 1=Alt, 2=Ctrl, 4=Meta, 8=Shift.
func (m Modifiers) Flags() int {
	flags := 0
	if m.Alt {
		flags |= 1
	}
	if m.Ctrl {
		flags |= 2
	}
	if m.Meta {
		flags |= 4
	}
	if m.Shift {
		flags |= 8
	}
	return flags
}

var namedKeyCodes = map[string]int{
	"Backspace":  8,
	"Tab":        9,
	"Enter":      13,
	"Shift":      16,
	"Control":    17,
	"Alt":        18,
	"Escape":     27,
	"Space":      32,
	"ArrowLeft":  37,
	"ArrowUp":    38,
	"ArrowRight": 39,
	"ArrowDown":  40,
	"Delete":     46,
	"F1":         112,
	"F2":         113,
	"F3":         114,
	"F4":         115,
	"F5":         116,
	"F6":         117,
	"F7":         118,
	"F8":         119,
	"F9":         120,
	"F10":        121,
	"F11":        122,
	"F12":        123,
}

// WindowsVirtualKeyCode maps a DOM (key, code) pair to the Windows virtual
// key code CDP expects. Named keys use a fixed table; single characters map
// to their uppercase ASCII code; anything else yields 0.
func WindowsVirtualKeyCode(key, code string) int {
	if vk, ok := namedKeyCodes[key]; ok {
		return vk
	}
	runes := []rune(key)
	if len(runes) == 1 {
		r := runes[0]
		if unicode.IsLetter(r) {
			return int(unicode.ToUpper(r))
		}
		return int(r)
	}
	return 0
}
