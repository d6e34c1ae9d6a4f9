package common

import "errors"

// ErrModulePaused is returned when an operator has halted a module outright.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module is currently halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view means no pause
// control is wired and the call proceeds.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
