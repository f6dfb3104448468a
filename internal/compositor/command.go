package compositor

import "shellstate/internal/command"

// Command is one of the compositor commands below.
type Command interface {
	isCommand()
}

// FocusWorkspace switches to the workspace with the given ID.
type FocusWorkspace struct {
	ID int `mapstructure:"id"`
}

// FocusSpecialWorkspace shows the named special workspace.
type FocusSpecialWorkspace struct {
	Name string `mapstructure:"name"`
}

// FocusMonitor moves focus to the monitor with the given ID.
type FocusMonitor struct {
	ID int `mapstructure:"id"`
}

// ToggleSpecialWorkspace shows or hides the named special workspace.
type ToggleSpecialWorkspace struct {
	Name string `mapstructure:"name"`
}

// ScrollWorkspace moves to the next (Direction > 0) or previous workspace.
type ScrollWorkspace struct {
	Direction int `mapstructure:"direction"`
}

// NextKeyboardLayout cycles the keyboard layout of every keyboard.
type NextKeyboardLayout struct{}

// Custom passes a raw dispatcher and its argument string to the backend.
type Custom struct {
	Dispatcher string `mapstructure:"dispatcher"`
	Args       string `mapstructure:"args"`
}

// Refresh replaces the snapshot with a full fetch. It is handled by the
// service, not the backend.
type Refresh struct{}

func (FocusWorkspace) isCommand()         {}
func (FocusSpecialWorkspace) isCommand()  {}
func (FocusMonitor) isCommand()           {}
func (ToggleSpecialWorkspace) isCommand() {}
func (ScrollWorkspace) isCommand()        {}
func (NextKeyboardLayout) isCommand()     {}
func (Custom) isCommand()                 {}
func (Refresh) isCommand()                {}

func decode[T Command](args map[string]any) (Command, error) {
	c, err := command.Decode[T](args)
	return c, err
}

// Commands decodes transport command names.
var Commands = command.Table[Command]{
	"focus_workspace":          decode[FocusWorkspace],
	"focus_special_workspace":  decode[FocusSpecialWorkspace],
	"focus_monitor":            decode[FocusMonitor],
	"toggle_special_workspace": decode[ToggleSpecialWorkspace],
	"scroll_workspace":         decode[ScrollWorkspace],
	"next_keyboard_layout":     decode[NextKeyboardLayout],
	"custom":                   decode[Custom],
	"refresh":                  decode[Refresh],
}
