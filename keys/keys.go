package keys

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

type KeyName int

const (
	KeyUp KeyName = iota
	KeyDown
	// KeyCancel cancels the batch; pressed again it detaches the dashboard.
	KeyCancel
	// KeyDetach leaves the dashboard while the batch keeps running.
	KeyDetach
	KeyHelp
)

// actionNames are the names accepted in the key_mappings config section.
var actionNames = map[string]KeyName{
	"up":     KeyUp,
	"down":   KeyDown,
	"cancel": KeyCancel,
	"detach": KeyDetach,
	"help":   KeyHelp,
}

// GlobalKeyStringsMap is a global map of key string to keybinding name.
var GlobalKeyStringsMap = map[string]KeyName{}

// GlobalkeyBindings is a global map of KeyName to keybinding.
var GlobalkeyBindings = map[KeyName]key.Binding{}

func defaultBindings() map[KeyName]key.Binding {
	return map[KeyName]key.Binding{
		KeyUp: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		KeyDown: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		KeyCancel: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "cancel batch"),
		),
		KeyDetach: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "detach"),
		),
		KeyHelp: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
	}
}

func init() {
	Reset()
}

// Reset restores the default bindings.
func Reset() {
	GlobalkeyBindings = defaultBindings()
	rebuildStrings()
}

func rebuildStrings() {
	GlobalKeyStringsMap = make(map[string]KeyName)
	for name, b := range GlobalkeyBindings {
		for _, k := range b.Keys() {
			GlobalKeyStringsMap[k] = name
		}
	}
}

// UpdateKeyMappings replaces the keys of the named actions. Actions not
// mentioned keep their defaults. A key may only be bound once.
func UpdateKeyMappings(mappings map[string][]string) error {
	bindings, err := buildBindings(mappings)
	if err != nil {
		return err
	}
	GlobalkeyBindings = bindings
	rebuildStrings()
	return nil
}

// CheckKeyMappings reports whether mappings would be accepted by
// UpdateKeyMappings without applying them.
func CheckKeyMappings(mappings map[string][]string) error {
	_, err := buildBindings(mappings)
	return err
}

func buildBindings(mappings map[string][]string) (map[KeyName]key.Binding, error) {
	bindings := defaultBindings()
	actions := make([]string, 0, len(mappings))
	for action := range mappings {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	for _, action := range actions {
		name, ok := actionNames[strings.ToLower(action)]
		if !ok {
			return nil, fmt.Errorf("unknown key action %q", action)
		}
		ks := mappings[action]
		if len(ks) == 0 {
			return nil, fmt.Errorf("key action %q has no keys", action)
		}
		help := bindings[name].Help()
		bindings[name] = key.NewBinding(
			key.WithKeys(ks...),
			key.WithHelp(strings.Join(ks, "/"), help.Desc),
		)
	}

	owner := make(map[string]KeyName)
	for name, b := range bindings {
		for _, k := range b.Keys() {
			if prev, dup := owner[k]; dup && prev != name {
				return nil, fmt.Errorf("key %q is bound to more than one action", k)
			}
			owner[k] = name
		}
	}
	return bindings, nil
}

// Lookup returns the action bound to a key string such as "q" or "ctrl+c".
func Lookup(k string) (KeyName, bool) {
	name, ok := GlobalKeyStringsMap[k]
	return name, ok
}

// HelpLine renders "key desc" pairs for the given actions.
func HelpLine(names ...KeyName) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		h := GlobalkeyBindings[n].Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " • ")
}
