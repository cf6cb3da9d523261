package ui

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the watch screen bindings.
type keyMap struct {
	Quit     key.Binding
	Focus    key.Binding
	Stop     key.Binding
	Gate     key.Binding
	Nudges   key.Binding
	Exercise key.Binding
	AddSite  key.Binding
	Refresh  key.Binding
	Confirm  key.Binding
	Cancel   key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Focus: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "start focus"),
		),
		Stop: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "stop focus"),
		),
		Gate: key.NewBinding(
			key.WithKeys("g"),
			key.WithHelp("g", "toggle gate"),
		),
		Nudges: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "toggle nudges"),
		),
		Exercise: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "toggle exercise"),
		),
		AddSite: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "flag site"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Confirm: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "confirm"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Focus, k.Stop, k.Gate, k.Nudges, k.Exercise, k.AddSite, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Focus, k.Stop, k.AddSite},
		{k.Gate, k.Nudges, k.Exercise},
		{k.Refresh, k.Quit},
	}
}
