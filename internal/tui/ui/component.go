package ui

import "github.com/rivo/tview"

// MenuHint describes a key shortcut shown in the menu.
type MenuHint struct {
	Key         string
	Description string
	Numeric     bool
}

// Component is a page of the terminal client.
type Component interface {
	tview.Primitive
	// Title is the breadcrumb label.
	Title() string
	Hints() []MenuHint
}
