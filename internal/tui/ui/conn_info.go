package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ConnData is what the header shows about the client.
type ConnData struct {
	Profile       string
	UserID        string
	BaseURL       string
	State         string
	Conversations int
	Unread        int
}

// ConnInfo is the header panel with profile and connection details.
type ConnInfo struct {
	*tview.TextView
	theme *Theme
}

// NewConnInfo creates an empty panel.
func NewConnInfo(theme *Theme) *ConnInfo {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)
	return &ConnInfo{TextView: tv, theme: theme}
}

// Update renders d.
func (ci *ConnInfo) Update(d ConnData) {
	ci.Clear()
	fg, val := ColorTag(ci.theme.FgColor), ColorTag(ci.theme.CounterColor)
	state := ColorTag(StateColor(ci.theme, d.State))
	_, _ = fmt.Fprintf(ci,
		"[%s::b]Profile:[-:-:-] [%s]%s[-]\n"+
			"[%s::b]User:[-:-:-]    [%s]%s[-]\n"+
			"[%s::b]Server:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Link:[-:-:-]    [%s]%s[-]\n"+
			"[%s::b]Chats:[-:-:-]   [%s]%d[-]\n"+
			"[%s::b]Unread:[-:-:-]  [%s]%d[-]",
		fg, val, tview.Escape(d.Profile),
		fg, val, tview.Escape(d.UserID),
		fg, val, tview.Escape(d.BaseURL),
		fg, state, d.State,
		fg, val, d.Conversations,
		fg, val, d.Unread,
	)
}

// StateColor maps a connection state name to its indicator color.
func StateColor(theme *Theme, state string) tcell.Color {
	switch state {
	case "connected":
		return theme.ConnectedColor
	case "connecting", "reconnecting":
		return theme.ConnectingColor
	case "closed":
		return theme.ClosedColor
	default:
		return theme.DimColor
	}
}
