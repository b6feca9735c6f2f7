package views

import (
	"fmt"

	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationInfo shows one directory row in full.
type ConversationInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConversationInfo creates an empty details pane.
func NewConversationInfo(theme *ui.Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Conversation Details ")
	tv.SetTitleColor(theme.TitleColor)
	return &ConversationInfo{TextView: tv, theme: theme}
}

// Title implements ui.Component.
func (ci *ConversationInfo) Title() string { return "Details" }

// Hints implements ui.Component.
func (ci *ConversationInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

// Update renders c.
func (ci *ConversationInfo) Update(c chat.Conversation) {
	ci.Clear()

	fg := ui.ColorTag(ci.theme.FgColor)
	ct := ui.ColorTag(ci.theme.CounterColor)

	lastActive := "-"
	if !c.LastMessageAt.IsZero() {
		lastActive = c.LastMessageAt.Local().Format("2006-01-02 15:04")
	}
	field := func(v string) string {
		if v == "" {
			return "-"
		}
		return tview.Escape(sanitizeForTerminal(v))
	}

	_, _ = fmt.Fprintf(ci,
		"\n [%s::b]Name:[-:-:-]         [%s]%s[-]\n"+
			" [%s::b]Conversation:[-:-:-] [%s]%s[-]\n"+
			" [%s::b]Peer:[-:-:-]         [%s]%s[-]\n"+
			" [%s::b]Avatar:[-:-:-]       [%s]%s[-]\n"+
			" [%s::b]Unread:[-:-:-]       [%s]%d[-]\n"+
			" [%s::b]Last Active:[-:-:-]  [%s]%s[-]\n"+
			" [%s::b]Last Message:[-:-:-] [%s]%s[-]",
		fg, ct, field(c.DisplayName()),
		fg, ct, field(c.ID),
		fg, ct, field(c.PeerID),
		fg, ct, field(c.PeerAvatarRef),
		fg, ct, c.UnreadCount,
		fg, ct, lastActive,
		fg, ct, field(c.LastMessagePreview),
	)
	ci.SetTitle(fmt.Sprintf(" %s Details ", tview.Escape(sanitizeForTerminal(c.DisplayName()))))
}
