package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the directory table.
type ConversationList struct {
	*tview.Table
	theme  *ui.Theme
	rows   []chat.Conversation
	filter string
	total  int
	now    func() time.Time
}

// NewConversationList creates an empty conversation table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)

	cl := &ConversationList{Table: table, theme: theme, now: time.Now}
	cl.render()
	return cl
}

// Title implements ui.Component.
func (cl *ConversationList) Title() string { return "Conversations" }

// Hints implements ui.Component.
func (cl *ConversationList) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Enter", Description: "Open"},
		{Key: "/", Description: "Filter"},
		{Key: "d", Description: "Details"},
		{Key: "0-9", Description: "Jump", Numeric: true},
	}
}

// Update replaces the rows. rows is already filtered; total is the size of
// the unfiltered directory.
func (cl *ConversationList) Update(rows []chat.Conversation, filter string, total int) {
	selected := cl.SelectedID()
	cl.rows, cl.filter, cl.total = rows, filter, total
	cl.render()
	cl.reselect(selected)
}

// Filter returns the filter the rows were built with.
func (cl *ConversationList) Filter() string { return cl.filter }

func (cl *ConversationList) render() {
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" NAME", 1},
		{" LAST MESSAGE", 2},
		{" UNREAD", 0},
		{" TIME", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	for i, c := range cl.rows {
		row := i + 1
		fg := cl.theme.FgColor
		unread := ""
		if c.UnreadCount > 0 {
			fg = cl.theme.UnreadColor
			unread = fmt.Sprintf("%d", c.UnreadCount)
		}
		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(c.DisplayName()))).SetExpansion(1).SetTextColor(fg))
		cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(c.LastMessagePreview))).SetExpansion(2).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 2, tview.NewTableCell(unread).SetTextColor(cl.theme.UnreadColor).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(formatTimestamp(c.LastMessageAt, cl.now())).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(cl.rows), cl.total, tview.Escape(cl.filter)))
		return
	}
	cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.rows)))
}

func (cl *ConversationList) reselect(id string) {
	for i, c := range cl.rows {
		if c.ID == id {
			cl.Select(i+1, 0)
			return
		}
	}
	if len(cl.rows) > 0 {
		cl.Select(1, 0)
	}
}

// SelectedID returns the id of the highlighted conversation.
func (cl *ConversationList) SelectedID() string {
	row, _ := cl.GetSelection()
	return cl.ByIndex(row)
}

// ByIndex returns the id of the nth visible conversation, 1-based.
func (cl *ConversationList) ByIndex(n int) string {
	if n < 1 || n > len(cl.rows) {
		return ""
	}
	return cl.rows[n-1].ID
}

func formatTimestamp(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	if y, d := now.Local().Year(), now.Local().YearDay(); t.Year() == y && t.YearDay() == d {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
