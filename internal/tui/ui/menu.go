package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

// menuRows is how many hints fit in one menu column.
const menuRows = 6

// Menu lists the key hints of the current page in columns.
type Menu struct {
	*tview.TextView
	theme *Theme
}

// NewMenu creates an empty hint list.
func NewMenu(theme *Theme) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 2, 0)
	return &Menu{TextView: tv, theme: theme}
}

// Update renders hints top to bottom, then left to right.
func (m *Menu) Update(hints []MenuHint) {
	m.Clear()
	_, _ = fmt.Fprint(m, strings.Join(m.layout(hints), "\n"))
}

func (m *Menu) layout(hints []MenuHint) []string {
	cols := (len(hints) + menuRows - 1) / menuRows
	width := make([]int, cols)
	for i, h := range hints {
		if w := len(h.Key) + len(h.Description) + 3; w > width[i/menuRows] {
			width[i/menuRows] = w
		}
	}

	lines := make([]string, min(len(hints), menuRows))
	for i, h := range hints {
		kc := m.theme.MenuKeyColor
		if h.Numeric {
			kc = m.theme.NumericKeyColor
		}
		col, row := i/menuRows, i%menuRows
		pad := width[col] - len(h.Key) - len(h.Description) - 3
		lines[row] += fmt.Sprintf("[%s::b]<%s>[-:-:-] %s%s  ",
			ColorTag(kc), tview.Escape(h.Key), h.Description, strings.Repeat(" ", pad))
	}
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " ")
	}
	return lines
}
