package views

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatline/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar is the bottom line: profile, realtime link state and clock.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	state   string
	unread  int
	now     func() time.Time
}

// NewStatusBar creates an empty status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv, theme: theme, now: time.Now}
}

// Update sets the displayed values and redraws.
func (sb *StatusBar) Update(profile, state string, unread int) {
	sb.profile, sb.state, sb.unread = profile, state, unread
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	if sb.state == "" {
		sb.state = "idle"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | [%s]● %s[-] | %s",
		tview.Escape(sb.profile),
		ui.ColorTag(ui.StateColor(sb.theme, sb.state)), sb.state,
		sb.now().Format("15:04"))
	if sb.unread > 0 {
		line += fmt.Sprintf(" | [%s]%d unread[-]", ui.ColorTag(sb.theme.UnreadColor), sb.unread)
	}
	_, _ = fmt.Fprint(sb, line)
}
