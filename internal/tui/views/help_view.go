package views

import (
	"fmt"

	"github.com/matheus3301/chatline/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView is the key and command reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates the help page.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{TextView: tv, theme: theme}
	hv.render()
	return hv
}

// Title implements ui.Component.
func (hv *HelpView) Title() string { return "Help" }

// Hints implements ui.Component.
func (hv *HelpView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

func (hv *HelpView) render() {
	kc := ui.ColorTag(hv.theme.MenuKeyColor)
	key := func(k string) string { return fmt.Sprintf("[%s]%s[-:-:-]", kc, k) }

	_, _ = fmt.Fprintf(hv, `
  [::b]Global Keys[-:-:-]

  %s      Command mode        %s     Cancel / Go back
  %s      Filter conversations %s      Help
  %s      Quit / Back         %s Quit immediately

  [::b]Conversation List[-:-:-]

  %s  Open conversation   %s      Show details
  %s    Jump to Nth chat    %s      Clear filter

  [::b]Conversation[-:-:-]

  %s      Focus composer      %s Retry last failed message
  %s    Leave composer      %s  Send (in composer)

  [::b]Commands[-:-:-]

  %s      Start or open a direct conversation
  %s     Open a conversation by name or id
  %s              Retry the last failed message
  %s            Reload the conversation list
  %s / %s           Show this help
  %s / %s           Quit
`,
		key(":"), key("Esc"),
		key("/"), key("?"),
		key("q"), key("Ctrl-C"),
		key("Enter"), key("d"),
		key("1-9"), key("0"),
		key("i"), key("Ctrl-R"),
		key("Esc"), key("Enter"),
		key(":new <user>"),
		key(":open <name>"),
		key(":retry"),
		key(":refresh"),
		key(":help"), key(":h"),
		key(":quit"), key(":q"),
	)
}
