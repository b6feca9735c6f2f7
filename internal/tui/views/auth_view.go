package views

import (
	"fmt"

	"github.com/matheus3301/chatline/internal/tui/ui"
	"github.com/rivo/tview"
)

// AuthView is shown when the server rejects the credential.
type AuthView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewAuthView creates the page.
func NewAuthView(theme *ui.Theme) *AuthView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Authentication Required ")
	tv.SetTitleColor(theme.TitleColor)
	return &AuthView{TextView: tv, theme: theme}
}

// Title implements ui.Component.
func (av *AuthView) Title() string { return "Auth" }

// Hints implements ui.Component.
func (av *AuthView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
		{Key: "q", Description: "Quit"},
	}
}

// Show explains how to replace the token. profile is the active profile and
// reason the server's message, if any.
func (av *AuthView) Show(profile, reason string) {
	av.Clear()
	_, _ = fmt.Fprintf(av,
		"\n\n[%s::b]The server rejected the access token.[-:-:-]\n\n"+
			"Set CHATLINE_TOKEN, or write a new token to the token_file of profile [%s]%s[-],\n"+
			"then restart chatline.\n\n[%s]%s[-]",
		ui.ColorTag(av.theme.FailedColor),
		ui.ColorTag(av.theme.CounterColor), tview.Escape(profile),
		ui.ColorTag(av.theme.DimColor), tview.Escape(reason))
}
