package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/tui/ui"
	"github.com/rivo/tview"
)

// attachPrefix starts a composer line that carries an attachment reference.
const attachPrefix = "/attach "

// Draft is one composed message.
type Draft struct {
	Body          string
	AttachmentRef string
}

// ParseDraft reads composer input. "/attach <ref> <text>" attaches ref; any
// other input is sent as is. Blank input yields ok=false.
func ParseDraft(input string) (Draft, bool) {
	if strings.TrimSpace(input) == "" {
		return Draft{}, false
	}
	if !strings.HasPrefix(input, attachPrefix) {
		return Draft{Body: input}, true
	}
	rest := strings.TrimSpace(strings.TrimPrefix(input, attachPrefix))
	if rest == "" {
		return Draft{}, false
	}
	ref, body, _ := strings.Cut(rest, " ")
	return Draft{Body: strings.TrimSpace(body), AttachmentRef: ref}, true
}

// MessageThread shows the selected conversation's timeline and a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	name     string
	id       string
	selfID   string
	onSend   func(Draft)
	now      func() time.Time
}

// NewMessageThread creates an empty thread.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus, /attach <ref> <text>) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
		now:      time.Now,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || mt.onSend == nil {
			return
		}
		if d, ok := ParseDraft(composer.GetText()); ok {
			mt.onSend(d)
			composer.SetText("")
		}
	})
	return mt
}

// Title implements ui.Component.
func (mt *MessageThread) Title() string {
	if mt.name != "" {
		return mt.name
	}
	return "Messages"
}

// Hints implements ui.Component.
func (mt *MessageThread) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "i", Description: "Compose"},
		{Key: "Ctrl-R", Description: "Retry failed"},
		{Key: "d", Description: "Details"},
		{Key: "Esc", Description: "Back"},
	}
}

// SetConversation sets the conversation shown and the local user id.
func (mt *MessageThread) SetConversation(c chat.Conversation, selfID string) {
	mt.id, mt.name, mt.selfID = c.ID, c.DisplayName(), selfID
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(sanitizeForTerminal(mt.name))))
}

// ConversationID returns the conversation shown.
func (mt *MessageThread) ConversationID() string { return mt.id }

// SetOnSend sets the composer callback.
func (mt *MessageThread) SetOnSend(fn func(Draft)) {
	mt.onSend = fn
}

// Update renders msgs, oldest first.
func (mt *MessageThread) Update(msgs []chat.Message) {
	mt.messages.Clear()
	now := mt.now()
	for _, m := range msgs {
		_, _ = fmt.Fprint(mt.messages, mt.line(m, now))
	}
	mt.messages.ScrollToEnd()
}

func (mt *MessageThread) line(m chat.Message, now time.Time) string {
	sender, color := m.AuthorID, mt.theme.PeerColor
	if m.AuthorID == mt.selfID {
		sender, color = "You", mt.theme.SelfColor
	}

	var marker string
	body := tview.Escape(sanitizeForTerminal(m.Body))
	switch m.State {
	case chat.Pending:
		marker = fmt.Sprintf(" [%s]sending…[-]", ui.ColorTag(mt.theme.PendingColor))
		body = fmt.Sprintf("[%s]%s[-]", ui.ColorTag(mt.theme.PendingColor), body)
	case chat.Failed:
		marker = fmt.Sprintf(" [%s::b]not sent, Ctrl-R retry[-:-:-]", ui.ColorTag(mt.theme.FailedColor))
	}
	if m.AttachmentRef != "" {
		body += fmt.Sprintf("\n[%s]attachment: %s[-]", ui.ColorTag(mt.theme.DimColor), tview.Escape(m.AttachmentRef))
	}

	return fmt.Sprintf("[%s::b]%s[-:-:-] [%s]%s[-]%s\n%s\n\n",
		ui.ColorTag(color), tview.Escape(sanitizeForTerminal(sender)),
		ui.ColorTag(mt.theme.DimColor), formatTimestamp(m.CreatedAt, now),
		marker, body)
}

// Messages returns the timeline pane, for focus management.
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input, for focus management.
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
