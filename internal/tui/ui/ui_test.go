package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/rivo/tview"
)

type stubPage struct {
	*tview.Box
	title string
}

func (s *stubPage) Title() string { return s.title }
func (s *stubPage) Hints() []MenuHint { return nil }

func newStub(title string) *stubPage {
	return &stubPage{Box: tview.NewBox(), title: title}
}

func TestPagesStack(t *testing.T) {
	p := NewPages()
	p.Register("list", newStub("Conversations"))
	p.Register("thread", newStub("Ana"))
	p.Register("help", newStub("Help"))

	var titles []string
	p.SetOnChange(func(_ Component, ts []string) { titles = ts })

	p.Reset("list")
	p.Push("thread")
	p.Push("help")
	if got := strings.Join(titles, ">"); got != "Conversations>Ana>Help" {
		t.Fatalf("titles = %q", got)
	}

	p.Push("thread")
	if p.Current() != "thread" || len(p.Titles()) != 2 {
		t.Fatalf("push of stacked page did not unwind: %v", p.Titles())
	}

	if top := p.Pop(); top != "list" {
		t.Fatalf("Pop() = %q", top)
	}
	if top := p.Pop(); top != "list" {
		t.Fatalf("Pop() on last page = %q", top)
	}
	if p.Top().Title() != "Conversations" {
		t.Fatalf("Top() = %q", p.Top().Title())
	}
}

func TestFlashExpires(t *testing.T) {
	f := NewFlashModel()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	if f.Current() != nil {
		t.Fatal("empty model should have no notice")
	}
	f.Warn("reconnecting")
	if m := f.Current(); m == nil || m.Level != FlashWarn || m.Text != "reconnecting" {
		t.Fatalf("Current() = %+v", m)
	}
	now = now.Add(9 * time.Second)
	if f.Current() != nil {
		t.Fatal("notice should have expired")
	}
}

func TestStateColor(t *testing.T) {
	theme := DefaultTheme()
	tests := []struct {
		state string
		want  string
	}{
		{"connected", ColorTag(theme.ConnectedColor)},
		{"reconnecting", ColorTag(theme.ConnectingColor)},
		{"connecting", ColorTag(theme.ConnectingColor)},
		{"closed", ColorTag(theme.ClosedColor)},
		{"idle", ColorTag(theme.DimColor)},
	}
	for _, tt := range tests {
		if got := ColorTag(StateColor(theme, tt.state)); got != tt.want {
			t.Errorf("StateColor(%q) = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestMenuColumns(t *testing.T) {
	m := NewMenu(DefaultTheme())
	var hints []MenuHint
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		hints = append(hints, MenuHint{Key: k, Description: "do " + k})
	}
	m.Update(hints)

	lines := strings.Split(m.GetText(true), "\n")
	if len(lines) != menuRows {
		t.Fatalf("lines = %d, want %d", len(lines), menuRows)
	}
	if !strings.HasPrefix(lines[0], "<a> do a") || !strings.Contains(lines[0], "<g> do g") {
		t.Errorf("first line = %q", lines[0])
	}
	if strings.Count(lines[2], "<") != 1 {
		t.Errorf("third line = %q", lines[2])
	}
}
