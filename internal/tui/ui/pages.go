package ui

import "github.com/rivo/tview"

// Pages is a stack of components on top of tview.Pages. Pushing a page
// already on the stack unwinds to it instead of stacking it twice.
type Pages struct {
	*tview.Pages
	stack    []string
	comps    map[string]Component
	onChange func(top Component, titles []string)
}

// NewPages creates an empty stack.
func NewPages() *Pages {
	return &Pages{Pages: tview.NewPages(), comps: make(map[string]Component)}
}

// Register adds a named component without showing it.
func (p *Pages) Register(name string, c Component) {
	p.comps[name] = c
	p.AddPage(name, c, true, false)
}

// SetOnChange sets the callback run after every stack change.
func (p *Pages) SetOnChange(fn func(top Component, titles []string)) {
	p.onChange = fn
}

// Push shows name on top of the stack.
func (p *Pages) Push(name string) {
	for i, n := range p.stack {
		if n == name {
			for _, above := range p.stack[i+1:] {
				p.HidePage(above)
			}
			p.stack = p.stack[:i+1]
			p.show(name)
			return
		}
	}
	if top := p.Current(); top != "" {
		p.HidePage(top)
	}
	p.stack = append(p.stack, name)
	p.show(name)
}

// Pop removes the top page unless it is the last one and returns the new top.
func (p *Pages) Pop() string {
	if len(p.stack) <= 1 {
		return p.Current()
	}
	p.HidePage(p.stack[len(p.stack)-1])
	p.stack = p.stack[:len(p.stack)-1]
	top := p.Current()
	p.show(top)
	return top
}

// Reset makes name the only page.
func (p *Pages) Reset(name string) {
	for _, n := range p.stack {
		p.HidePage(n)
	}
	p.stack = []string{name}
	p.show(name)
}

// Current returns the top page name.
func (p *Pages) Current() string {
	if len(p.stack) == 0 {
		return ""
	}
	return p.stack[len(p.stack)-1]
}

// Top returns the top component, or nil.
func (p *Pages) Top() Component {
	return p.comps[p.Current()]
}

// Titles returns the breadcrumb labels from bottom to top.
func (p *Pages) Titles() []string {
	out := make([]string, 0, len(p.stack))
	for _, n := range p.stack {
		out = append(out, p.comps[n].Title())
	}
	return out
}

func (p *Pages) show(name string) {
	p.ShowPage(name)
	p.SendToFront(name)
	if p.onChange != nil {
		p.onChange(p.comps[name], p.Titles())
	}
}
