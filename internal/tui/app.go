package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/logging"
	"github.com/matheus3301/chatline/internal/tui/keys"
	"github.com/matheus3301/chatline/internal/tui/model"
	"github.com/matheus3301/chatline/internal/tui/ui"
	"github.com/matheus3301/chatline/internal/tui/views"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageConversations = "conversations"
	pageThread        = "thread"
	pageDetails       = "details"
	pageHelp          = "help"
	pageAuth          = "auth"
)

// Options configures the terminal client.
type Options struct {
	Profile string
	BaseURL string
	Logger  *zap.Logger
}

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	vm       *model.ViewModel
	opts     Options
	logger   *zap.Logger
	theme    *ui.Theme
	registry *keys.Registry

	main      *tview.Flex
	header    *tview.Flex
	pages     *ui.Pages
	crumbs    *ui.Crumbs
	menu      *ui.Menu
	prompt    *ui.Prompt
	flash     *ui.FlashModel
	flashBar  *ui.FlashBar
	connInfo  *ui.ConnInfo
	logo      *ui.Logo
	statusBar *views.StatusBar

	list   *views.ConversationList
	thread *views.MessageThread
	info   *views.ConversationInfo
	help   *views.HelpView
	auth   *views.AuthView

	filter        string
	promptVisible bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewApp creates the TUI application over vm.
func NewApp(vm *model.ViewModel, opts Options) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		vm:        vm,
		opts:      opts,
		logger:    logging.OrNop(opts.Logger).Named("tui"),
		theme:     theme,
		registry:  keys.NewRegistry(),
		pages:     ui.NewPages(),
		crumbs:    ui.NewCrumbs(theme),
		menu:      ui.NewMenu(theme),
		prompt:    ui.NewPrompt(theme),
		flash:     ui.NewFlashModel(),
		flashBar:  ui.NewFlashBar(theme),
		connInfo:  ui.NewConnInfo(theme),
		logo:      ui.NewLogo(theme),
		statusBar: views.NewStatusBar(theme),
		list:      views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme),
		info:      views.NewConversationInfo(theme),
		help:      views.NewHelpView(theme),
		auth:      views.NewAuthView(theme),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: ':', Description: "Command",
		Handler: func() { a.showPrompt(ui.PromptCommand) },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: '/', Description: "Filter",
		Handler: func() { a.showPrompt(ui.PromptFilter) },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: '?', Description: "Help",
		Handler: func() { a.pages.Push(pageHelp) },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q', Description: "Quit / Back",
		Handler: func() {
			if a.pages.Current() == pageConversations {
				a.Stop()
				return
			}
			a.back()
		},
	})

	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: 'd', Description: "Details", Hidden: true,
		Handler: func() { a.showDetails(a.list.SelectedID()) },
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: '0', Description: "All", Hidden: true,
		Handler: func() { a.setFilter("") },
	})
	for n := 1; n <= 9; n++ {
		a.registry.AddPage(pageConversations, &keys.Action{
			Key: tcell.KeyRune, Rune: rune('0' + n), Hidden: true,
			Handler: func() { a.open(a.list.ByIndex(n)) },
		})
	}

	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i', Description: "Compose", Hidden: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'd', Description: "Details", Hidden: true,
		Handler: func() { a.showDetails(a.thread.ConversationID()) },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyCtrlR, Label: "Ctrl-R", Description: "Retry", Hidden: true,
		Handler: a.retry,
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, _ int) {
		a.open(a.list.ByIndex(row))
	})
	a.thread.SetOnSend(a.send)

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		if mode == ui.PromptFilter {
			a.setFilter(text)
			return
		}
		a.runCommand(ParseCommand(text))
	})
	a.prompt.SetOnCancel(a.hidePrompt)

	a.pages.SetOnChange(func(top ui.Component, titles []string) {
		a.crumbs.Update(titles)
		a.menu.Update(append(top.Hints(), a.registry.Hints("")...))
		a.app.SetFocus(top)
	})
}

func (a *App) setupLayout() {
	a.pages.Register(pageConversations, a.list)
	a.pages.Register(pageThread, a.thread)
	a.pages.Register(pageDetails, a.info)
	a.pages.Register(pageHelp, a.help)
	a.pages.Register(pageAuth, a.auth)

	a.header = tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.connInfo, 0, 2, false).
		AddItem(a.menu, 0, 2, false).
		AddItem(a.logo, 16, 0, false)
	a.main = tview.NewFlex().SetDirection(tview.FlexRow)
	a.layout()

	a.app.SetRoot(a.main, true)
	a.app.SetInputCapture(a.capture)
	a.pages.Reset(pageConversations)
}

func (a *App) layout() {
	a.main.Clear()
	a.main.AddItem(a.header, 7, 0, false)
	if a.promptVisible {
		a.main.AddItem(a.prompt, 3, 0, false)
	}
	a.main.AddItem(a.pages, 0, 1, true).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.flashBar, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)
}

func (a *App) capture(ev *tcell.EventKey) *tcell.EventKey {
	if a.promptVisible {
		return ev
	}
	if a.app.GetFocus() == a.thread.Composer() {
		switch ev.Key() {
		case tcell.KeyEscape:
			a.app.SetFocus(a.thread.Messages())
			return nil
		case tcell.KeyCtrlR:
			a.retry()
			return nil
		}
		return ev
	}
	if ev.Key() == tcell.KeyEscape {
		a.back()
		return nil
	}
	if a.registry.HandleEvent(a.pages.Current(), ev) {
		return nil
	}
	return ev
}

func (a *App) back() {
	if a.pages.Current() == pageConversations {
		if a.filter != "" {
			a.setFilter("")
		}
		return
	}
	a.pages.Pop()
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	a.promptVisible = true
	a.layout()
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.promptVisible = false
	a.layout()
	a.app.SetFocus(a.pages.Top())
}

func (a *App) setFilter(filter string) {
	a.filter = filter
	a.pages.Push(pageConversations)
	a.refreshList()
}

func (a *App) runCommand(cmd Command) {
	if err := cmd.Validate(); err != nil {
		a.flash.Warn(err.Error())
		a.refreshChrome()
		return
	}
	switch cmd.Name {
	case "quit":
		a.Stop()
	case "help":
		a.pages.Push(pageHelp)
	case "retry":
		a.retry()
	case "refresh":
		go func() {
			err := a.vm.Backend().Refresh(a.ctx)
			a.app.QueueUpdateDraw(func() {
				if err != nil {
					a.report("refresh", err)
				} else {
					a.flash.Info("Conversations reloaded")
				}
				a.refreshList()
			})
		}()
	case "open":
		c, ok := a.vm.FindConversation(cmd.Args)
		if !ok {
			a.flash.Warn("No conversation matches " + cmd.Args)
			a.refreshChrome()
			return
		}
		a.open(c.ID)
	case "new":
		peer := cmd.Args
		go func() {
			id, err := a.vm.Backend().StartDirect(a.ctx, peer)
			if err != nil {
				a.app.QueueUpdateDraw(func() { a.report("start conversation", err) })
				return
			}
			a.open(id)
		}()
	}
}

// open selects a conversation in the background and shows its thread.
func (a *App) open(id string) {
	if id == "" {
		return
	}
	go func() {
		err := a.vm.Backend().Select(a.ctx, id)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.report("open conversation", err)
				if chat.IsAuth(err) {
					return
				}
			}
			if a.vm.Backend().Selected() != id {
				return
			}
			c, ok := a.vm.Backend().Conversation(id)
			if !ok {
				c = chat.Conversation{ID: id}
			}
			a.thread.SetConversation(c, a.vm.Backend().SelfID())
			a.thread.Update(a.vm.Timeline())
			a.pages.Push(pageThread)
			a.refreshList()
		})
	}()
}

func (a *App) send(d views.Draft) {
	go func() {
		_, err := a.vm.Backend().Send(a.ctx, d.Body, d.AttachmentRef)
		if err != nil {
			a.app.QueueUpdateDraw(func() {
				a.report("send", err)
				a.refreshThread()
			})
		}
	}()
}

func (a *App) retry() {
	key, ok := a.vm.LastFailed()
	if !ok {
		a.flash.Info("Nothing to retry")
		a.refreshChrome()
		return
	}
	go func() {
		err := a.vm.Backend().Retry(a.ctx, key)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.report("retry", err)
			}
			a.refreshThread()
		})
	}()
}

func (a *App) showDetails(id string) {
	if id == "" {
		return
	}
	c, ok := a.vm.Backend().Conversation(id)
	if !ok {
		return
	}
	a.info.Update(c)
	a.pages.Push(pageDetails)
}

// report flashes err and switches to the auth page on credential errors.
// Must run on the UI goroutine.
func (a *App) report(op string, err error) {
	a.logger.Warn(op+" failed", zap.Error(err))
	if chat.IsAuth(err) {
		a.showAuth(err)
		return
	}
	a.flash.Err(model.Describe(err))
	a.refreshChrome()
}

func (a *App) showAuth(err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	a.auth.Show(a.opts.Profile, reason)
	a.flash.Err(model.Describe(err))
	a.pages.Push(pageAuth)
	a.refreshChrome()
}

// apply handles one change. Must run on the UI goroutine.
func (a *App) apply(c model.Change) {
	switch c.Kind {
	case model.ChangeList:
		a.refreshList()
	case model.ChangeTimeline:
		if c.ConversationID == "" || c.ConversationID == a.thread.ConversationID() {
			a.refreshThread()
		}
		a.refreshList()
	case model.ChangeConn:
		a.refreshChrome()
	case model.ChangeAuth:
		a.showAuth(c.Err)
	case model.ChangeSendFailed:
		a.flash.Warn(model.Describe(c.Err))
		a.refreshThread()
		a.refreshChrome()
	}
}

func (a *App) refreshList() {
	rows := a.vm.Conversations(a.filter)
	a.list.Update(rows, a.filter, len(a.vm.Backend().Conversations()))
	a.refreshChrome()
}

func (a *App) refreshThread() {
	if a.thread.ConversationID() == "" || a.thread.ConversationID() != a.vm.Backend().Selected() {
		return
	}
	a.thread.Update(a.vm.Timeline())
}

func (a *App) refreshChrome() {
	b := a.vm.Backend()
	state := string(b.ConnectionState())
	unread := a.vm.TotalUnread()
	a.connInfo.Update(ui.ConnData{
		Profile:       a.opts.Profile,
		UserID:        b.SelfID(),
		BaseURL:       a.opts.BaseURL,
		State:         state,
		Conversations: len(b.Conversations()),
		Unread:        unread,
	})
	a.statusBar.Update(a.opts.Profile, state, unread)
	a.flashBar.Update(a.flash.Current())
}

func (a *App) tick() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.refreshChrome)
		case <-a.ctx.Done():
			return
		}
	}
}

// Run starts the TUI and blocks until it exits.
func (a *App) Run() error {
	a.vm.Watch(a.ctx, func(c model.Change) {
		a.app.QueueUpdateDraw(func() { a.apply(c) })
	})
	a.refreshList()
	go a.tick()
	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
