package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/matheus3301/chatline/internal/app"
	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/config"
	"github.com/matheus3301/chatline/internal/messenger"
	"github.com/matheus3301/chatline/internal/profile"
	"github.com/matheus3301/chatline/internal/timeline"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.chatline/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	attachFlag := flag.String("attach", "", "attachment reference for send")
	flag.Parse()

	_ = godotenv.Load()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = profile.ConfigPath()
	}
	if args[0] == "config" {
		cmdConfig(configPath, args[1:])
		return
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fatal(err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	// The terminal client may hold the profile cache; this tool works without it.
	cfg.Cache = false
	cfg.MetricsAddr = ""

	profileName := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(profileName); err != nil {
		fatal(err)
	}

	var (
		msgr   *messenger.Messenger
		events *bus.Bus
	)
	fxApp := fx.New(
		app.Module(app.Params{Profile: profileName, Config: cfg}),
		fx.Populate(&msgr, &events),
		fx.NopLogger,
	)
	if err := fxApp.Err(); err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		fatal(err)
	}

	runErr := run(ctx, msgr, events, args, *attachFlag, *jsonFlag)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	_ = fxApp.Stop(stopCtx)
	if runErr != nil {
		fatal(runErr)
	}
}

func run(ctx context.Context, m *messenger.Messenger, events *bus.Bus, args []string, attach string, jsonOut bool) error {
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: chatlinectl %s", usage)
		}
		return nil
	}

	switch args[0] {
	case "conversations", "ls":
		return cmdConversations(m, jsonOut)
	case "history":
		if err := need(2, "history <conversation-id>"); err != nil {
			return err
		}
		return cmdHistory(ctx, m, args[1], jsonOut)
	case "send":
		if err := need(3, "[--attach <ref>] send <conversation-id> <text>"); err != nil {
			return err
		}
		return cmdSend(ctx, m, args[1], strings.Join(args[2:], " "), attach, jsonOut)
	case "new":
		if err := need(2, "new <user-id>"); err != nil {
			return err
		}
		id, err := m.StartDirect(ctx, args[1])
		if err != nil {
			return err
		}
		if jsonOut {
			outputJSON(map[string]string{"conversationId": id})
			return nil
		}
		fmt.Println(id)
		return nil
	case "tail":
		if err := need(2, "tail <conversation-id>"); err != nil {
			return err
		}
		return cmdTail(ctx, m, events, args[1], jsonOut)
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatlinectl [--profile <name>] [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  conversations             List conversations, most recent first")
	fmt.Fprintln(os.Stderr, "  history <id>              Print a conversation's messages")
	fmt.Fprintln(os.Stderr, "  send <id> <text>          Send a message (--attach <ref> adds an attachment)")
	fmt.Fprintln(os.Stderr, "  new <user-id>             Find or create a direct conversation")
	fmt.Fprintln(os.Stderr, "  tail <id>                 Follow a conversation until interrupted")
	fmt.Fprintln(os.Stderr, "  config init               Write the default config file")
	fmt.Fprintln(os.Stderr, "  config show               Print the effective config")
}

func cmdConfig(path string, args []string) {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "init":
		if _, err := os.Stat(path); err == nil {
			fatal(fmt.Errorf("%s already exists", path))
		}
		if err := config.Save(path, config.Default()); err != nil {
			fatal(err)
		}
		fmt.Println(path)
	case "show":
		cfg, err := config.LoadOrDefault(path)
		if err != nil {
			fatal(err)
		}
		cfg.ApplyEnv()
		if cfg.Token != "" {
			cfg.Token = "<redacted>"
		}
		outputJSON(cfg)
	default:
		fatal(fmt.Errorf("unknown config subcommand: %s", sub))
	}
}

func cmdConversations(m *messenger.Messenger, jsonOut bool) error {
	rows := m.Conversations()
	if jsonOut {
		outputJSON(rows)
		return nil
	}
	if len(rows) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, c := range rows {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", c.UnreadCount)
		}
		fmt.Printf("%-8s %-24s %-5s %s\n", c.ID, c.DisplayName(), unread, c.LastMessagePreview)
	}
	return nil
}

func cmdHistory(ctx context.Context, m *messenger.Messenger, id string, jsonOut bool) error {
	if err := m.Select(ctx, id); err != nil && !chat.IsNotConnected(err) && !chat.IsTransient(err) {
		return err
	}
	msgs := m.View(id)
	if jsonOut {
		outputJSON(msgs)
		return nil
	}
	for _, msg := range msgs {
		printMessage(m.SelfID(), msg)
	}
	return nil
}

func cmdSend(ctx context.Context, m *messenger.Messenger, id, body, attach string, jsonOut bool) error {
	key, err := m.SendTo(ctx, id, body, attach)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(map[string]string{"localKey": key})
		return nil
	}
	fmt.Println("sent", key)
	return nil
}

func cmdTail(ctx context.Context, m *messenger.Messenger, events *bus.Bus, id string, jsonOut bool) error {
	updates, unsub := events.Subscribe(bus.KindTimelineUpdated, 256)
	defer unsub()

	if err := cmdHistory(ctx, m, id, jsonOut); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-updates:
			u, ok := evt.Payload.(timeline.Update)
			if !ok || u.ConversationID != id || u.Outcome != timeline.Inserted {
				continue
			}
			if jsonOut {
				outputJSON(u.Message)
				continue
			}
			printMessage(m.SelfID(), u.Message)
		}
	}
}

func printMessage(selfID string, msg chat.Message) {
	author := msg.AuthorID
	if author == selfID {
		author = "you"
	}
	state := ""
	if msg.State != chat.Confirmed {
		state = " [" + string(msg.State) + "]"
	}
	fmt.Printf("%s %s%s: %s\n", msg.CreatedAt.Local().Format("2006-01-02 15:04"), author, state, msg.Body)
	if msg.AttachmentRef != "" {
		fmt.Printf("    attachment: %s\n", msg.AttachmentRef)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
