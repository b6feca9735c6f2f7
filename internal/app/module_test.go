package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/config"
	"github.com/matheus3301/chatline/internal/devserver"
	"github.com/matheus3301/chatline/internal/lock"
	"github.com/matheus3301/chatline/internal/messenger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var secret = []byte("app-secret")

func testConfig(t *testing.T, baseURL, userID string) *config.Config {
	t.Helper()
	tok, err := devserver.Mint(secret, userID, "user", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.Token = tok
	cfg.DirectoryRefresh = config.Duration{}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, msgr **messenger.Messenger) *fx.App {
	t.Helper()
	return fx.New(
		Module(Params{Profile: "test", Config: cfg, Logger: zap.NewNop()}),
		fx.Populate(msgr),
		fx.NopLogger,
	)
}

func TestModuleStartsAgainstBackend(t *testing.T) {
	t.Setenv("CHATLINE_HOME", t.TempDir())
	srv := devserver.New(devserver.Options{Secret: secret}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	conv := srv.CreateConversation("private", "alice", "alice", "bob")
	srv.Post(conv, "bob", "hello", "")

	var msgr *messenger.Messenger
	app := newApp(t, testConfig(t, ts.URL, "alice"), &msgr)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rows := msgr.Conversations()
	if len(rows) != 1 || rows[0].LastMessagePreview != "hello" {
		t.Fatalf("conversations = %+v", rows)
	}
	if err := msgr.Select(ctx, conv); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := msgr.Send(ctx, "hi", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestModuleRejectsMissingToken(t *testing.T) {
	t.Setenv("CHATLINE_HOME", t.TempDir())
	cfg := config.Default()
	cfg.Cache = false

	var msgr *messenger.Messenger
	app := newApp(t, cfg, &msgr)
	if err := app.Err(); !chat.IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestModuleStartFailsOnRejectedToken(t *testing.T) {
	t.Setenv("CHATLINE_HOME", t.TempDir())
	srv := devserver.New(devserver.Options{Secret: secret}, nil)
	srv.RejectTokens(true)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := testConfig(t, ts.URL, "alice")
	cfg.Cache = false
	var msgr *messenger.Messenger
	app := newApp(t, cfg, &msgr)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); !chat.IsAuth(err) {
		t.Fatalf("Start err = %v, want auth error", err)
	}
}

func TestSecondClientOnProfileIsRefused(t *testing.T) {
	t.Setenv("CHATLINE_HOME", t.TempDir())
	srv := devserver.New(devserver.Options{Secret: secret}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	cfg := testConfig(t, ts.URL, "alice")

	var first, second *messenger.Messenger
	app1 := newApp(t, cfg, &first)
	if err := app1.Err(); err != nil {
		t.Fatalf("first app: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app1.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer func() { _ = app1.Stop(ctx) }()

	app2 := newApp(t, cfg, &second)
	var held *lock.HeldError
	if err := app2.Err(); !errors.As(err, &held) {
		t.Fatalf("second app err = %v, want HeldError", err)
	}
}
