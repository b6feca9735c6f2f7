package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/matheus3301/chatline/internal/devserver"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	secret := flag.String("secret", os.Getenv("CHATLINE_DEV_SECRET"), "HMAC secret for access tokens")
	hubPath := flag.String("hub-path", "/hubs/chat", "realtime endpoint path")
	origins := flag.String("origins", "*", "comma-separated CORS origins")
	mint := flag.String("mint", "", "print an access token for this user id and exit")
	role := flag.String("role", "candidate", "role claim for -mint")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime for -mint")
	users := flag.String("users", "", "seed display names, e.g. u1=Alice,u2=Bob")
	seed := flag.String("seed", "", "seed direct conversations, e.g. u1:u2,u1:u3")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or CHATLINE_DEV_SECRET is required")
		os.Exit(1)
	}

	if *mint != "" {
		token, err := devserver.Mint([]byte(*secret), *mint, *role, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := devserver.New(devserver.Options{
		Secret:         []byte(*secret),
		HubPath:        *hubPath,
		AllowedOrigins: splitList(*origins),
	}, logger)

	for _, pair := range splitList(*users) {
		id, name, ok := strings.Cut(pair, "=")
		if !ok {
			logger.Fatal("invalid -users entry", zap.String("entry", pair))
		}
		srv.SetName(id, name)
	}
	for _, pair := range splitList(*seed) {
		a, b, ok := strings.Cut(pair, ":")
		if !ok {
			logger.Fatal("invalid -seed entry", zap.String("entry", pair))
		}
		id := srv.CreateConversation("direct", a, a, b)
		logger.Info("seeded conversation", zap.String("conversation_id", id), zap.String("members", pair))
	}

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("development server listening", zap.String("addr", *addr), zap.String("hub_path", *hubPath))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.DropConnections()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
