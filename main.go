package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"veranda/internal/api"
	"veranda/internal/commands"
	"veranda/internal/config"
	vhttp "veranda/internal/http"
	"veranda/internal/identity"
	"veranda/internal/msglog"
	"veranda/internal/notify"
	"veranda/internal/presence"
	"veranda/internal/registry"
	"veranda/internal/router"
	"veranda/internal/session"
	"veranda/internal/ws"
)

func run(ctx context.Context, register, displayName string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if register != "" {
		return commands.RegisterPrincipal(register, displayName, cfg)
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	store, err := msglog.NewBboltLog(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ids, err := identity.NewService(ctx, identity.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	reg := registry.New(cfg.DuplicatePolicy, log)
	pres := presence.New(cfg.TypingExpiry, reg, log)
	reg.OnPresence(pres.SetOnline)
	rt := router.New(store, reg, log)

	var push *notify.WebPushDirectory
	var alerter notify.Alerter = notify.LogAlerter{Log: log}
	if cfg.VAPIDPublicKey != "" {
		push = notify.NewWebPushDirectory(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushContact)
		alerter = push
	}

	engine := session.NewEngine(cfg, store, rt, reg, pres, alerter, log)

	wsServer := ws.NewServer(ids, engine, log)
	handlers := api.New(ids, store, reg, push, cfg.AuthSecret, log)
	apiServer := vhttp.NewAPIServer(handlers, wsServer, cfg.APIAddr, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(apiServer.Start)

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	register := flag.String("register", "", "Principal id to register (prints a token for it)")
	displayName := flag.String("display-name", "", "Display name for -register")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *register, *displayName); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
