package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wailbentafat/realtime-hub/auth"
	"github.com/wailbentafat/realtime-hub/bridge"
	"github.com/wailbentafat/realtime-hub/broker"
	"github.com/wailbentafat/realtime-hub/config"
	"github.com/wailbentafat/realtime-hub/hub"
	"github.com/wailbentafat/realtime-hub/server"
	"github.com/wailbentafat/realtime-hub/websocket"
)

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	issueToken := flag.String("issue-token", "", "print a signed token for this user id and exit")
	roles := flag.String("roles", "", "comma separated roles for -issue-token")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogging()

	if *issueToken != "" {
		var roleList []string
		if *roles != "" {
			roleList = strings.Split(*roles, ",")
		}
		token, err := auth.SignToken([]byte(cfg.JWTSecret), hub.NewSession(*issueToken, roleList, ""), *ttl)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to sign token")
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("Server failed")
	}
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return err
	}

	h, err := hub.New(cfg.Hub, hub.DefaultPolicy{})
	if err != nil {
		return err
	}
	hubCtx, stopHub := context.WithCancel(context.Background())
	go h.Run(hubCtx)

	// Optional broker relay
	var (
		messageBroker broker.MessageBroker
		notifier      websocket.LifecycleNotifier
	)
	if cfg.Redis.Enabled() {
		redisBroker, err := broker.NewRedisBroker(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			stopHub()
			return err
		}
		messageBroker = redisBroker

		relay := bridge.NewRelay(redisBroker, h, cfg.Redis.PublishChannel, cfg.Redis.LifecycleChannel)
		notifier = relay
		go func() {
			if err := relay.Listen(ctx); err != nil {
				logrus.WithError(err).Error("Relay stopped")
			}
		}()
	}

	clientManager := websocket.NewClientManager()
	handler := websocket.NewHandler(h, verifier, clientManager, notifier, cfg.Transport)
	srv := server.NewServer(cfg.Addr, cfg.Transport.Path, handler, h)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()
	logrus.WithField("addr", cfg.Addr).
		WithField("path", cfg.Transport.Path).
		WithField("relay", cfg.Redis.Enabled()).
		Info("Realtime hub started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logrus.WithField("signal", sig.String()).Info("Shutdown signal received")
	case runErr = <-serverErr:
		logrus.WithError(runErr).Error("HTTP server stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	cancel()
	srv.Shutdown(shutdownCtx, func() {
		stopHub()
		select {
		case <-h.Done():
		case <-shutdownCtx.Done():
		}
	}, clientManager, messageBroker)

	return runErr
}
