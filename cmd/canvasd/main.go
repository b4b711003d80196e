package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/astromechza/canvasd/pkg/server"
	"github.com/astromechza/canvasd/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mainInner() error {
	addrVar := flag.String("addr", envOr("CANVASD_ADDR", "localhost:8080"), "the address to listen on")
	rootVar := flag.String("root", envOr("CANVASD_ROOT", "./workspace"), "the storage root path")
	modeVar := flag.String("mode", envOr("CANVASD_MODE", "canonical"), "the persistence mode: canonical, binary, or sqlite")
	debounceVar := flag.String("debounce-ms", envOr("CANVASD_DEBOUNCE_MS", ""), "override the save debounce window in milliseconds")
	flag.Parse()

	var debounce time.Duration
	if *debounceVar != "" {
		ms, err := strconv.Atoi(*debounceVar)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid debounce override %q", *debounceVar)
		}
		debounce = time.Duration(ms) * time.Millisecond
	}

	var st store.Store
	switch *modeVar {
	case "canonical":
		c, err := store.NewCanonical(*rootVar)
		if err != nil {
			return err
		}
		st = c
	case "binary":
		b, err := store.NewBinary(*rootVar)
		if err != nil {
			return err
		}
		st = b
	case "sqlite":
		if err := os.MkdirAll(*rootVar, 0o755); err != nil {
			return fmt.Errorf("failed to create storage root: %w", err)
		}
		s, err := store.NewSQLite(*rootVar + "/documents.sqlite3")
		if err != nil {
			return err
		}
		defer s.Close()
		st = s
	default:
		return fmt.Errorf("unknown persistence mode %q", *modeVar)
	}

	instance, err := server.StartServer(server.Options{
		Addr:     *addrVar,
		Store:    st,
		Debounce: debounce,
	})
	if err != nil {
		return err
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return instance.Stop(ctx)
}
