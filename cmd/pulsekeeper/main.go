package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulsekeeper/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	// SIGUSR1/SIGUSR2 stand in for the platform's background/foreground
	// notifications.
	lc := make(chan os.Signal, 4)
	signal.Notify(lc, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(lc)

	reason := app.StopSignal
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		case s := <-lc:
			if s == syscall.SIGUSR1 {
				a.Host().EnterBackground()
			} else {
				a.Host().EnterForeground()
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
