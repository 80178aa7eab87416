package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/hai-vr/XYVR-sub001/internal/live"
	"github.com/hai-vr/XYVR-sub001/internal/relayclient"
)

func runTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	url := fs.String("url", defaultURL, "UI relay WebSocket URL")
	appList := fs.String("apps", "", "Comma-separated app names to show (default: all)")
	fs.Parse(args)

	apps, err := parseApps(*appList)
	if err != nil {
		fatalf("%v", err)
	}
	wanted := func(app live.NamedApp) bool {
		return len(apps) == 0 || slices.Contains(apps, app)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := relayclient.Dial(dialCtx, *url)
	if err != nil {
		cancel()
		fatalf("%v", err)
	}
	defer c.Close()
	err = c.WaitConnected(dialCtx)
	cancel()
	if err != nil {
		fatalf("waiting for greeting: %v", err)
	}

	c.OnUserUpdate(func(u live.UserUpdate) {
		if wanted(u.App) {
			fmt.Printf("%s user    %s\n", time.Now().Format("15:04:05"), formatUser(u))
		}
	})
	c.OnSessionUpdate(func(s live.Session) {
		if wanted(s.App) {
			fmt.Printf("%s session %s\n", time.Now().Format("15:04:05"), formatSession(s))
		}
	})
	fmt.Printf("tailing %s (connection %s)\n", *url, c.ConnectionID())

	select {
	case <-ctx.Done():
	case <-c.Done():
		fatalf("relay closed the connection")
	}
}
