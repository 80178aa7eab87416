package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/hai-vr/XYVR-sub001/internal/live"
	"github.com/hai-vr/XYVR-sub001/internal/relayclient"
)

func runSnapshot(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	url := fs.String("url", defaultURL, "UI relay WebSocket URL")
	appList := fs.String("apps", "", "Comma-separated app names to include (default: all)")
	asJSON := fs.Bool("json", false, "Print raw JSON")
	timeout := fs.Duration("timeout", 5*time.Second, "Overall timeout")
	fs.Parse(args)

	apps, err := parseApps(*appList)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := relayclient.Dial(ctx, *url)
	if err != nil {
		fatalf("%v", err)
	}
	defer c.Close()
	if err := c.WaitConnected(ctx); err != nil {
		fatalf("waiting for greeting: %v", err)
	}

	snap, err := c.Snapshot(ctx, apps...)
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(snap)
		return
	}

	fmt.Printf("%d users, %d sessions\n\n", len(snap.Users), len(snap.Sessions))
	for _, u := range snap.Users {
		fmt.Println(formatUser(u))
	}
	if len(snap.Sessions) > 0 {
		fmt.Println()
	}
	for _, s := range snap.Sessions {
		fmt.Println(formatSession(s))
	}
}

func parseApps(list string) ([]live.NamedApp, error) {
	if list == "" {
		return nil, nil
	}
	names := lo.Compact(lo.Map(strings.Split(list, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
	apps := make([]live.NamedApp, 0, len(names))
	for _, name := range names {
		app, err := live.ParseNamedApp(name)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

func formatUser(u live.UserUpdate) string {
	status := "?"
	if u.OnlineStatus != nil {
		status = string(*u.OnlineStatus)
	}
	where := ""
	if u.MainSession != nil {
		where = string(u.MainSession.Knowledge)
		if u.MainSession.SessionGUID != "" {
			where += " " + u.MainSession.SessionGUID
		}
	}
	line := fmt.Sprintf("%-9s %-40s %-18s %s", u.App, u.InAppIdentifier, status, where)
	if u.CustomStatus != nil && *u.CustomStatus != "" {
		line += fmt.Sprintf(" %q", *u.CustomStatus)
	}
	return strings.TrimRight(line, " ")
}

func formatSession(s live.Session) string {
	name := lo.FromPtrOr(s.Name, lo.FromPtrOr(s.VirtualSpaceName, s.InAppSessionIdentifier))
	known := lo.CountBy(s.Participants, func(p live.Participant) bool { return p.Known })
	return fmt.Sprintf("%s %-9s %-40q participants=%d known=%d", s.GUID, s.App, name, len(s.Participants), known)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "presencectl: "+format+"\n", args...)
	os.Exit(1)
}
