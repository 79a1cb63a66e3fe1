// Command rtprobe connects to a signaling server and prints the event
// traffic. It is a diagnostic tool for server and engine development.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaychat/realtime"
	"github.com/relaychat/realtime/internal/config"
	"github.com/relaychat/realtime/internal/conn"
)

var (
	serverURL = flag.String("url", "", "Signaling server URL (overrides RT_SERVER_URL)")
	token     = flag.String("token", "", "Access token")
	deviceID  = flag.String("device", "rtprobe", "Device identifier")
	dataDir   = flag.String("data", "", "Call history directory (empty disables history)")
	chatID    = flag.String("chat", "", "Chat channel to subscribe to")
	logLevel  = flag.String("log", "", "Log level (overrides RT_LOG_LEVEL)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.Server.URL == "" {
		fmt.Fprintln(os.Stderr, "rtprobe: no server URL (use -url or RT_SERVER_URL)")
		os.Exit(1)
	}

	engine, err := realtime.New(realtime.Options{
		Config:  cfg,
		Creds:   &conn.StaticCredentials{Token: *token, Device: *deviceID},
		DataDir: *dataDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("rtprobe v%s -> %s\n", appVersion, cfg.Server.URL)

	events, stopEvents := engine.Events()
	defer stopEvents()
	states, stopStates := engine.ConnectionStates()
	defer stopStates()

	if *chatID != "" {
		engine.Subscribe("chat:" + *chatID)
	}

	if err := engine.Connect(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case st := <-states:
			fmt.Printf("state: %s\n", st)
		case env := <-events:
			fmt.Printf("event: %-24s id=%s chat=%s user=%s\n", env.Type, env.ID, env.ChatID, env.UserID)
		case <-sig:
			fmt.Println("shutting down")
			return
		}
	}
}
