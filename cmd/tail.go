package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/omnidesk/omnidesk/pkg/protocol"
)

func tailCmd() *cobra.Command {
	var (
		addr  string
		token string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream gateway events to stdout",
		Long:  "Connects to a running gateway as a WebSocket client and prints every event frame delivered to the authenticated user. Useful for debugging routing and delivery.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("OMNIDESK_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("a token is required: pass --token or set OMNIDESK_TOKEN")
			}
			return runTail(addr, token)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:18850", "gateway host:port")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default: $OMNIDESK_TOKEN)")
	return cmd
}

func runTail(addr, token string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	wsURL := fmt.Sprintf("ws://%s/ws?token=%s", addr, url.QueryEscape(token))

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	fmt.Fprintf(os.Stderr, "connected to %s, streaming events (ctrl-c to stop)\n", addr)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var frame protocol.EventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed frame: %v\n", err)
			continue
		}
		payload, _ := json.Marshal(frame.Payload)
		fmt.Printf("%s %-22s %s\n", time.Now().Format("15:04:05.000"), frame.Event, payload)
	}
}
