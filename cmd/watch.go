package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

// watchCmd tails the server's event stream, one JSON envelope per line.
func watchCmd() *cobra.Command {
	var (
		url   string
		token string
	)
	cmd := &cobra.Command{
		Use:   "watch [topic...]",
		Short: "Tail server events over WebSocket",
		Long:  "Subscribes to the given topics (default: owner, council, algochat) and prints each event envelope as a JSON line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			topics := args
			if len(topics) == 0 {
				topics = []string{protocol.TopicOwner, protocol.TopicCouncil, protocol.TopicAlgoChat}
			}
			return runWatch(url, token, topics)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:3000/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("GATEWAY_TOKEN"), "gateway auth token")
	return cmd
}

func runWatch(url, token string, topics []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for _, topic := range topics {
		frame := protocol.ClientFrame{Action: "subscribe", Topic: topic}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			return err
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(string(data))
	}
}
