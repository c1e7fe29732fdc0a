package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/laneway/internal/config"
	"github.com/nextlevelbuilder/laneway/pkg/protocol"
)

func sendCmd() *cobra.Command {
	var (
		url, token, lane, channel, account, peer, id, rawJSON string
		timeout                                               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send one message frame to a running gateway",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" || token == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return err
				}
				if url == "" {
					host := cfg.Gateway.Host
					if host == "" || host == "0.0.0.0" {
						host = "127.0.0.1"
					}
					url = fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
				}
				if token == "" {
					token = cfg.Gateway.Token
				}
			}

			payload := json.RawMessage(rawJSON)
			if rawJSON == "" {
				text := ""
				if len(args) > 0 {
					text = args[0]
				}
				b, err := json.Marshal(map[string]string{"text": text})
				if err != nil {
					return err
				}
				payload = b
			} else if !json.Valid(payload) {
				return fmt.Errorf("--json is not valid JSON")
			}

			frame := protocol.RequestFrame{
				Type:      protocol.FrameTypeMessage,
				ID:        id,
				Lane:      lane,
				ChannelID: channel,
				Payload:   payload,
			}
			if account != "" || peer != "" {
				frame.RoutingContext = &protocol.RoutingContext{AccountID: account, PeerID: peer}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := sendFrame(ctx, url, token, frame)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway socket URL (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default from config)")
	cmd.Flags().StringVar(&lane, "lane", "collect", "interrupt, steer, collect or followup")
	cmd.Flags().StringVar(&channel, "channel", "cli", "channel id")
	cmd.Flags().StringVar(&account, "account", "", "routing account id")
	cmd.Flags().StringVar(&peer, "peer", "", "routing peer id")
	cmd.Flags().StringVar(&id, "id", "", "message id (generated by the gateway when empty)")
	cmd.Flags().StringVar(&rawJSON, "json", "", "raw JSON payload instead of {\"text\": ...}")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

// sendFrame dials the gateway, writes one frame and waits for its response.
func sendFrame(ctx context.Context, url, token string, frame protocol.RequestFrame) (*protocol.ResponseFrame, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	for {
		var resp protocol.ResponseFrame
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.Type == protocol.FrameTypeAck || resp.Type == protocol.FrameTypeError {
			return &resp, nil
		}
	}
}
