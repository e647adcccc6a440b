package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nerrad567/wearlink-core/internal/api"
)

// watchWriteWait bounds control frame writes on the watch connection.
const watchWriteWait = 5 * time.Second

func newWatchCmd(flags *clientFlags) *cobra.Command {
	var (
		wsPath   string
		channels []string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream events from the bridge",
		Long: `Stream events over the WebSocket until interrupted, one JSON object per
line. Without --events every event type is streamed.`,
		Example: `  wearlink watch --events DEVICE,RECEIVE`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			return watch(cmd.Context(), cmd, client, wsPath, channels)
		},
	}
	cmd.Flags().StringVar(&wsPath, "ws-path", "/ws", "WebSocket path under /api/v1 (websocket.path)")
	cmd.Flags().StringSliceVar(&channels, "events", nil, "Event types to stream (DEVICE, RECEIVE, APP_OPENED, LOG)")
	return cmd
}

func watch(ctx context.Context, cmd *cobra.Command, client *apiClient, wsPath string, channels []string) error {
	query := url.Values{}
	if client.token != "" {
		var ticket struct {
			Ticket string `json:"ticket"`
		}
		if err := client.do(ctx, http.MethodPost, "/auth/ws-ticket", nil, nil, &ticket); err != nil {
			return fmt.Errorf("requesting websocket ticket: %w", err)
		}
		query.Set("ticket", ticket.Ticket)
	}

	target, err := url.Parse(client.endpoint(wsPath, query))
	if err != nil {
		return err
	}
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target.Redacted(), err)
	}
	defer conn.Close()

	if len(channels) > 0 {
		for i, ch := range channels {
			channels[i] = strings.ToUpper(strings.TrimSpace(ch))
		}
		sub := api.WSMessage{
			Type:    api.WSTypeSubscribe,
			ID:      uuid.NewString(),
			Payload: api.WSSubscribePayload{Channels: channels},
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}
	}

	// Closing the connection unblocks ReadMessage on interrupt.
	go func() {
		<-ctx.Done()
		//nolint:errcheck // best-effort close handshake
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(watchWriteWait))
		conn.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}

		var msg api.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		switch msg.Type {
		case api.WSTypeEvent:
			fmt.Fprintln(out, string(data))
		case api.WSTypeError:
			return errors.New("server rejected request: " + string(data))
		}
	}
}
