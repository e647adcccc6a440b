package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nerrad567/wearlink-core/internal/device"
)

func newInitCmd(flags *clientFlags) *cobra.Command {
	var mode, variant string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise a transport session",
		Long: `Initialise a transport session on the running bridge.

Unset --mode or --variant fall back to the server's configured session.
A session already running with the same mode and variant is reused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			body := map[string]string{}
			if mode != "" {
				body["mode"] = mode
			}
			if variant != "" {
				body["variant"] = variant
			}
			var result device.InitResult
			if err := client.do(cmd.Context(), http.MethodPost, "/session", nil, body, &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", `Session mode: "live" or "simulator"`)
	cmd.Flags().StringVar(&variant, "variant", "", `Application variant: "release" or "debug"`)
	return cmd
}

func newShutdownCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Shut the transport session down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			return client.do(cmd.Context(), http.MethodDelete, "/session", nil, nil, nil)
		},
	}
}

func newStoreCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "store",
		Short: "Open the application's store page on the companion app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			return client.do(cmd.Context(), http.MethodPost, "/store", nil, nil, nil)
		},
	}
}

func newDevicesCmd(flags *clientFlags) *cobra.Command {
	var reload bool

	cmd := &cobra.Command{
		Use:   "devices [id]",
		Short: "List devices, or show one device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(flags)
			if err != nil {
				return err
			}

			var out json.RawMessage
			if len(args) == 1 {
				id, err := parseDeviceID(args[0])
				if err != nil {
					return err
				}
				err = client.do(cmd.Context(), http.MethodGet, devicePath(id, ""), nil, nil, &out)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			query := url.Values{}
			if reload {
				query.Set("reload", "true")
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/devices/", query, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "Query the transport again before listing")
	return cmd
}

func newOpenCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "open <id>",
		Short: "Ask a device to open the application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeviceID(args[0])
			if err != nil {
				return err
			}
			client, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			var out json.RawMessage
			if err := client.do(cmd.Context(), http.MethodPost, devicePath(id, "open"), nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newSendCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <id> <type> [json]",
		Short: "Send a message to a device",
		Long: `Send a message to a device and wait for the delivery result.

The optional payload must be valid JSON; it is forwarded verbatim, so large
integers keep their precision. Without a payload the message carries null.`,
		Example: `  wearlink send 3911 settings '{"units":"metric","goal":10000}'
  wearlink send 3911 logs`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeviceID(args[0])
			if err != nil {
				return err
			}
			body := struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data,omitempty"`
			}{Type: args[1]}
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				body.Data = json.RawMessage(args[2])
			}

			client, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			var out json.RawMessage
			if err := client.do(cmd.Context(), http.MethodPost, devicePath(id, "messages"), nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newHistoryCmd(flags *clientFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show recorded events for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeviceID(args[0])
			if err != nil {
				return err
			}
			client, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			query := url.Values{}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			var out json.RawMessage
			if err := client.do(cmd.Context(), http.MethodGet, devicePath(id, "history"), query, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to return (0 uses the server default)")
	return cmd
}

// parseDeviceID accepts the full unsigned 64-bit id range.
func parseDeviceID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid device id %q", s)
	}
	return id, nil
}

// devicePath builds /devices/{id}/ or /devices/{id}/{action}.
func devicePath(id uint64, action string) string {
	p := "/devices/" + strconv.FormatUint(id, 10) + "/"
	if action != "" {
		p += action
	}
	return p
}
