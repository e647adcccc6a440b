package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/wearlink-core/internal/device"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/mqtt"
)

// Command verbs accepted on wearlink/command/{id}/{verb}.
const (
	CommandSend = "send"
	CommandOpen = "open"
)

// commandRequest is the MQTT payload of a command. Only send uses Type and
// Data; RequestID is echoed in the result.
type commandRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// commandResult is published on the command's result topic.
type commandResult struct {
	RequestID   string             `json:"request_id,omitempty"`
	DeviceID    uint64             `json:"device_id"`
	Verb        string             `json:"verb"`
	Success     bool               `json:"success"`
	Result      *device.SendResult `json:"result,omitempty"`
	RequestSent *bool              `json:"request_sent,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// subscribeCommands bridges MQTT device commands to the Registry. Each
// command runs on its own goroutine so a pending send does not hold up the
// MQTT client's delivery.
func (s *Server) subscribeCommands(ctx context.Context) error {
	topics := mqtt.Topics{}
	topic := topics.AllCommands()
	s.logger.Info("subscribing to device commands", "topic", topic)

	return s.commands.Subscribe(topic, s.commands.QoS(), func(t string, payload []byte) error {
		deviceID, verb, err := topics.ParseCommand(t)
		if err != nil {
			return err
		}

		var req commandRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				s.publishCommandResult(commandResult{
					DeviceID: deviceID,
					Verb:     verb,
					Error:    "invalid JSON payload",
				})
				return fmt.Errorf("decoding command payload: %w", err)
			}
		}

		go s.runCommand(ctx, deviceID, verb, req)
		return nil
	})
}

// runCommand executes one command and publishes its result.
func (s *Server) runCommand(ctx context.Context, deviceID uint64, verb string, req commandRequest) {
	res := commandResult{RequestID: req.RequestID, DeviceID: deviceID, Verb: verb}

	switch verb {
	case CommandSend:
		sent, err := s.registry.SendToDevice(ctx, deviceID, req.Type, string(req.Data))
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.Success = sent.Success()
		res.Result = &sent
	case CommandOpen:
		requested, err := s.registry.OpenApplication(ctx, deviceID)
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.Success = requested
		res.RequestSent = &requested
	default:
		res.Error = "unknown command verb: " + verb
	}

	s.logger.Debug("MQTT command handled",
		"device_id", deviceID,
		"verb", verb,
		"success", res.Success,
		"request_id", req.RequestID,
	)
	s.publishCommandResult(res)
}

func (s *Server) publishCommandResult(res commandResult) {
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("failed to marshal command result", "error", err)
		return
	}
	topic := mqtt.Topics{}.CommandResult(res.DeviceID, res.Verb)
	if err := s.commands.Publish(topic, data, s.commands.QoS(), false); err != nil {
		s.logger.Warn("failed to publish command result", "topic", topic, "error", err)
	}
}
