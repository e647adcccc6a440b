package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/wearlink-core/internal/device"
	"github.com/nerrad567/wearlink-core/internal/history"
)

// sessionRequest is the body of POST /session. Empty fields take the
// configured defaults.
type sessionRequest struct {
	Mode    device.Mode    `json:"mode"`
	Variant device.Variant `json:"variant"`
}

// sendRequest is the body of POST /devices/{id}/messages.
type sendRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// sendResponse wraps a SendResult with its success flag.
type sendResponse struct {
	Success bool              `json:"success"`
	Result  device.SendResult `json:"result"`
}

// handleInitialize starts a session and answers with its InitResult.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	sess := s.session
	if req.Mode != "" {
		sess.Mode = req.Mode
	}
	if req.Variant != "" {
		sess.Variant = req.Variant
	}

	result, err := s.registry.Initialize(r.Context(), sess)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	s.logger.Info("session initialised via API",
		"mode", string(sess.Mode),
		"variant", string(sess.Variant),
		"success", result.Success,
	)
	writeJSON(w, http.StatusOK, result)
}

// handleShutdown ends the current session. Repeated calls succeed.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Shutdown(r.Context()); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleOpenStore opens the application's store page on the phone.
func (s *Server) handleOpenStore(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.OpenStore(r.Context()); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleListDevices returns the known devices. ?reload=true forces a
// refresh from the transport.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	reload := false
	if v := r.URL.Query().Get("reload"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "reload must be a boolean")
			return
		}
		reload = parsed
	}

	views, err := s.registry.GetDevices(r.Context(), reload)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	view, found, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if !found {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleOpenApplication asks the device to launch the application. The
// outcome arrives later as an APP_OPENED event.
func (s *Server) handleOpenApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	sent, err := s.registry.OpenApplication(r.Context(), id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"request_sent": sent})
}

// handleSendMessage sends a typed JSON payload to the device and waits for
// the outcome. Delivery failures are reported in the body with status 200.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.registry.SendToDevice(r.Context(), id, req.Type, string(req.Data))
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	s.logger.Debug("message sent via API",
		"device_id", id,
		"type", req.Type,
		"result", string(result.Code),
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeJSON(w, http.StatusOK, sendResponse{Success: result.Success(), Result: result})
}

// handleDeviceHistory returns the newest journal entries for a device.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history journal is disabled")
		return
	}

	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := s.history.GetHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("history query failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}

// deviceIDParam parses the {id} URL parameter, writing a 400 on failure.
func deviceIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeBadRequest(w, "device id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

// decodeOptionalBody decodes a JSON body, accepting an empty one.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
