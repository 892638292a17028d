package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aquasync/aquasync-core/internal/device"
	"github.com/aquasync/aquasync-core/internal/engine"
)

// handleListDevices returns all device records from the store.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	records, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("device list failed", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleListActive returns devices with an active entitlement.
func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	s.listBySubscription(w, r, true)
}

// handleListInactive returns devices without an active entitlement.
func (s *Server) handleListInactive(w http.ResponseWriter, r *http.Request) {
	s.listBySubscription(w, r, false)
}

func (s *Server) listBySubscription(w http.ResponseWriter, r *http.Request, active bool) {
	records, err := s.devices.ListBySubscription(r.Context(), active)
	if err != nil {
		s.logger.Error("device list failed", "active", active, "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleDeviceTotal returns the device count.
func (s *Server) handleDeviceTotal(w http.ResponseWriter, r *http.Request) {
	records, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("device count failed", "error", err)
		writeInternalError(w, "failed to count devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": len(records)})
}

// handleGetDevice returns one device record.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.devices.Get(r.Context(), id)
	if errors.Is(err, device.ErrNotFound) {
		writeNotFound(w, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("device get failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// createDeviceRequest is the body for device provisioning. An omitted
// ID is generated.
type createDeviceRequest struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
}

// handleCreateDevice provisions a device record and seeds the engine's
// state table, so the device is addressable before its first message.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.ID == "" {
		req.ID = device.GenerateID()
	}

	// Put replaces; an existing id must not have its history wiped.
	if _, err := s.devices.Get(r.Context(), req.ID); err == nil {
		writeError(w, http.StatusConflict, ErrCodeConflict, "device already exists")
		return
	} else if !errors.Is(err, device.ErrNotFound) {
		s.logger.Error("device lookup failed", "device_id", req.ID, "error", err)
		writeInternalError(w, "failed to create device")
		return
	}

	rec := device.NewRecord(req.ID)
	rec.Phone = req.Phone

	if err := s.devices.Put(r.Context(), rec); err != nil {
		s.logger.Error("device create failed", "device_id", req.ID, "error", err)
		writeInternalError(w, "failed to create device")
		return
	}
	s.core.Table().Load([]device.Record{*rec})

	s.logger.Info("device created", "device_id", req.ID)
	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdateDevice merges a partial update into the device document
// and refreshes the engine's in-memory copy.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(patch) == 0 {
		writeBadRequest(w, "empty update")
		return
	}
	// The engine owns these fields; external writes would fight it.
	delete(patch, "id")
	delete(patch, "online")
	delete(patch, "dailyUsage")

	if _, err := s.devices.Get(r.Context(), id); errors.Is(err, device.ErrNotFound) {
		writeNotFound(w, "device not found")
		return
	}

	if err := s.devices.Merge(r.Context(), id, patch); err != nil {
		s.logger.Error("device update failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to update device")
		return
	}

	// Apply the patch to the live record under the device lock. The
	// in-memory copy is authoritative: replacing the slot with the
	// store's copy would drop the ephemeral usage cursor and race
	// in-flight async merges.
	data, err := json.Marshal(patch)
	if err != nil {
		writeBadRequest(w, "invalid update")
		return
	}
	s.core.Table().With(id, func(entry *device.Entry) {
		if err := json.Unmarshal(data, entry.Record); err != nil {
			s.logger.Error("device patch apply failed", "device_id", id, "error", err)
		}
	})

	rec, err := s.devices.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("device reload failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to reload device")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteDevice removes a device from the store and the engine.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.devices.Delete(r.Context(), id)
	if errors.Is(err, device.ErrNotFound) {
		writeNotFound(w, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("device delete failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}
	s.core.Table().Remove(id)

	s.logger.Info("device deleted", "device_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// controlRequest is the body for an acknowledgment-correlated control
// command.
type controlRequest struct {
	DeviceID string `json:"deviceId"`
	Toggle   bool   `json:"toggle"`
}

// handleControl issues a toggle command and waits for the device's
// acknowledgment or the engine's ack timeout.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "deviceId is required")
		return
	}

	handle := s.core.IssueControl(req.DeviceID, req.Toggle)
	result, err := handle.Wait(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeTimeout, "request cancelled")
		return
	}

	if result != engine.CommandSuccess {
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "device did not acknowledge")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": req.DeviceID,
		"toggle":   req.Toggle,
		"result":   string(result),
	})
}

// subscriptionRequest is the body for a subscription transition.
type subscriptionRequest struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// handleUpdateSubscription bridges to the engine's subscription
// lifecycle manager.
func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "deviceId is required")
		return
	}

	err := s.core.SetSubscription(r.Context(), req.DeviceID, device.SubscriptionStatus(req.Status))
	switch {
	case errors.Is(err, device.ErrNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, engine.ErrInvalidStatus):
		writeBadRequest(w, "status must be active or inactive")
	case err != nil:
		s.logger.Error("subscription update failed", "device_id", req.DeviceID, "error", err)
		writeInternalError(w, "failed to update subscription")
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"deviceId": req.DeviceID,
			"status":   req.Status,
		})
	}
}

// publishRequest is the body for a fire-and-forget publish.
type publishRequest struct {
	DeviceID string         `json:"deviceId"`
	Payload  map[string]any `json:"payload"`
}

// handlePublish sends an arbitrary payload to the device's status
// topic without acknowledgment correlation.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "deviceId is required")
		return
	}
	if len(req.Payload) == 0 {
		writeBadRequest(w, "payload is required")
		return
	}

	if err := s.core.PublishRaw(req.DeviceID, req.Payload); err != nil {
		s.logger.Error("publish failed", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "publish failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deviceId": req.DeviceID, "result": "published"})
}
