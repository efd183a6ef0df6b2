package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

type DeviceAPI struct {
	Registry dispatch.DeviceRegistry
	Logger   *slog.Logger
}

func NewDeviceAPI(registry dispatch.DeviceRegistry, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Registry: registry,
		Logger:   logger.With("component", "DeviceAPI"),
	}
}

type RegisterDeviceRequest struct {
	Platform       push.Platform `json:"platform"`
	RegistrationID string        `json:"registration_id"`
	ApplicationID  string        `json:"application_id,omitempty"`
	Name           string        `json:"name,omitempty"`
	DeviceID       string        `json:"device_id,omitempty"`
}

type UnregisterDeviceRequest struct {
	RegistrationID string `json:"registration_id"`
}

// RegisterDevice adds or refreshes a device for the authenticated user.
func (api *DeviceAPI) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := api.authenticatedUser(w, r)
	if !ok {
		return
	}

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Platform == "" {
		req.Platform = push.PlatformAPNs
	}
	if !req.Platform.Valid() {
		response.WriteJSONError(w, http.StatusBadRequest, "unsupported platform")
		return
	}
	if req.RegistrationID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing registration_id")
		return
	}
	// APNs device tokens are hex encoded.
	if req.Platform == push.PlatformAPNs {
		if _, err := hex.DecodeString(req.RegistrationID); err != nil {
			api.Logger.Warn("RegisterDevice: Validation failed", "reason", "registration_id is not hex")
			response.WriteJSONError(w, http.StatusBadRequest, "registration_id must be a hex apns token")
			return
		}
	}

	device := push.Device{
		RegistrationID: req.RegistrationID,
		Platform:       req.Platform,
		ApplicationID:  req.ApplicationID,
		UserID:         userURN.String(),
		Name:           req.Name,
		DeviceID:       req.DeviceID,
		Active:         true,
	}
	if err := api.Registry.Register(ctx, device); err != nil {
		api.Logger.Error("failed to register device", "platform", req.Platform, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("RegisterDevice: Device registered", "user", userURN, "platform", req.Platform)

	w.WriteHeader(http.StatusNoContent)
}

// UnregisterDevice removes one of the authenticated user's devices.
// Unknown tokens succeed so the call can be retried.
func (api *DeviceAPI) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := api.authenticatedUser(w, r)
	if !ok {
		return
	}

	var req UnregisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RegistrationID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing registration_id")
		return
	}

	err := api.Registry.Unregister(ctx, userURN, req.RegistrationID)
	switch {
	case errors.Is(err, push.ErrDeviceNotOwned):
		response.WriteJSONError(w, http.StatusForbidden, "device belongs to another user")
		return
	case err != nil:
		api.Logger.Warn("failed to unregister device", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to unregister device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (api *DeviceAPI) authenticatedUser(w http.ResponseWriter, r *http.Request) (userURN urn.URN, ok bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return userURN, false
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		api.Logger.Warn("Authenticated user is not a valid URN", "user", userID, "err", err)
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return userURN, false
	}
	return userURN, true
}
