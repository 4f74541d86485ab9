package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"EchoFM/config"
	"EchoFM/core/playback"
	"EchoFM/repository"
)

// APIHandler holds the dependencies for the HTTP handlers.
type APIHandler struct {
	userRepo    repository.UserRepository
	coordinator *playback.Coordinator
	hub         *playback.Hub
	cfg         *config.Config
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(userRepo repository.UserRepository, coordinator *playback.Coordinator, hub *playback.Hub, cfg *config.Config) *APIHandler {
	return &APIHandler{
		userRepo:    userRepo,
		coordinator: coordinator,
		hub:         hub,
		cfg:         cfg,
	}
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// GetUserIDFromContext extracts the user ID from the request context.
func GetUserIDFromContext(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value("userID").(int64)
	if !ok {
		return 0, fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// GetUsernameFromContext extracts the username from the request context.
func GetUsernameFromContext(ctx context.Context) (string, error) {
	username, ok := ctx.Value("username").(string)
	if !ok {
		return "", fmt.Errorf("username not found in context")
	}
	return username, nil
}
