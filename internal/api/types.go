package api

import "github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	ActiveSessions int    `json:"activeSessions"`
	Clients        int    `json:"clients"`
}

// SessionListResponse is returned by GET /api/v1/sessions
type SessionListResponse struct {
	Sessions []*entities.Session `json:"sessions"`
	Count    int                 `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
