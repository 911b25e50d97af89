// Package server exposes pikaboard over HTTP: board CRUD, the activity feed,
// the character roster, chat state, and the gateway credential endpoint.
package server

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Notes       string `json:"notes"`
	Status      string `json:"status"`
	Assignee    string `json:"assignee"`
	CharacterID string `json:"characterId"`
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Notes       *string `json:"notes"`
	Assignee    *string `json:"assignee"`
	CharacterID *string `json:"characterId"`
}

type moveTaskRequest struct {
	Status   string  `json:"status"`
	Position float64 `json:"position"`
}

type chatSendRequest struct {
	Message string `json:"message"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // unix ms
}
