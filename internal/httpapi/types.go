package httpapi

import "time"

// TokenRequest asks for an admin API token.
type TokenRequest struct {
	NodeID string `json:"nodeId"`
	Admin  bool   `json:"admin"`
}

// TokenResponse carries an issued token.
type TokenResponse struct {
	Token     string    `json:"token"`
	NodeID    string    `json:"nodeId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ComponentStatus is one collaborator's self-reported size.
type ComponentStatus struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	SizeBytes int64  `json:"sizeBytes"`
}

// StatusResponse is the full node status report.
type StatusResponse struct {
	NodeID           string            `json:"nodeId"`
	Scope            string            `json:"scope"`
	Uptime           string            `json:"uptime"`
	Components       []ComponentStatus `json:"components"`
	CloudConnected   bool              `json:"cloudConnected"`
	MasterNode       string            `json:"masterNode,omitempty"`
	MasterQueueDepth int               `json:"masterQueueDepth"`
}

// ConnectionInfo is one registry entry as shown to operators.
type ConnectionInfo struct {
	NodeID        string   `json:"nodeId"`
	URL           string   `json:"url,omitempty"`
	Scope         string   `json:"scope"`
	Role          string   `json:"role"`
	SessionID     string   `json:"sessionId,omitempty"`
	Connected     bool     `json:"connected"`
	Alive         bool     `json:"alive"`
	QueueLen      int      `json:"queueLen"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// ConnectionsResponse lists the registered connections.
type ConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
	Total       int              `json:"total"`
}

// SessionInfo is one session as shown to operators. Crypto material is
// never exposed here.
type SessionInfo struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	Locale     string    `json:"locale"`
	CreatedAt  time.Time `json:"createdAt"`
	LastAccess time.Time `json:"lastAccess"`
	PageHits   uint64    `json:"pageHits"`
}

// SessionsResponse lists the live sessions.
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// HealthResponse is the unauthenticated liveness report.
type HealthResponse struct {
	Healthy     bool   `json:"healthy"`
	Connections int    `json:"connections"`
	Message     string `json:"message,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
