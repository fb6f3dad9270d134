package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Handlers implements the admin API endpoints.
type Handlers struct {
	s *Server
}

// NewHandlers binds the endpoint handlers to the server.
func NewHandlers(s *Server) *Handlers {
	return &Handlers{s: s}
}

// IssueToken handles POST /v1/auth/token.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errIllegalRequest, http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		h.writeError(w, errIllegalRequest, http.StatusBadRequest)
		return
	}

	token, expiresAt, err := h.s.auth.Issue(req.NodeID, req.Admin)
	if err != nil {
		h.writeError(w, "token issuance failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, TokenResponse{
		Token:     token,
		NodeID:    req.NodeID,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Status handles GET /v1/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := make([]ComponentStatus, 0, len(h.s.cfg.Diagnosables))
	for _, d := range h.s.cfg.Diagnosables {
		components = append(components, ComponentStatus{
			Name:      d.Name(),
			Count:     d.Count(),
			SizeBytes: d.SizeBytes(),
		})
	}

	resp := StatusResponse{
		NodeID:     h.s.cfg.NodeID,
		Scope:      h.s.cfg.Scope,
		Uptime:     time.Since(h.s.started).Round(time.Second).String(),
		Components: components,
	}
	if cloud := h.s.cfg.Cloud; cloud != nil {
		resp.CloudConnected = cloud.IsRouteConnected(false)
		resp.MasterNode = cloud.MasterNode()
		resp.MasterQueueDepth = cloud.MasterQueueDepth()
	}
	h.writeJSON(w, resp, http.StatusOK)
}

// Connections handles GET /v1/connections.
func (h *Handlers) Connections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conns := h.s.cfg.Registry.Snapshot()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		info := conn.Info()
		entry := ConnectionInfo{
			NodeID:    info.NodeID,
			URL:       info.URL,
			Scope:     info.Scope,
			Role:      info.Role.String(),
			SessionID: info.SessionID,
			Connected: conn.IsConnected(),
			Alive:     conn.IsAlive(),
			QueueLen:  conn.QueueLen(),
		}
		for _, sub := range conn.Subscriptions() {
			entry.Subscriptions = append(entry.Subscriptions, sub.Topic)
		}
		out = append(out, entry)
	}
	h.writeJSON(w, ConnectionsResponse{Connections: out, Total: len(out)}, http.StatusOK)
}

// Sessions handles GET /v1/sessions. Admin only.
func (h *Handlers) Sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if claims := requestClaims(r); claims != nil {
		h.s.log.Info("session listing requested",
			zap.String("requested_by", claims.NodeID))
	}

	states := h.s.cfg.Sessions.Snapshot()
	out := make([]SessionInfo, 0, len(states))
	for _, state := range states {
		out = append(out, SessionInfo{
			ID:         state.ID,
			DeviceID:   state.DeviceID,
			UserID:     state.UserID,
			RemoteAddr: state.RemoteAddr,
			Locale:     state.Locale,
			CreatedAt:  state.CreatedAt,
			LastAccess: state.LastAccess,
			PageHits:   state.PageHits,
		})
	}
	h.writeJSON(w, SessionsResponse{Sessions: out, Total: len(out)}, http.StatusOK)
}

// Health handles GET /healthz. Unauthenticated.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Healthy: true}
	if h.s.cfg.Registry != nil {
		resp.Connections = h.s.cfg.Registry.TotalCount()
	}
	h.writeJSON(w, resp, http.StatusOK)
}

func (h *Handlers) writeError(w http.ResponseWriter, message string, statusCode int) {
	h.s.middleware.writeError(w, message, statusCode)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.s.log.Error("encode response failed")
	}
}
