package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"esdispatch/agent"
	"esdispatch/auth"
	"esdispatch/dispatch"
	"esdispatch/enrollment"
	"esdispatch/logger"
	"esdispatch/offer"
)

type ctxKey int

const ctxKeyActor ctxKey = iota

const maxBodyBytes = 1 << 20

type dispatcher interface {
	DispatchNew(ctx context.Context, premiseID, requesterID string, timeslot time.Time) (dispatch.NewEnrollmentResult, error)
	AcceptOffer(ctx context.Context, offerID string, actor auth.Actor) (dispatch.AcceptResult, error)
	RejectOffer(ctx context.Context, offerID string, actor auth.Actor) (dispatch.RejectResult, error)
	CompleteEnrollment(ctx context.Context, enrollmentID string, actor auth.Actor) (enrollment.Enrollment, error)
	Redispatch(ctx context.Context, enrollmentID string, actor auth.Actor) (dispatch.Result, error)
	SetAgentStatus(ctx context.Context, agentID string, status agent.Status, actor auth.Actor) (agent.Agent, error)
}

type identity interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Resolve(ctx context.Context, token string) (auth.Actor, error)
}

type agentLister interface {
	List(ctx context.Context, filter agent.Filter) ([]agent.Agent, error)
}

// Server is the thin HTTP surface over the dispatch service.
type Server struct {
	dispatchService dispatcher
	authService     identity
	agentService    agentLister
	metrics         http.Handler
	metricsPath     string
	log             logger.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.Handle("POST /api/enrollments", s.requireAuth(s.handleCreateEnrollment))
	mux.Handle("POST /api/enrollments/{id}/complete", s.requireAuth(s.handleCompleteEnrollment))
	mux.Handle("POST /api/enrollments/{id}/dispatch", s.requireAuth(s.handleRedispatch))
	mux.Handle("POST /api/offers/{id}/accept", s.requireAuth(s.handleAcceptOffer))
	mux.Handle("POST /api/offers/{id}/reject", s.requireAuth(s.handleRejectOffer))
	mux.Handle("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.Handle("PATCH /api/agents/{id}/status", s.requireAuth(s.handleSetAgentStatus))

	if s.metrics != nil {
		path := s.metricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metrics)
	}
	return mux
}

func (s *Server) logger() logger.Logger {
	if s.log == nil {
		return logger.Nop{}
	}
	return s.log
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "UNAUTHORIZED")
			return
		}
		actor, err := s.authService.Resolve(r.Context(), strings.TrimSpace(token))
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
			return
		case errors.Is(err, auth.ErrUserNotRegistered):
			writeError(w, http.StatusForbidden, "user not registered in system", "USER_NOT_REGISTERED")
			return
		default:
			s.logger().Errorf("http: resolve actor: %v", err)
			writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}

func actorFrom(ctx context.Context) (auth.Actor, bool) {
	actor, ok := ctx.Value(ctxKeyActor).(auth.Actor)
	return actor, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type userResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials", "INVALID_CREDENTIALS")
			return
		}
		s.logger().Errorf("http: login: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: res.Token,
		User: userResponse{
			ID:    res.User.ID,
			Name:  res.User.Name,
			Email: res.User.Email,
			Role:  string(res.User.Role),
		},
	})
}

type createEnrollmentRequest struct {
	PremiseID string `json:"premise_id"`
	Timeslot  string `json:"timeslot"`
}

type enrollmentResponse struct {
	ID           string  `json:"id"`
	PremiseID    string  `json:"premise_id"`
	RequestedBy  string  `json:"requested_by"`
	Timeslot     string  `json:"timeslot"`
	Status       string  `json:"status"`
	AssignedESID *string `json:"assigned_es_id"`
	CreatedAt    string  `json:"created_at"`
}

type offerResponse struct {
	ID           string  `json:"id"`
	EnrollmentID string  `json:"enrollment_id"`
	ESID         string  `json:"es_id"`
	Tier         string  `json:"tier"`
	Status       string  `json:"status"`
	OfferedAt    string  `json:"offered_at"`
	ExpiresAt    string  `json:"expires_at"`
	RespondedAt  *string `json:"responded_at"`
}

type agentResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Status         string  `json:"status"`
	LastAssignedAt *string `json:"last_assigned_at"`
}

type dispatchResponse struct {
	Offer offerResponse `json:"offer"`
	Agent agentResponse `json:"agent"`
	Tier  string        `json:"tier"`
}

func (s *Server) handleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	if !actor.HasRole(auth.RoleAS, auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, "only AS or ADMIN may create enrollments", "FORBIDDEN")
		return
	}

	var req createEnrollmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var timeslot time.Time
	if req.Timeslot != "" {
		ts, err := time.Parse(time.RFC3339, req.Timeslot)
		if err != nil {
			writeError(w, http.StatusBadRequest, "timeslot must be RFC3339", "VALIDATION_ERROR")
			return
		}
		timeslot = ts
	}

	res, err := s.dispatchService.DispatchNew(r.Context(), req.PremiseID, actor.UserID, timeslot)
	if err != nil && dispatch.KindOf(err) != dispatch.KindExhausted {
		s.writeDispatchError(w, err)
		return
	}

	body := map[string]any{
		"enrollment": toEnrollmentResponse(res.Enrollment),
		"dispatch":   nil,
	}
	if res.Dispatch != nil {
		body["dispatch"] = toDispatchResponse(*res.Dispatch)
	}
	if err != nil {
		body["code"] = dispatch.CodeOf(err)
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleCompleteEnrollment(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	enr, err := s.dispatchService.CompleteEnrollment(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentResponse(enr))
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	res, err := s.dispatchService.Redispatch(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDispatchResponse(res))
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	if !actor.HasRole(auth.RoleES, auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, "only ES or ADMIN may accept offers", "FORBIDDEN")
		return
	}
	res, err := s.dispatchService.AcceptOffer(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offer":      toOfferResponse(res.Offer),
		"enrollment": toEnrollmentResponse(res.Enrollment),
	})
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	if !actor.HasRole(auth.RoleES, auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, "only ES or ADMIN may reject offers", "FORBIDDEN")
		return
	}
	res, err := s.dispatchService.RejectOffer(r.Context(), r.PathValue("id"), actor)
	if err != nil && dispatch.KindOf(err) != dispatch.KindExhausted {
		s.writeDispatchError(w, err)
		return
	}

	body := map[string]any{
		"rejected": toOfferResponse(res.Rejected),
		"next":     nil,
	}
	if res.Next != nil {
		body["next"] = toDispatchResponse(*res.Next)
	}
	if err != nil {
		body["code"] = dispatch.CodeOf(err)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	filter := agent.Filter{Status: agent.Status(strings.ToUpper(r.URL.Query().Get("status")))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "VALIDATION_ERROR")
			return
		}
		filter.Limit = limit
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status value", "VALIDATION_ERROR")
		return
	}

	agents, err := s.agentService.List(r.Context(), filter)
	if err != nil {
		s.logger().Errorf("http: list agents: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
		return
	}
	items := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		items = append(items, toAgentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := agent.ParseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status value", "VALIDATION_ERROR")
		return
	}
	a, err := s.dispatchService.SetAgentStatus(r.Context(), r.PathValue("id"), status, actor)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(a))
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	code := dispatch.CodeOf(err)
	switch dispatch.KindOf(err) {
	case dispatch.KindInvalid:
		writeError(w, http.StatusBadRequest, err.Error(), code)
	case dispatch.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error(), code)
	case dispatch.KindForbidden:
		writeError(w, http.StatusForbidden, err.Error(), code)
	case dispatch.KindConflict, dispatch.KindExhausted:
		writeError(w, http.StatusConflict, err.Error(), code)
	default:
		s.logger().Errorf("http: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error", code)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "VALIDATION_ERROR")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toEnrollmentResponse(e enrollment.Enrollment) enrollmentResponse {
	return enrollmentResponse{
		ID:           e.ID,
		PremiseID:    e.PremiseID,
		RequestedBy:  e.RequestedBy,
		Timeslot:     formatTime(e.Timeslot),
		Status:       string(e.Status),
		AssignedESID: e.AssignedESID,
		CreatedAt:    formatTime(e.CreatedAt),
	}
}

func toOfferResponse(o offer.Offer) offerResponse {
	return offerResponse{
		ID:           o.ID,
		EnrollmentID: o.EnrollmentID,
		ESID:         o.ESID,
		Tier:         string(o.Tier),
		Status:       string(o.Status),
		OfferedAt:    formatTime(o.OfferedAt),
		ExpiresAt:    formatTime(o.ExpiresAt),
		RespondedAt:  formatTimePtr(o.RespondedAt),
	}
}

func toAgentResponse(a agent.Agent) agentResponse {
	return agentResponse{
		ID:             a.ID,
		Name:           a.Name,
		Email:          a.Email,
		Status:         string(a.Status),
		LastAssignedAt: formatTimePtr(a.LastAssignedAt),
	}
}

func toDispatchResponse(res dispatch.Result) dispatchResponse {
	return dispatchResponse{
		Offer: toOfferResponse(res.Offer),
		Agent: toAgentResponse(res.Agent),
		Tier:  string(res.Tier),
	}
}
