package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"libreserve/internal/ratelimit"
	"libreserve/internal/util"
	"libreserve/pkg/domain"
	"libreserve/pkg/events"
	"libreserve/services/reservation/internal/app"
)

const (
	defaultExtendDays  = 7
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// Authenticator turns a bearer token into the caller's identity.
type Authenticator interface {
	VerifyIdentity(token string) (domain.Identity, error)
}

// Limiter throttles reservation-creating requests per user.
type Limiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// EventFeed reads back recently published events.
type EventFeed interface {
	Recent(ctx context.Context, count int64) ([]events.Event, error)
}

// Config wires dependencies for the HTTP server. App and Authenticator are required.
type Config struct {
	App            *app.App
	Authenticator  Authenticator
	ReserveLimiter Limiter
	TrustedProxies *util.TrustedProxies
	EventFeed      EventFeed
}

// Server exposes HTTP endpoints for the reservation service.
type Server struct {
	app            *app.App
	authenticator  Authenticator
	reserveLimiter Limiter
	trustedProxies *util.TrustedProxies
	eventFeed      EventFeed
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("reservation app required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator required")
	}
	s := &Server{
		app:            cfg.App,
		authenticator:  cfg.Authenticator,
		reserveLimiter: cfg.ReserveLimiter,
		trustedProxies: cfg.TrustedProxies,
		eventFeed:      cfg.EventFeed,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("reservation", util.WithSecurityHeaders(s.trustedProxies, util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// reservations
	s.mux.Handle("/reservations", s.withUser(s.handleReservations))
	s.mux.Handle("/reservations/", s.withUser(s.handleReservationByID))

	// basket
	s.mux.Handle("/basket", s.withUser(s.handleBasket))
	s.mux.Handle("/basket/", s.withUser(s.handleBasketItem))

	// ledger
	s.mux.Handle("/books/", s.withUser(s.handleBookAvailability))

	// admin
	s.mux.Handle("/admin/reservations", s.withAdmin(s.handleAdminReservations))
	s.mux.Handle("/admin/reservations/", s.withAdmin(s.handleAdminReservationByID))
	s.mux.Handle("/admin/sweep", s.withAdmin(s.handleAdminSweep))
	s.mux.Handle("/admin/books/", s.withAdmin(s.handleAdminBook))
	s.mux.Handle("/admin/events", s.withAdmin(s.handleAdminEvents))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) withUser(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		next(w, r, identity)
	})
}

func (s *Server) withAdmin(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		if !identity.IsAdmin() {
			s.audit(r, "reservation.admin.authorize", "fail", "user_id", identity.UserID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "AUTH_FORBIDDEN", "forbidden")
			return
		}
		next(w, r, identity)
	})
}

func (s *Server) authorize(r *http.Request) (domain.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "reservation.token.verify", "fail", "reason", "missing_token")
		return domain.Identity{}, false
	}
	identity, err := s.authenticator.VerifyIdentity(token)
	if err != nil {
		s.audit(r, "reservation.token.verify", "fail", "reason", "invalid_signature_or_claims")
		return domain.Identity{}, false
	}
	return identity, true
}

// /reservations
func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		s.handleListReservations(w, r, user)
	case http.MethodPost:
		s.handleCreateReservation(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

type reservationListResponse struct {
	app.ReservationPage
	Statistics app.UserStats `json:"statistics"`
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	q := r.URL.Query()
	limit, offset, ok := parsePaging(w, q.Get("limit"), q.Get("offset"))
	if !ok {
		return
	}
	page, err := s.app.ListForUser(r.Context(), user.UserID, app.ListQuery{
		Status:  q.Get("status"),
		Limit:   limit,
		Offset:  offset,
		OrderBy: q.Get("orderBy"),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	stats, err := s.app.UserStats(r.Context(), user.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationListResponse{ReservationPage: page, Statistics: stats})
}

type createReservationRequest struct {
	BookID string `json:"bookId"`
	Notes  string `json:"notes"`
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if !s.allowReserve(w, r, user) {
		return
	}
	var req createReservationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BookID) == "" {
		writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "bookId is required")
		return
	}
	view, err := s.app.Create(r.Context(), user.UserID, req.BookID, req.Notes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// /reservations/stats, /reservations/from-basket or /reservations/{id}
func (s *Server) handleReservationByID(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	id := strings.TrimPrefix(r.URL.Path, "/reservations/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w)
		return
	}
	switch id {
	case "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := s.app.UserStats(r.Context(), user.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	case "from-basket":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleCommitBasket(w, r, user)
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := s.app.Get(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPatch:
		s.handlePatchReservation(w, r, user, id)
	case http.MethodDelete:
		view, err := s.app.Cancel(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		methodNotAllowed(w)
	}
}

type patchReservationRequest struct {
	Action string  `json:"action"`
	Notes  *string `json:"notes"`
}

func (s *Server) handlePatchReservation(w http.ResponseWriter, r *http.Request, user domain.Identity, id string) {
	var req patchReservationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		view app.ReservationView
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "cancel":
		view, err = s.app.Cancel(r.Context(), user, id)
	case "update_notes":
		if req.Notes == nil {
			writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "notes is required")
			return
		}
		view, err = s.app.UpdateNotes(r.Context(), user, id, *req.Notes)
	default:
		writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "action must be cancel or update_notes")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type commitBasketRequest struct {
	Notes       string `json:"notes"`
	ClearBasket *bool  `json:"clearBasket"`
}

func (s *Server) handleCommitBasket(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if !s.allowReserve(w, r, user) {
		return
	}
	var req commitBasketRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "invalid JSON body")
		return
	}
	clearAfter := true
	if req.ClearBasket != nil {
		clearAfter = *req.ClearBasket
	}
	result, err := s.app.CommitBasket(r.Context(), user.UserID, req.Notes, clearAfter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// /basket
func (s *Server) handleBasket(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		view, err := s.app.ListBasket(r.Context(), user.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPost:
		var req struct {
			BookID string `json:"bookId"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		entry, err := s.app.AddToBasket(r.Context(), user.UserID, req.BookID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	case http.MethodDelete:
		removed, err := s.app.ClearBasket(r.Context(), user.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	default:
		methodNotAllowed(w)
	}
}

// /basket/availability or /basket/{bookId}
func (s *Server) handleBasketItem(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	bookID := strings.TrimPrefix(r.URL.Path, "/basket/")
	if bookID == "" || strings.Contains(bookID, "/") {
		notFound(w)
		return
	}
	if bookID == "availability" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		report, err := s.app.CheckAvailability(r.Context(), user.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.RemoveFromBasket(r.Context(), user.UserID, bookID); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// /books/{id}/availability
func (s *Server) handleBookAvailability(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/books/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "availability" {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	availability, err := s.app.Availability(r.Context(), parts[0])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

// /admin/reservations
func (s *Server) handleAdminReservations(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	limit, offset, ok := parsePaging(w, q.Get("limit"), q.Get("offset"))
	if !ok {
		return
	}
	from, ok := parseTimeParam(w, "from", q.Get("from"))
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, "to", q.Get("to"))
	if !ok {
		return
	}
	page, err := s.app.AdminList(r.Context(), admin, app.AdminQuery{
		Status: q.Get("status"),
		UserID: q.Get("userId"),
		BookID: q.Get("bookId"),
		From:   from,
		To:     to,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// /admin/reservations/stats or /admin/reservations/{id}/{status|extend|history}
func (s *Server) handleAdminReservationByID(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/reservations/")
	if path == "stats" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := s.app.GlobalStats(r.Context(), admin)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		notFound(w)
		return
	}
	id := parts[0]
	switch parts[1] {
	case "status":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		s.handleAdminUpdateStatus(w, r, admin, id)
	case "extend":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleAdminExtend(w, r, admin, id)
	case "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		history, err := s.app.History(r.Context(), admin, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reservationId": id, "events": history})
	default:
		notFound(w)
	}
}

type adminStatusRequest struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes"`
}

func (s *Server) handleAdminUpdateStatus(w http.ResponseWriter, r *http.Request, admin domain.Identity, id string) {
	var req adminStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "status is required")
		return
	}
	view, err := s.app.AdminUpdateStatus(r.Context(), admin, id, req.Status, req.Notes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAdminExtend(w http.ResponseWriter, r *http.Request, admin domain.Identity, id string) {
	var req struct {
		Days *int `json:"days"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "invalid JSON body")
		return
	}
	days := defaultExtendDays
	if req.Days != nil {
		days = *req.Days
	}
	view, err := s.app.ExtendReturnDeadline(r.Context(), admin, id, days)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	result, err := s.app.Sweep(r.Context(), 0)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "reservation.admin.sweep", "success", "user_id", admin.UserID, "expired", result.Expired)
	writeJSON(w, http.StatusOK, result)
}

// /admin/events?limit=N, newest first
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.eventFeed == nil {
		writeError(w, http.StatusNotFound, "EVENTS_FEED_DISABLED", "event feed requires the redis events backend")
		return
	}
	limit, ok := parseIntParam(w, "limit", r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultEventsLimit
	}
	limit = min(limit, maxEventsLimit)
	recent, err := s.eventFeed.Recent(r.Context(), int64(limit))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recent})
}

type upsertBookRequest struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Category    string `json:"category"`
	ISBN        string `json:"isbn"`
	TotalCopies *int   `json:"totalCopies"`
}

// /admin/books/{id} or /admin/books/{id}/copies
func (s *Server) handleAdminBook(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/admin/books/"), "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		notFound(w)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "copies" {
			notFound(w)
			return
		}
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		var req struct {
			TotalCopies *int `json:"totalCopies"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.TotalCopies == nil {
			writeError(w, http.StatusBadRequest, "BOOK_INVALID_REQUEST", "totalCopies is required")
			return
		}
		book, err := s.app.SetTotalCopies(r.Context(), admin, id, *req.TotalCopies)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req upsertBookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	book, created, err := s.app.UpsertBook(r.Context(), admin, app.BookInput{
		ID:          id,
		Title:       req.Title,
		Author:      req.Author,
		Category:    req.Category,
		ISBN:        req.ISBN,
		TotalCopies: req.TotalCopies,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, book)
}

// allowReserve applies the per-user limit on reservation-creating endpoints.
func (s *Server) allowReserve(w http.ResponseWriter, r *http.Request, user domain.Identity) bool {
	if s.reserveLimiter == nil {
		return true
	}
	decision := s.reserveLimiter.Allow(r.Context(), "reserve:"+user.UserID)
	if decision.Allowed {
		return true
	}
	s.audit(r, "reservation.reserve", "rate_limited", "user_id", user.UserID)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many reservation attempts")
	return false
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"client_ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

func parsePaging(w http.ResponseWriter, rawLimit, rawOffset string) (int, int, bool) {
	limit, ok := parseIntParam(w, "limit", rawLimit)
	if !ok {
		return 0, 0, false
	}
	offset, ok := parseIntParam(w, "offset", rawOffset)
	if !ok {
		return 0, 0, false
	}
	return limit, offset, true
}

func parseIntParam(w http.ResponseWriter, name, raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "invalid "+name)
		return 0, false
	}
	return n, true
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates.
func parseTimeParam(w http.ResponseWriter, name, raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), true
	}
	writeError(w, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST", "invalid "+name)
	return time.Time{}, false
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
}
