package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/chat"
)

const (
	// AccessCookie carries the access token, including for WebSocket admission.
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"

	maxBodyBytes = 1 << 14
)

// Handler serves the account endpoints.
type Handler struct {
	service      *Service
	cookieSecure bool
	log          zerolog.Logger
}

// NewHandler returns a Handler. cookieSecure sets the Secure attribute on
// the token cookies.
func NewHandler(service *Service, cookieSecure bool, log zerolog.Logger) *Handler {
	return &Handler{service: service, cookieSecure: cookieSecure, log: log.With().Str("component", "auth").Logger()}
}

// RegisterRoutes mounts the account endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/register", h.Register)
	r.Post("/api/login", h.Login)
	r.Post("/api/refresh", h.Refresh)
}

type userResponse struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// Register handles POST /api/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.decode(w, r)
	if !ok {
		return
	}

	user, pair, err := h.service.Register(r.Context(), creds)
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Username and password required"})
		return
	case errors.Is(err, chat.ErrUserExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Username already exists"})
		return
	case err != nil:
		h.log.Error().Err(err).Str("username", creds.Username).Msg("registration failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	h.setTokenCookies(w, pair)
	writeJSON(w, http.StatusCreated, userResponse{UserID: user.ID, Username: user.Username})
}

// Login handles POST /api/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.decode(w, r)
	if !ok {
		return
	}

	user, pair, err := h.service.Login(r.Context(), creds)
	switch {
	case errors.Is(err, chat.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		return
	case err != nil:
		h.log.Error().Err(err).Str("username", creds.Username).Msg("login failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	h.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, userResponse{UserID: user.ID, Username: user.Username})
}

// Refresh handles POST /api/refresh using the refresh cookie.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var token string
	if c, err := r.Cookie(RefreshCookie); err == nil {
		token = c.Value
	}

	access, err := h.service.Refresh(r.Context(), token)
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid refresh token"})
		return
	case err != nil:
		h.log.Error().Err(err).Msg("refresh failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	http.SetCookie(w, h.cookie(AccessCookie, access, int(h.service.Tokens().AccessTTL().Seconds())))
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (Credentials, bool) {
	var creds Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
		return creds, false
	}
	creds.Username = strings.TrimSpace(creds.Username)
	return creds, true
}

func (h *Handler) setTokenCookies(w http.ResponseWriter, pair TokenPair) {
	tokens := h.service.Tokens()
	http.SetCookie(w, h.cookie(AccessCookie, pair.Access, int(tokens.AccessTTL().Seconds())))
	http.SetCookie(w, h.cookie(RefreshCookie, pair.Refresh, int(tokens.RefreshTTL().Seconds())))
}

func (h *Handler) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// CredentialFromRequest extracts the access token presented with r: the
// access cookie, or else an "Authorization: Bearer" header.
func CredentialFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
