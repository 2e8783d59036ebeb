package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/huddle-chat/huddle/internal/models"
	"github.com/huddle-chat/huddle/internal/store"
	"github.com/huddle-chat/huddle/internal/ws"
)

const otpTTL = 5 * time.Minute

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OTP      string `json:"otp,omitempty"`
}

type LoginResponse struct {
	RequiresOTP bool         `json:"requiresOtp,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

type OTPRequest struct {
	Email string `json:"email"`
}

type ChangePasswordRequest struct {
	Email           string `json:"email"`
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type pendingOTP struct {
	Code      string
	ExpiresAt time.Time
}

// AuthHandler implements login, OTP issuance, and password change. OTPs are
// held in memory; they are short-lived and a restart invalidating them is
// acceptable.
type AuthHandler struct {
	Store *store.Store
	Hub   *ws.Hub

	mu   sync.Mutex
	otps map[string]pendingOTP
}

// NewAuthHandler builds an AuthHandler.
func NewAuthHandler(st *store.Store, hub *ws.Hub) *AuthHandler {
	return &AuthHandler{Store: st, Hub: hub, otps: make(map[string]pendingOTP)}
}

// Login handles POST /api/login. Users still in onboarding must additionally
// present the 6-digit OTP issued on their first password-valid attempt.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "email and password are required"})
		return
	}

	user, err := h.Store.FindUserByEmail(req.Email)
	if err != nil {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}

	if !h.verifyPassword(user, req.Password) {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}

	if user.NeedsOnboarding {
		if req.OTP == "" {
			h.issueOTP(user.Email)
			sendJSON(w, http.StatusOK, LoginResponse{RequiresOTP: true})
			return
		}
		if !h.consumeOTP(user.Email, req.OTP) {
			sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired code"})
			return
		}
	}

	public := user.Public()
	sendJSON(w, http.StatusOK, LoginResponse{User: &public})
}

// RequestOTP handles POST /api/auth/otp/request: re-issues the onboarding
// code for a known email. Unknown emails get the same response so the
// endpoint does not leak which addresses exist.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req OTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "email is required"})
		return
	}

	if _, err := h.Store.FindUserByEmail(req.Email); err == nil {
		h.issueOTP(req.Email)
	}
	sendJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

// ChangePassword handles POST /api/auth/change-password. A successful change
// completes onboarding.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.CurrentPassword == "" || req.NewPassword == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "email, currentPassword and newPassword are required"})
		return
	}

	user, err := h.Store.FindUserByEmail(req.Email)
	if err != nil {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}
	if !h.verifyPassword(user, req.CurrentPassword) {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to update password"})
		return
	}
	if err := h.Store.SetUserPassword(user.ID, string(hashed)); err != nil {
		writeStoreError(w, err)
		return
	}

	done := false
	updated, err := h.Store.PatchUser(user.ID, store.UserPatch{NeedsOnboarding: &done})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if h.Hub != nil {
		if data, merr := ws.MarshalRefresh(ws.RefreshUserUpdated, updated.Public()); merr == nil {
			h.Hub.Broadcast(data)
		}
	}
	sendJSON(w, http.StatusOK, updated.Public())
}

// verifyPassword checks the supplied password against the stored credential.
// Records created before hashing was introduced hold plaintext; those verify
// by constant-time compare and are upgraded to a bcrypt hash in place.
func (h *AuthHandler) verifyPassword(user models.User, password string) bool {
	stored := user.Password
	if stored == "" {
		return false
	}

	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return false
	}
	if hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost); err == nil {
		if err := h.Store.SetUserPassword(user.ID, string(hashed)); err != nil {
			log.Printf("api: upgrade credential for %s: %v", user.ID, err)
		}
	}
	return true
}

func (h *AuthHandler) issueOTP(email string) {
	code := generateOTP()
	h.mu.Lock()
	h.otps[strings.ToLower(email)] = pendingOTP{Code: code, ExpiresAt: time.Now().Add(otpTTL)}
	h.mu.Unlock()

	// Stand-in for mail delivery.
	log.Printf("api: OTP for %s: %s", email, code)
}

func (h *AuthHandler) consumeOTP(email, code string) bool {
	key := strings.ToLower(email)

	h.mu.Lock()
	defer h.mu.Unlock()

	pending, ok := h.otps[key]
	if !ok || time.Now().After(pending.ExpiresAt) {
		delete(h.otps, key)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(pending.Code), []byte(code)) != 1 {
		return false
	}
	delete(h.otps, key)
	return true
}

func generateOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "000000"
	}
	return fmt.Sprintf("%06d", n.Int64())
}

const tempPasswordAlphabet = "abcdefghjkmnpqrstuvwxyzABCDEFGHJKMNPQRSTUVWXYZ23456789"

func generateTempPassword() string {
	out := make([]byte, 12)
	size := big.NewInt(int64(len(tempPasswordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			out[i] = 'x'
			continue
		}
		out[i] = tempPasswordAlphabet[n.Int64()]
	}
	return string(out)
}
