package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/huddle-chat/huddle/internal/models"
	"github.com/huddle-chat/huddle/internal/store"
)

func newAuthFixture(t *testing.T) (*AuthHandler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "huddle.json"))
	require.NoError(t, err)
	return NewAuthHandler(st, nil), st
}

func createUserWithPassword(t *testing.T, st *store.Store, email, password string, needsOnboarding bool) models.User {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user, err := st.CreateUser(models.User{
		Name:            "Test User",
		Email:           email,
		Password:        string(hashed),
		NeedsOnboarding: needsOnboarding,
	})
	require.NoError(t, err)
	return user
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	h, st := newAuthFixture(t)
	createUserWithPassword(t, st, "maya@example.com", "secret", false)

	rec := postJSON(t, h.Login, LoginRequest{Email: "ghost@example.com", Password: "secret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, h.Login, LoginRequest{Email: "", Password: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginReturnsUserWhenOnboarded(t *testing.T) {
	t.Parallel()

	h, st := newAuthFixture(t)
	user := createUserWithPassword(t, st, "maya@example.com", "secret", false)

	rec := postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.RequiresOTP)
	require.NotNil(t, resp.User)
	assert.Equal(t, user.ID, resp.User.ID)
	assert.Empty(t, resp.User.Password, "credentials never leave the server")
}

func TestLoginOTPFlow(t *testing.T) {
	t.Parallel()

	h, st := newAuthFixture(t)
	user := createUserWithPassword(t, st, "maya@example.com", "secret", true)

	// First password-valid attempt issues the code.
	rec := postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.RequiresOTP)
	assert.Nil(t, resp.User)

	h.mu.Lock()
	pending := h.otps["maya@example.com"]
	h.mu.Unlock()
	require.Len(t, pending.Code, 6)

	// A mismatched code is rejected.
	rec = postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "secret", OTP: "000001"})
	if pending.Code == "000001" {
		t.Skip("generated code collides with the deliberately wrong one")
	}
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The matching unexpired code completes the login.
	rec = postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "secret", OTP: pending.Code})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.User)
	assert.Equal(t, user.ID, resp.User.ID)

	// The code is single-use.
	rec = postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "secret", OTP: pending.Code})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginExpiredOTPRejected(t *testing.T) {
	t.Parallel()

	h, st := newAuthFixture(t)
	createUserWithPassword(t, st, "maya@example.com", "secret", true)

	postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "secret"})

	h.mu.Lock()
	pending := h.otps["maya@example.com"]
	pending.ExpiresAt = time.Now().Add(-time.Minute)
	h.otps["maya@example.com"] = pending
	h.mu.Unlock()

	rec := postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "secret", OTP: pending.Code})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestOTPDoesNotLeakAccounts(t *testing.T) {
	t.Parallel()

	h, st := newAuthFixture(t)
	createUserWithPassword(t, st, "maya@example.com", "secret", true)

	known := postJSON(t, h.RequestOTP, OTPRequest{Email: "maya@example.com"})
	unknown := postJSON(t, h.RequestOTP, OTPRequest{Email: "ghost@example.com"})
	assert.Equal(t, known.Code, unknown.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())

	h.mu.Lock()
	_, issued := h.otps["maya@example.com"]
	_, ghost := h.otps["ghost@example.com"]
	h.mu.Unlock()
	assert.True(t, issued)
	assert.False(t, ghost)
}

func TestLegacyPlaintextCredentialUpgradedOnLogin(t *testing.T) {
	t.Parallel()

	h, st := newAuthFixture(t)
	user, err := st.CreateUser(models.User{Name: "Legacy", Email: "legacy@example.com", Password: "plaintext"})
	require.NoError(t, err)

	rec := postJSON(t, h.Login, LoginRequest{Email: "legacy@example.com", Password: "plaintext"})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := st.FindUser(user.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.Password, "$2"), "plaintext must be re-persisted hashed")
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.Password), []byte("plaintext")))

	// And the hashed credential keeps working.
	rec = postJSON(t, h.Login, LoginRequest{Email: "legacy@example.com", Password: "plaintext"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChangePasswordCompletesOnboarding(t *testing.T) {
	t.Parallel()

	h, st := newAuthFixture(t)
	user := createUserWithPassword(t, st, "maya@example.com", "temp-pass", true)

	rec := postJSON(t, h.ChangePassword, ChangePasswordRequest{
		Email:           "maya@example.com",
		CurrentPassword: "wrong",
		NewPassword:     "brand-new",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, h.ChangePassword, ChangePasswordRequest{
		Email:           "maya@example.com",
		CurrentPassword: "temp-pass",
		NewPassword:     "brand-new",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := st.FindUser(user.ID)
	require.NoError(t, err)
	assert.False(t, stored.NeedsOnboarding)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.Password), []byte("brand-new")))

	rec = postJSON(t, h.Login, LoginRequest{Email: "maya@example.com", Password: "brand-new"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
