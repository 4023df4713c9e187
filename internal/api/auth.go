// Package api admin authentication: a sha256-hashed credential file on disk
// plus in-memory URL-safe bearer tokens issued per login.
package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// adminTokenCookie is the cookie carrying the admin session token.
const adminTokenCookie = "admin_token"

// adminCredentials is the on-disk credential record.
type adminCredentials struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// adminAuth manages the credential file and the set of live tokens. Tokens
// are memory-only: a server restart logs every admin out.
type adminAuth struct {
	file string

	mu     sync.Mutex
	tokens map[string]bool
}

func newAdminAuth(file string) *adminAuth {
	return &adminAuth{file: file, tokens: make(map[string]bool)}
}

// hashPassword returns the hex sha256 digest of a password.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// SetCredentials writes the credential file, creating parent directories.
func (a *adminAuth) SetCredentials(username, password string) error {
	if a.file == "" {
		return fmt.Errorf("no credentials file configured")
	}
	creds := adminCredentials{Username: username, PasswordHash: hashPassword(password)}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.file), 0o755); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err := os.WriteFile(a.file, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	slog.Info("adminAuth.SetCredentials: credentials stored", "username", username)
	return nil
}

// loadCredentials reads the credential file. Returns nil when no file exists.
func (a *adminAuth) loadCredentials() *adminCredentials {
	if a.file == "" {
		return nil
	}
	data, err := os.ReadFile(a.file)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("adminAuth.loadCredentials: read failed", "error", err, "file", a.file)
		}
		return nil
	}
	var creds adminCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		slog.Warn("adminAuth.loadCredentials: corrupt credentials file", "error", err, "file", a.file)
		return nil
	}
	return &creds
}

// verifyCredentials checks a username/password pair against the stored hash.
func (a *adminAuth) verifyCredentials(username, password string) bool {
	creds := a.loadCredentials()
	if creds == nil {
		return false
	}
	return creds.Username == username && creds.PasswordHash == hashPassword(password)
}

// issueToken creates and remembers a new URL-safe admin token.
func (a *adminAuth) issueToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	a.mu.Lock()
	a.tokens[token] = true
	a.mu.Unlock()
	return token, nil
}

// verifyToken reports whether a token is live.
func (a *adminAuth) verifyToken(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens[token]
}

// revokeToken invalidates a token on logout.
func (a *adminAuth) revokeToken(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

// verifyRequest accepts the admin token from the cookie or an Authorization
// Bearer header.
func (a *adminAuth) verifyRequest(r *http.Request) bool {
	if c, err := r.Cookie(adminTokenCookie); err == nil && a.verifyToken(c.Value) {
		return true
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return a.verifyToken(strings.TrimPrefix(h, "Bearer "))
	}
	return false
}

// adminAuthHandler handles POST /admin/auth with JSON or form credentials.
func (s *Server) adminAuthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.adminAuthHandler: processing login", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.adminAuthHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form data"))
			return
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	}

	if !s.auth.verifyCredentials(req.Username, req.Password) {
		slog.Warn("Server.adminAuthHandler: invalid credentials", "username", req.Username)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid username or password"))
		return
	}

	token, err := s.auth.issueToken()
	if err != nil {
		slog.Error("Server.adminAuthHandler: token generation failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create session token"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminTokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	slog.Info("Server.adminAuthHandler: admin logged in", "username", req.Username)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Authenticated", map[string]string{"token": token}))
}

// adminLogoutHandler handles POST /admin/logout.
func (s *Server) adminLogoutHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.adminLogoutHandler: processing logout", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if c, err := r.Cookie(adminTokenCookie); err == nil {
		s.auth.revokeToken(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   adminTokenCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Logged out", nil))
}

// requireAdmin rejects the request when no valid admin token is present.
// Returns false after writing the error response.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.auth.verifyRequest(r) {
		return true
	}
	slog.Warn("Server.requireAdmin: unauthorized request", "path", r.URL.Path)
	writeJSONResponse(w, http.StatusUnauthorized, models.Error("Admin authentication required"))
	return false
}

// SetAdminCredentials stores the admin login, used at startup when the
// operator configures credentials through the environment.
func (s *Server) SetAdminCredentials(username, password string) error {
	return s.auth.SetCredentials(username, password)
}
