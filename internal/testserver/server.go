// Package testserver is a small protected API used by the integration tests
// and the demo CLI. Access tokens are HS256 JWTs carrying a server-side
// generation; RevokeTokens bumps the generation so every live token starts
// failing with 401, which is how token expiry is simulated.
package testserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionKeyUser = "user"
	sessionKeyCSRF = "csrf"
)

// Server is the demo API.
type Server struct {
	mu         sync.Mutex
	secret     []byte
	generation int
	users      map[string][]byte

	accessTTL   time.Duration
	sessions    *scs.SessionManager
	router      *mux.Router
	failRefresh atomic.Bool
	refreshes   atomic.Int32
	apiCalls    atomic.Int32
}

// New creates a server with a random signing key and no users.
func New() *Server {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(fmt.Sprintf("testserver: failed to generate secret: %v", err))
	}

	s := &Server{
		secret:    secret,
		users:     make(map[string][]byte),
		accessTTL: 15 * time.Minute,
		sessions:  scs.New(),
	}
	s.sessions.Cookie.Name = "testserver_session"

	r := mux.NewRouter()
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/items/{id}", s.requireToken(s.handleItem)).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/broken", s.handleBroken)
	s.router = r

	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.sessions.LoadAndSave(s.router)
}

// AddUser registers a user with a bcrypt-hashed password.
func (s *Server) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = hash
	return nil
}

// IssueToken signs an access token for username at the current generation.
func (s *Server) IssueToken(username string) (string, error) {
	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": username,
		"gen": generation,
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken returns the subject of a valid access token.
func (s *Server) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}

	gen, ok := claims["gen"].(float64)
	s.mu.Lock()
	current := s.generation
	s.mu.Unlock()
	if !ok || int(gen) != current {
		return "", fmt.Errorf("token revoked")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("missing subject")
	}
	return sub, nil
}

// RevokeTokens invalidates every access token issued so far.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// SetRefreshFailure makes /auth/refresh fail while enabled.
func (s *Server) SetRefreshFailure(fail bool) {
	s.failRefresh.Store(fail)
}

// Refreshes returns how many tokens /auth/refresh has issued.
func (s *Server) Refreshes() int {
	return int(s.refreshes.Load())
}

// APICalls returns how many authorized /api requests were served.
func (s *Server) APICalls() int {
	return int(s.apiCalls.Load())
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by /auth/login and /auth/refresh.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	CSRFToken   string `json:"csrf_token,omitempty"`
}

// ItemResponse is returned by /api/items/{id}.
type ItemResponse struct {
	ID            string `json:"id"`
	User          string `json:"user"`
	Method        string `json:"method"`
	Authorization string `json:"authorization"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	hash, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.sessions.RenewToken(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	csrf := randomHex(16)
	s.sessions.Put(r.Context(), sessionKeyUser, req.Username)
	s.sessions.Put(r.Context(), sessionKeyCSRF, csrf)

	token, err := s.IssueToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, CSRFToken: csrf})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user := s.sessions.GetString(r.Context(), sessionKeyUser)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}
	if csrf := s.sessions.GetString(r.Context(), sessionKeyCSRF); r.Header.Get("X-CSRF-Token") != csrf {
		writeError(w, http.StatusForbidden, "csrf token mismatch")
		return
	}
	if s.failRefresh.Load() {
		writeError(w, http.StatusUnauthorized, "refresh denied")
		return
	}

	token, err := s.IssueToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.refreshes.Add(1)
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token})
}

func (s *Server) requireToken(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.ValidateToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.apiCalls.Add(1)
		next(w, r, user)
	}
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request, user string) {
	writeJSON(w, http.StatusOK, ItemResponse{
		ID:            mux.Vars(r)["id"],
		User:          user,
		Method:        r.Method,
		Authorization: r.Header.Get("Authorization"),
	})
}

func (s *Server) handleBroken(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusInternalServerError, "broken on purpose")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
