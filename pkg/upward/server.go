// Package upward implements the "upward interface to the telephony
// service" spec.md §6 describes: an HTTP+WebSocket facade standing in
// for the D-Bus surface the daemon's true peer would use, exposing a
// cached per-slot Snapshot, a data-role request endpoint wired to the
// process-wide DataManager, and a screen-state endpoint wired to the
// slot manager. Grounded on the teacher's pkg/web/server.go (mux
// layout, CORS middleware, bearer-token auth wrapper, gorilla
// websocket broadcast) and its auth.go (JWT issuance/validation via
// golang-jwt/v5, bcrypt password hashes).
package upward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/datamgr"
	"github.com/protei/rild/pkg/slot"
	"github.com/protei/rild/pkg/slotmgr"
)

// Credential is one operator account allowed to call the upward
// interface. Password is stored as a bcrypt hash, never plaintext.
type Credential struct {
	Username     string
	PasswordHash string
}

// Config configures the Server.
type Config struct {
	Addr        string
	JWTSecret   string
	TokenExpiry time.Duration
	Credentials []Credential
}

func (c *Config) setDefaults() {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = time.Hour
	}
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Server is the upward-facing HTTP+WebSocket adapter over a
// slotmgr.Manager and datamgr.Manager.
type Server struct {
	cfg       Config
	log       *logger.Logger
	slots     *slotmgr.Manager
	data      *datamgr.Manager
	jwtSecret []byte
	users     map[string]string // username -> bcrypt hash

	server   *http.Server
	upgrader websocket.Upgrader

	views   map[int]*slotView
	viewsMu sync.RWMutex

	wsClients  map[*websocket.Conn]bool
	wsClientMu sync.RWMutex
}

// New constructs a Server. Call Serve to run it.
func New(cfg Config, log *logger.Logger, slots *slotmgr.Manager, data *datamgr.Manager) *Server {
	cfg.setDefaults()
	users := make(map[string]string, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		users[c.Username] = c.PasswordHash
	}
	return &Server{
		cfg:       cfg,
		log:       log,
		slots:     slots,
		data:      data,
		jwtSecret: []byte(cfg.JWTSecret),
		users:     users,
		views:     make(map[int]*slotView),
		wsClients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach wires the server to observe slot sl, caching its Snapshot
// and broadcasting changes over websocket. Call it once per slot after
// slotmgr.Manager.Run's start barrier resolves.
func (s *Server) Attach(sl *slot.Slot) {
	v := newSlotView(sl.Index())
	s.viewsMu.Lock()
	s.views[sl.Index()] = v
	s.viewsMu.Unlock()

	v.observe(sl, func(snap Snapshot) {
		s.broadcast("snapshot", snap)
	})
}

// Serve starts the HTTP server and blocks until it stops or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/slots", s.requireAuth(s.handleSlots))
	mux.HandleFunc("/api/slots/", s.requireAuth(s.handleSlotActions))
	mux.HandleFunc("/api/screen", s.requireAuth(s.handleScreenState))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.validateToken(parts[1]); err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hash, ok := s.users[req.Username]
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.issueToken(req.Username)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) issueToken(username string) (string, error) {
	now := time.Now()
	c := &claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenExpiry)),
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.jwtSecret)
}

func (s *Server) validateToken(tokenString string) (*claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	c, ok := token.Claims.(*claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return c, nil
}

// handleSlots lists every slot's cached snapshot.
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	s.viewsMu.RLock()
	out := make([]Snapshot, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v.get())
	}
	s.viewsMu.RUnlock()
	s.sendJSON(w, http.StatusOK, out)
}

// handleSlotActions handles /api/slots/{index} (GET snapshot) and
// /api/slots/{index}/data-role (POST {"role": "none"|"mms"|"internet"}).
func (s *Server) handleSlotActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/slots/")
	parts := strings.SplitN(rest, "/", 2)

	idx, err := strconv.Atoi(parts[0])
	if err != nil {
		s.sendError(w, http.StatusNotFound, "unknown slot")
		return
	}

	if len(parts) == 1 {
		s.viewsMu.RLock()
		v, ok := s.views[idx]
		s.viewsMu.RUnlock()
		if !ok {
			s.sendError(w, http.StatusNotFound, "unknown slot")
			return
		}
		s.sendJSON(w, http.StatusOK, v.get())
		return
	}

	if parts[1] != "data-role" {
		s.sendError(w, http.StatusNotFound, "unknown action")
		return
	}
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.data.Allow(idx, role)
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "data role updated"})
}

func parseRole(s string) (datamgr.Role, error) {
	switch strings.ToLower(s) {
	case "none":
		return datamgr.RoleNone, nil
	case "mms":
		return datamgr.RoleMMS, nil
	case "internet":
		return datamgr.RoleInternet, nil
	default:
		return datamgr.RoleNone, fmt.Errorf("unknown data role %q", s)
	}
}

// handleScreenState fans out the device screen state (MCE-driven, per
// spec.md §4.4) to every slot.
func (s *Server) handleScreenState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.slots.SetScreenState(req.On)
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "screen state updated"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"started": s.slots.Started(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.validateToken(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upward: websocket upgrade failed", "error", err)
		return
	}

	s.wsClientMu.Lock()
	s.wsClients[conn] = true
	s.wsClientMu.Unlock()

	defer func() {
		s.wsClientMu.Lock()
		delete(s.wsClients, conn)
		s.wsClientMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcast pushes a typed event to every connected websocket client.
func (s *Server) broadcast(kind string, payload interface{}) {
	msg := map[string]interface{}{
		"type":    kind,
		"payload": payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("upward: marshal broadcast", err)
		return
	}

	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Warn("upward: websocket write failed", "error", err)
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, map[string]string{"error": msg})
}

// HashPassword bcrypt-hashes a plaintext password for use in a
// Credential, so operators never store plaintext in config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MintToken issues a bearer token for subject directly from secret,
// without going through the login endpoint. It exists for callers
// that already hold the same secret the running Server was configured
// with, such as the status CLI reading the same config file.
func MintToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := &claims{
		Username: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}
