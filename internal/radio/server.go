package radio

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// Origin enforcement happens at the gateway.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenClaims is the access token payload issued by the auth service.
type TokenClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type Server struct {
	repo      Repository
	bus       Bus
	driver    PlaybackDriver
	tokens    AccessTokenManager
	jwtSecret []byte
}

func NewServer(repo Repository, bus Bus, driver PlaybackDriver, tokens AccessTokenManager, jwtSecret []byte) *Server {
	return &Server{
		repo:      repo,
		bus:       bus,
		driver:    driver,
		tokens:    tokens,
		jwtSecret: jwtSecret,
	}
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "station-service",
	})
}

// handleWS authenticates the client and hands the connection to a new
// session actor. A failed authentication here is the only error that ever
// refuses or closes the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing access token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("station-service: ws upgrade: %v", err)
		return
	}

	sess := NewSession(conn, user, s.repo, s.bus, s.driver, s.tokens)
	go sess.Run(context.Background())
}

func (s *Server) authenticate(r *http.Request) (*User, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if raw == "" {
		return nil, errors.New("missing token")
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, errors.New("token has no subject")
	}

	user, err := s.repo.GetUser(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	return user, nil
}
