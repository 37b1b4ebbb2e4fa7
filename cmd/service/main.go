package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rgardner/dancingtogether/internal/radio"
	"github.com/rgardner/dancingtogether/internal/spotify"
)

func main() {
	ctx := context.Background()

	port := getenv("PORT", "3005")
	databaseURL := getenv("DATABASE_URL", "postgres://postgres:postgres@db:5432/dancingtogether")
	redisURL := getenv("REDIS_URL", "redis://redis:6379")
	jwtSecret := getenv("JWT_SECRET", "dev-secret")
	spotifyClientID := getenv("SPOTIFY_CLIENT_ID", "")
	spotifyClientSecret := getenv("SPOTIFY_CLIENT_SECRET", "")

	// Postgres
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("station-service: connect postgres: %v", err)
	}
	defer pool.Close()

	if err := radio.AutoMigrate(ctx, pool); err != nil {
		log.Fatalf("station-service: migrate: %v", err)
	}

	// Redis
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("station-service: invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	repo := radio.NewPostgresRepository(pool)
	bus := radio.NewRedisBus(rdb)

	// One throttle for the whole process: Spotify rate limits apply to
	// the application, not to individual users.
	throttle := spotify.NewThrottle()
	tokens := spotify.NewTokenManager(repo, nil, spotifyClientID, spotifyClientSecret)
	driver := spotify.NewClient(tokens, throttle, nil)

	srv := radio.NewServer(repo, bus, driver, tokens, []byte(jwtSecret))

	r := srv.Router(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	log.Printf("station-service listening on :%s", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatalf("station-service: %v", err)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
