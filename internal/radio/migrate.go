package radio

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AutoMigrate creates the station tables. Users and stations are owned by
// other services; the station core only needs them present to join
// against, so they are created here too for standalone deployments.
func AutoMigrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS users (
          id       TEXT PRIMARY KEY,
          username TEXT NOT NULL,
          email    TEXT NOT NULL
      )
    `)
	if err != nil {
		log.Printf("station-service: migrate users: %v", err)
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS stations (
          id    BIGSERIAL PRIMARY KEY,
          title TEXT NOT NULL
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS listeners (
          user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
          station_id BIGINT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
          is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
          is_dj      BOOLEAN NOT NULL DEFAULT FALSE,
          PRIMARY KEY (user_id, station_id)
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS pending_listeners (
          station_id BIGINT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
          email      TEXT NOT NULL,
          invited_at TIMESTAMPTZ NOT NULL DEFAULT now(),
          PRIMARY KEY (station_id, email)
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS playback_states (
          station_id        BIGINT PRIMARY KEY REFERENCES stations(id) ON DELETE CASCADE,
          context_uri       TEXT NOT NULL,
          current_track_uri TEXT NOT NULL,
          paused            BOOLEAN NOT NULL,
          raw_position_ms   BIGINT NOT NULL,
          sample_time       TIMESTAMPTZ NOT NULL,
          last_updated_time TIMESTAMPTZ NOT NULL DEFAULT now()
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS spotify_credentials (
          user_id                      TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
          refresh_token                TEXT NOT NULL,
          access_token                 TEXT NOT NULL,
          access_token_expiration_time TIMESTAMPTZ NOT NULL
      )
    `); err != nil {
		return err
	}

	return nil
}
