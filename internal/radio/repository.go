package radio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rgardner/dancingtogether/internal/spotify"
)

// Repository is everything the session actor needs from durable storage.
type Repository interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetStation(ctx context.Context, id int64) (*Station, error)
	GetListener(ctx context.Context, userID string, stationID int64) (*Listener, error)
	CreateListener(ctx context.Context, l *Listener) error
	ListListeners(ctx context.Context, stationID int64) ([]ListenerInfo, error)
	ListPendingListeners(ctx context.Context, stationID int64) ([]PendingListener, error)
	CreatePendingListener(ctx context.Context, stationID int64, email string) error

	GetPlaybackState(ctx context.Context, stationID int64) (*PlaybackState, error)
	// SavePlaybackState creates the station's state if none exists, or
	// replaces it if expectedEtag matches the stored etag within
	// tolerance. On success st.Etag holds the new etag. Returns the
	// previous snapshot when one existed, or ErrStaleState on mismatch.
	SavePlaybackState(ctx context.Context, st *PlaybackState, expectedEtag time.Time) (*PlaybackState, error)
	// PausePlaybackState forces the station's state to paused. Returns
	// the updated state and whether anything changed.
	PausePlaybackState(ctx context.Context, stationID int64) (*PlaybackState, bool, error)

	spotify.CredentialStore
}

// DB is the subset of pgxpool.Pool methods the repository uses, so tests
// can inject a mock.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := r.db.QueryRow(ctx, `
		SELECT id, username, email
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresRepository) GetStation(ctx context.Context, id int64) (*Station, error) {
	var s Station
	err := r.db.QueryRow(ctx, `
		SELECT id, title
		FROM stations
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) GetListener(ctx context.Context, userID string, stationID int64) (*Listener, error) {
	var l Listener
	err := r.db.QueryRow(ctx, `
		SELECT user_id, station_id, is_admin, is_dj
		FROM listeners
		WHERE user_id = $1 AND station_id = $2
	`, userID, stationID).Scan(&l.UserID, &l.StationID, &l.IsAdmin, &l.IsDJ)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *PostgresRepository) CreateListener(ctx context.Context, l *Listener) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO listeners (user_id, station_id, is_admin, is_dj)
		VALUES ($1, $2, $3, $4)
	`, l.UserID, l.StationID, l.IsAdmin, l.IsDJ)
	if isUniqueViolation(err) {
		return ErrDuplicateListener
	}
	return err
}

func (r *PostgresRepository) ListListeners(ctx context.Context, stationID int64) ([]ListenerInfo, error) {
	rows, err := r.db.Query(ctx, `
		SELECT u.id, u.username, u.email
		FROM listeners l
		JOIN users u ON u.id = l.user_id
		WHERE l.station_id = $1
		ORDER BY u.username
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ListenerInfo{}
	for rows.Next() {
		var info ListenerInfo
		if err := rows.Scan(&info.ID, &info.Username, &info.Email); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListPendingListeners(ctx context.Context, stationID int64) ([]PendingListener, error) {
	rows, err := r.db.Query(ctx, `
		SELECT station_id, email, invited_at
		FROM pending_listeners
		WHERE station_id = $1
		ORDER BY invited_at
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []PendingListener{}
	for rows.Next() {
		var p PendingListener
		if err := rows.Scan(&p.StationID, &p.Email, &p.InvitedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreatePendingListener(ctx context.Context, stationID int64, email string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO pending_listeners (station_id, email)
		VALUES ($1, $2)
		ON CONFLICT (station_id, email) DO NOTHING
	`, stationID, email)
	return err
}

func (r *PostgresRepository) GetPlaybackState(ctx context.Context, stationID int64) (*PlaybackState, error) {
	row := r.db.QueryRow(ctx, `
		SELECT station_id, context_uri, current_track_uri, paused,
		       raw_position_ms, sample_time, last_updated_time
		FROM playback_states
		WHERE station_id = $1
	`, stationID)
	return scanPlaybackState(row)
}

func (r *PostgresRepository) SavePlaybackState(ctx context.Context, st *PlaybackState, expectedEtag time.Time) (*PlaybackState, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the row so the etag compare and the write are one atomic
	// read-modify-write.
	prev, err := scanPlaybackState(tx.QueryRow(ctx, `
		SELECT station_id, context_uri, current_track_uri, paused,
		       raw_position_ms, sample_time, last_updated_time
		FROM playback_states
		WHERE station_id = $1
		FOR UPDATE
	`, st.StationID))

	switch {
	case errors.Is(err, ErrNotFound):
		// First ever state for this station; create unconditionally.
		err = tx.QueryRow(ctx, `
			INSERT INTO playback_states
			  (station_id, context_uri, current_track_uri, paused,
			   raw_position_ms, sample_time, last_updated_time)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			RETURNING last_updated_time
		`, st.StationID, st.ContextURI, st.CurrentTrackURI, st.Paused,
			st.RawPositionMs, st.SampleTime).Scan(&st.Etag)
		if err != nil {
			return nil, err
		}
		prev = nil

	case err != nil:
		return nil, err

	default:
		if !EtagEqual(expectedEtag, prev.Etag) {
			return nil, ErrStaleState
		}
		err = tx.QueryRow(ctx, `
			UPDATE playback_states
			SET context_uri = $2, current_track_uri = $3, paused = $4,
			    raw_position_ms = $5, sample_time = $6, last_updated_time = now()
			WHERE station_id = $1
			RETURNING last_updated_time
		`, st.StationID, st.ContextURI, st.CurrentTrackURI, st.Paused,
			st.RawPositionMs, st.SampleTime).Scan(&st.Etag)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return prev, nil
}

func (r *PostgresRepository) PausePlaybackState(ctx context.Context, stationID int64) (*PlaybackState, bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	st, err := scanPlaybackState(tx.QueryRow(ctx, `
		SELECT station_id, context_uri, current_track_uri, paused,
		       raw_position_ms, sample_time, last_updated_time
		FROM playback_states
		WHERE station_id = $1
		FOR UPDATE
	`, stationID))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if st.Paused {
		return st, false, nil
	}

	st.Paused = true
	err = tx.QueryRow(ctx, `
		UPDATE playback_states
		SET paused = TRUE, last_updated_time = now()
		WHERE station_id = $1
		RETURNING last_updated_time
	`, stationID).Scan(&st.Etag)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func (r *PostgresRepository) GetCredentials(ctx context.Context, userID string) (*spotify.Credentials, error) {
	var c spotify.Credentials
	err := r.db.QueryRow(ctx, `
		SELECT user_id, refresh_token, access_token, access_token_expiration_time
		FROM spotify_credentials
		WHERE user_id = $1
	`, userID).Scan(&c.UserID, &c.RefreshToken, &c.AccessToken, &c.AccessTokenExpirationTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) SaveCredentials(ctx context.Context, creds *spotify.Credentials) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO spotify_credentials
		  (user_id, refresh_token, access_token, access_token_expiration_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET refresh_token = EXCLUDED.refresh_token,
		    access_token = EXCLUDED.access_token,
		    access_token_expiration_time = EXCLUDED.access_token_expiration_time
	`, creds.UserID, creds.RefreshToken, creds.AccessToken, creds.AccessTokenExpirationTime)
	return err
}

func scanPlaybackState(row pgx.Row) (*PlaybackState, error) {
	var st PlaybackState
	err := row.Scan(&st.StationID, &st.ContextURI, &st.CurrentTrackURI, &st.Paused,
		&st.RawPositionMs, &st.SampleTime, &st.Etag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan playback state: %w", err)
	}
	return &st, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
