package radio

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rgardner/dancingtogether/internal/spotify"
)

// MockDB implements the DB interface for repository tests.
type MockDB struct {
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTxFunc  func(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func (m *MockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *MockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, sql, args...)
	}
	return nil, nil
}

func (m *MockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.QueryRowFunc != nil {
		return m.QueryRowFunc(ctx, sql, args...)
	}
	return &MockRow{}
}

func (m *MockDB) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if m.BeginTxFunc != nil {
		return m.BeginTxFunc(ctx, txOptions)
	}
	return &MockTx{}, nil
}

// MockRow implements pgx.Row.
type MockRow struct {
	ScanFunc func(dest ...any) error
}

func (m *MockRow) Scan(dest ...any) error {
	if m.ScanFunc != nil {
		return m.ScanFunc(dest...)
	}
	return nil
}

// MockTx implements pgx.Tx. Methods without a configured func fall back
// to no-ops; anything unimplemented panics via the embedded interface.
type MockTx struct {
	pgx.Tx

	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (m *MockTx) Commit(ctx context.Context) error {
	if m.CommitFunc != nil {
		return m.CommitFunc(ctx)
	}
	return nil
}

func (m *MockTx) Rollback(ctx context.Context) error {
	if m.RollbackFunc != nil {
		return m.RollbackFunc(ctx)
	}
	return nil
}

func (m *MockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *MockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.QueryRowFunc != nil {
		return m.QueryRowFunc(ctx, sql, args...)
	}
	return &MockRow{}
}

// scanInto loads a playback state into Scan destinations in column
// order, for MockRow handlers.
func scanInto(st PlaybackState) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*int64) = st.StationID
		*dest[1].(*string) = st.ContextURI
		*dest[2].(*string) = st.CurrentTrackURI
		*dest[3].(*bool) = st.Paused
		*dest[4].(*int64) = st.RawPositionMs
		*dest[5].(*time.Time) = st.SampleTime
		*dest[6].(*time.Time) = st.Etag
		return nil
	}
}

// memoryRepository is an in-memory Repository for session and server
// tests.
type memoryRepository struct {
	mu       sync.Mutex
	users    map[string]User
	stations map[int64]Station
	// keyed by user id then station id
	listeners map[string]map[int64]Listener
	pending   map[int64][]PendingListener
	playback  map[int64]PlaybackState
	creds     map[string]spotify.Credentials
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		users:     make(map[string]User),
		stations:  make(map[int64]Station),
		listeners: make(map[string]map[int64]Listener),
		pending:   make(map[int64][]PendingListener),
		playback:  make(map[int64]PlaybackState),
		creds:     make(map[string]spotify.Credentials),
	}
}

func (r *memoryRepository) addUser(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

func (r *memoryRepository) addStation(s Station) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stations[s.ID] = s
}

func (r *memoryRepository) addListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners[l.UserID] == nil {
		r.listeners[l.UserID] = make(map[int64]Listener)
	}
	r.listeners[l.UserID][l.StationID] = l
}

func (r *memoryRepository) setPlayback(st PlaybackState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[st.StationID] = st
}

func (r *memoryRepository) getPlayback(stationID int64) (PlaybackState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.playback[stationID]
	return st, ok
}

func (r *memoryRepository) GetUser(ctx context.Context, id string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *memoryRepository) GetStation(ctx context.Context, id int64) (*Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memoryRepository) GetListener(ctx context.Context, userID string, stationID int64) (*Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[userID][stationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (r *memoryRepository) CreateListener(ctx context.Context, l *Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[l.UserID][l.StationID]; ok {
		return ErrDuplicateListener
	}
	if r.listeners[l.UserID] == nil {
		r.listeners[l.UserID] = make(map[int64]Listener)
	}
	r.listeners[l.UserID][l.StationID] = *l
	return nil
}

func (r *memoryRepository) ListListeners(ctx context.Context, stationID int64) ([]ListenerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []ListenerInfo{}
	for userID, byStation := range r.listeners {
		if _, ok := byStation[stationID]; ok {
			u := r.users[userID]
			out = append(out, ListenerInfo{ID: u.ID, Username: u.Username, Email: u.Email})
		}
	}
	return out, nil
}

func (r *memoryRepository) ListPendingListeners(ctx context.Context, stationID int64) ([]PendingListener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PendingListener{}, r.pending[stationID]...), nil
}

func (r *memoryRepository) CreatePendingListener(ctx context.Context, stationID int64, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending[stationID] {
		if p.Email == email {
			return nil
		}
	}
	r.pending[stationID] = append(r.pending[stationID], PendingListener{
		StationID: stationID,
		Email:     email,
		InvitedAt: time.Now(),
	})
	return nil
}

func (r *memoryRepository) GetPlaybackState(ctx context.Context, stationID int64) (*PlaybackState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.playback[stationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (r *memoryRepository) SavePlaybackState(ctx context.Context, st *PlaybackState, expectedEtag time.Time) (*PlaybackState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.playback[st.StationID]
	if ok && !EtagEqual(expectedEtag, prev.Etag) {
		return nil, ErrStaleState
	}
	st.Etag = time.Now()
	r.playback[st.StationID] = *st
	if !ok {
		return nil, nil
	}
	return &prev, nil
}

func (r *memoryRepository) PausePlaybackState(ctx context.Context, stationID int64) (*PlaybackState, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.playback[stationID]
	if !ok {
		return nil, false, nil
	}
	if st.Paused {
		return &st, false, nil
	}
	st.Paused = true
	st.Etag = time.Now()
	r.playback[stationID] = st
	return &st, true, nil
}

func (r *memoryRepository) GetCredentials(ctx context.Context, userID string) (*spotify.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *memoryRepository) SaveCredentials(ctx context.Context, creds *spotify.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[creds.UserID] = *creds
	return nil
}

// fakeDriver records playback-control calls.
type driverCall struct {
	UserID     string
	DeviceID   string
	ContextURI string
	TrackURI   string
}

type fakeDriver struct {
	mu    sync.Mutex
	calls []driverCall
	// errs are returned in order for successive calls, then nil.
	errs []error
}

func (d *fakeDriver) StartResumePlayback(ctx context.Context, userID, deviceID, contextURI, trackURI string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, driverCall{userID, deviceID, contextURI, trackURI})
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return err
	}
	return nil
}

func (d *fakeDriver) failWith(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = errs
}

func (d *fakeDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDriver) lastCall() (driverCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return driverCall{}, false
	}
	return d.calls[len(d.calls)-1], true
}

// fakeTokenManager hands out canned tokens.
type fakeTokenManager struct {
	mu       sync.Mutex
	token    string
	err      error
	refreshs int
}

func (m *fakeTokenManager) RefreshAccessToken(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshs++
	if m.err != nil {
		return "", m.err
	}
	return m.token, nil
}

func (m *fakeTokenManager) refreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshs
}
