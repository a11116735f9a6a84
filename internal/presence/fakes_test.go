package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/insignia"
)

// ///////////////////////////////////////////////
// Store
// ///////////////////////////////////////////////

type memStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
}

func newMemStore() *memStore {
	return &memStore{values: map[string]json.RawMessage{}}
}

func (s *memStore) Get(key string, dst any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.values[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (s *memStore) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

// ///////////////////////////////////////////////
// Status Client
// ///////////////////////////////////////////////

type fakeStatus struct {
	mu         sync.Mutex
	profile    insignia.Profile
	profileErr error
	// gate, when set, holds FetchLiveProfile until closed.
	gate    chan struct{}
	fetches int

	playTime   insignia.PlayTime
	keepalives int

	loginSession insignia.Session
	loginErr     error
	registered   []string
	loggedOut    []string
}

func (f *fakeStatus) setProfile(p insignia.Profile, err error) {
	f.mu.Lock()
	f.profile, f.profileErr = p, err
	f.mu.Unlock()
}

func (f *fakeStatus) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeStatus) FetchLiveProfile(ctx context.Context, _ string) (insignia.Profile, error) {
	f.mu.Lock()
	f.fetches++
	p, err, gate := f.profile, f.profileErr, f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return insignia.Profile{}, ctx.Err()
		}
	}
	return p, err
}

func (f *fakeStatus) FetchPlayTime(context.Context, string, string) (insignia.PlayTime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playTime, nil
}

func (f *fakeStatus) PingKeepAlive(context.Context, string) {
	f.mu.Lock()
	f.keepalives++
	f.mu.Unlock()
}

func (f *fakeStatus) Register(_ context.Context, key string) (bool, int) {
	f.mu.Lock()
	f.registered = append(f.registered, key)
	f.mu.Unlock()
	return true, 200
}

func (f *fakeStatus) Login(context.Context, string, string) (insignia.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginSession, f.loginErr
}

func (f *fakeStatus) Logout(_ context.Context, key string) {
	f.mu.Lock()
	f.loggedOut = append(f.loggedOut, key)
	f.mu.Unlock()
}

// ///////////////////////////////////////////////
// Discord Session
// ///////////////////////////////////////////////

type fakeSession struct {
	id     *discord.Identity
	events chan discord.Event

	mu         sync.Mutex
	activities []discord.Activity
	clears     int
	closed     bool
}

func newFakeSession(username string) *fakeSession {
	return &fakeSession{
		id:     &discord.Identity{ID: "42", Username: username},
		events: make(chan discord.Event, 4),
	}
}

func (s *fakeSession) Identity() *discord.Identity { return s.id }

func (s *fakeSession) Events() <-chan discord.Event { return s.events }

func (s *fakeSession) SetActivity(a *discord.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return discord.ErrNotConnected
	}
	s.activities = append(s.activities, *a)
	return nil
}

func (s *fakeSession) ClearActivity() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Activities() []discord.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]discord.Activity(nil), s.activities...)
}

func (s *fakeSession) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ///////////////////////////////////////////////
// Dialer
// ///////////////////////////////////////////////

// fakeDialer hands out queued sessions, then fails with fallback.
type fakeDialer struct {
	mu       sync.Mutex
	queue    []*fakeSession
	fallback error
	calls    int
}

func (d *fakeDialer) push(s ...*fakeSession) {
	d.mu.Lock()
	d.queue = append(d.queue, s...)
	d.mu.Unlock()
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Dial(context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.queue) == 0 {
		if d.fallback != nil {
			return nil, d.fallback
		}
		return nil, discord.ErrIPCNotAvailable
	}
	s := d.queue[0]
	d.queue = d.queue[1:]
	return s, nil
}

// ///////////////////////////////////////////////
// Notifier and Clock
// ///////////////////////////////////////////////

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) matching(pred func(Notification) bool) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if pred(n) {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) ofKind(k Kind) []Notification {
	return r.matching(func(n Notification) bool { return n.Kind == k })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var errBoom = errors.New("boom")
