package api

import (
	"context"
	"sync"
	"time"
)

// UploadLimiter caps the number of uploads a single user may have in flight.
// Uploads over the cap queue until a slot frees up or the wait times out.
type UploadLimiter struct {
	mu          sync.Mutex
	maxInFlight int
	maxWait     time.Duration
	users       map[string]*userSlots
}

type userSlots struct {
	sem  chan struct{}
	refs int
}

// NewUploadLimiter creates a limiter allowing maxInFlight concurrent uploads
// per user. A value <= 0 disables the limit. maxWait bounds how long an
// upload queues for a slot; 0 waits until the request is cancelled.
func NewUploadLimiter(maxInFlight int, maxWait time.Duration) *UploadLimiter {
	return &UploadLimiter{
		maxInFlight: maxInFlight,
		maxWait:     maxWait,
		users:       make(map[string]*userSlots),
	}
}

// Acquire reserves a slot for userID, waiting for one if the user is at the
// cap. The returned release func must be called once when err is nil.
func (l *UploadLimiter) Acquire(ctx context.Context, userID string) (release func(), err error) {
	if l == nil || l.maxInFlight <= 0 {
		return func() {}, nil
	}

	l.mu.Lock()
	s, ok := l.users[userID]
	if !ok {
		s = &userSlots{sem: make(chan struct{}, l.maxInFlight)}
		l.users[userID] = s
	}
	s.refs++
	l.mu.Unlock()

	if l.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			l.unref(userID, s)
		})
	}, nil
}

func (l *UploadLimiter) unref(userID string, s *userSlots) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs <= 0 {
		delete(l.users, userID)
	}
}

// InFlight returns the number of uploads in progress for userID.
func (l *UploadLimiter) InFlight(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.users[userID]; ok {
		return len(s.sem)
	}
	return 0
}

// MaxInFlight returns the configured per-user maximum.
func (l *UploadLimiter) MaxInFlight() int {
	return l.maxInFlight
}
