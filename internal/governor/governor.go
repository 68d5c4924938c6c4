// Package governor is the ResourceGovernor (C2): the three gating
// primitives that mediate admission into the WorkerPool — a system-wide
// semaphore, lazily instantiated per-user semaphores, and a per-user
// DB-session counter. Callers never block at the HTTP boundary (a failed
// TryAcquire returns a Rejection); the WorkerPool blocks via Acquire
// instead, cooperating with other workers releasing their slots.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/docreview/docreview/internal/docerr"
	"github.com/prometheus/client_golang/prometheus"
)

// RejectReason is one of the three admission-rejection causes the HTTP
// boundary must distinguish.
type RejectReason string

const (
	ReasonSystemSaturated RejectReason = "system_saturated"
	ReasonUserSaturated   RejectReason = "user_saturated"
	ReasonDBSaturated     RejectReason = "db_saturated"
)

// Token is a scoped admission handle. Release decrements the system
// semaphore, the caller's user semaphore, and any DB-session credits
// acquired against it, atomically; it is safe to call Release more than
// once.
type Token struct {
	g        *Governor
	userID   string
	dbSlots  int
	released bool
	mu       sync.Mutex
}

// Release returns this Token's slots, including every DB-session credit
// reserved against it via AcquireDBSlot. Idempotent.
func (t *Token) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	<-t.g.systemSem
	t.g.releaseUserSlot(t.userID)
	if t.dbSlots > 0 {
		t.g.releaseDBSlot(t.userID, t.dbSlots)
	}
	systemInUse.Set(float64(len(t.g.systemSem)))
}

type userState struct {
	sem      chan struct{}
	dbCount  int
	dbCap    int
	lastUsed time.Time
}

// Governor owns the three gating primitives. userStates is lazily
// populated: a user with no in-flight tasks costs nothing.
type Governor struct {
	systemSem chan struct{}

	mu             sync.Mutex
	users          map[string]*userState
	defaultUserCap int
	dbCapPerUser   int
}

// New constructs a Governor with the given system capacity, default
// per-user concurrency cap (used when a caller does not supply one), and
// per-user DB-session limit.
func New(systemMaxConcurrentTasks, defaultUserMaxConcurrentTasks, userDBConnectionLimit int) *Governor {
	return &Governor{
		systemSem:      make(chan struct{}, systemMaxConcurrentTasks),
		users:          make(map[string]*userState),
		defaultUserCap: defaultUserMaxConcurrentTasks,
		dbCapPerUser:   userDBConnectionLimit,
	}
}

func (g *Governor) userStateFor(userID string, userCap int) *userState {
	g.mu.Lock()
	defer g.mu.Unlock()
	us, ok := g.users[userID]
	if !ok {
		if userCap <= 0 {
			userCap = g.defaultUserCap
		}
		us = &userState{sem: make(chan struct{}, userCap), dbCap: g.dbCapPerUser}
		g.users[userID] = us
	}
	us.lastUsed = time.Now()
	return us
}

// TryAcquire is the non-blocking admission path used at the HTTP boundary:
// it returns a Token immediately or a *Rejection naming why, and never
// waits for a slot to free up.
func (g *Governor) TryAcquire(userID string, userCap int) (*Token, error) {
	us := g.userStateFor(userID, userCap)

	select {
	case g.systemSem <- struct{}{}:
	default:
		systemSaturatedTotal.Inc()
		return nil, docerr.New(docerr.KindResourceExhausted, docerr.CodeSystemSaturated, string(ReasonSystemSaturated))
	}

	select {
	case us.sem <- struct{}{}:
	default:
		<-g.systemSem
		userSaturatedTotal.Inc()
		return nil, docerr.New(docerr.KindResourceExhausted, docerr.CodeUserSaturated, string(ReasonUserSaturated))
	}

	systemInUse.Set(float64(len(g.systemSem)))
	return &Token{g: g, userID: userID}, nil
}

// Acquire is the blocking admission path used inside the WorkerPool: it
// waits for a system slot and a user slot to free up, cooperating with
// other workers that Release theirs, or returns ctx.Err() if ctx is
// cancelled first (graceful shutdown).
func (g *Governor) Acquire(ctx context.Context, userID string, userCap int) (*Token, error) {
	us := g.userStateFor(userID, userCap)

	select {
	case g.systemSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case us.sem <- struct{}{}:
	case <-ctx.Done():
		<-g.systemSem
		return nil, ctx.Err()
	}

	systemInUse.Set(float64(len(g.systemSem)))
	return &Token{g: g, userID: userID}, nil
}

func (g *Governor) releaseUserSlot(userID string) {
	g.mu.Lock()
	us, ok := g.users[userID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-us.sem:
	default:
	}
}

// AcquireDBSlot reserves one DB-session credit for t's user on an already
// admitted Token, rejecting with db_saturated when the caller's session
// count is already at user_db_connection_limit. A worker calls this once
// per Store session it borrows while running a task (a task-state session
// and, separately, a batch-commit session — at most two outstanding per
// worker), so a single Token can accumulate more than one credit.
func (g *Governor) AcquireDBSlot(t *Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	us, ok := g.users[t.userID]
	if !ok {
		return docerr.New(docerr.KindFatal, docerr.CodeDBSaturated, "db slot requested without an admitted user state")
	}
	if us.dbCount >= us.dbCap {
		dbSaturatedTotal.Inc()
		return docerr.New(docerr.KindResourceExhausted, docerr.CodeDBSaturated, string(ReasonDBSaturated))
	}
	us.dbCount++
	t.dbSlots++
	return nil
}

func (g *Governor) releaseDBSlot(userID string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if us, ok := g.users[userID]; ok {
		us.dbCount -= n
		if us.dbCount < 0 {
			us.dbCount = 0
		}
	}
}

// EvictIdleUsers drops per-user state for users with no held slots whose
// state has not been touched since maxAge ago, bounding memory growth on a
// long-running process with a high user churn rate.
func (g *Governor) EvictIdleUsers(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	evicted := 0
	for id, us := range g.users {
		if len(us.sem) == 0 && us.dbCount == 0 && us.lastUsed.Before(cutoff) {
			delete(g.users, id)
			evicted++
		}
	}
	return evicted
}

// SystemCapacity reports the system semaphore's total capacity and the
// number of slots currently held, for the /tasks/concurrency-status
// endpoint.
func (g *Governor) SystemCapacity() (capacity, inUse int) {
	return cap(g.systemSem), len(g.systemSem)
}

// UserCapacity reports one user's slot usage, or (0, 0, false) if the user
// has no in-flight tasks (and therefore no allocated state).
func (g *Governor) UserCapacity(userID string) (capacity, inUse int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	us, exists := g.users[userID]
	if !exists {
		return 0, 0, false
	}
	return cap(us.sem), len(us.sem), true
}

var (
	systemInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docreview_governor_system_slots_in_use",
		Help: "Number of system-wide concurrency slots currently held.",
	})
	systemSaturatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docreview_governor_system_saturated_total",
		Help: "Total admission rejections due to the system concurrency cap.",
	})
	userSaturatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docreview_governor_user_saturated_total",
		Help: "Total admission rejections due to a per-user concurrency cap.",
	})
	dbSaturatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docreview_governor_db_saturated_total",
		Help: "Total admission rejections due to a per-user DB-session cap.",
	})
)

func init() {
	prometheus.MustRegister(systemInUse)
	prometheus.MustRegister(systemSaturatedTotal)
	prometheus.MustRegister(userSaturatedTotal)
	prometheus.MustRegister(dbSaturatedTotal)
}
