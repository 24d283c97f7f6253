// Package ledger serializes every read-modify-write of a user's message
// quota. Locking is scoped per user id: operations on the same user are
// strictly ordered by lock acquisition, while operations on different users
// only contend on the store's snapshot write. The per-user guarantee is the
// one callers may rely on; there is no cross-user ordering.
//
// The pre-consume/refund protocol this ledger backs accepts quota loss when
// a client crashes between a successful consume and its matching refund;
// there is no reconciliation step. Refunds are likewise unconditional and
// unbounded: a refund without a prior consume increases the quota by one.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kunalverma25/chatmeter/internal/events"
	"github.com/kunalverma25/chatmeter/internal/logging"
	"github.com/kunalverma25/chatmeter/internal/metrics"
	"github.com/kunalverma25/chatmeter/internal/store"
	"github.com/kunalverma25/chatmeter/pkg/models"
)

// ErrNotFound is returned when an operation targets an unknown user
var ErrNotFound = store.ErrNotFound

// ErrEmailExists is returned when a new user's email is already taken
var ErrEmailExists = store.ErrEmailExists

// Store is the persistence contract the ledger drives. *store.Store
// satisfies it; tests may substitute an in-memory fake.
type Store interface {
	GetUser(id string) (models.User, error)
	GetUserByEmail(email string) (models.User, error)
	ListUsers() []models.User
	CreateUser(u models.User) error
	PutUser(u models.User) error
	DeleteUser(id string) error
	Settings() models.Settings
	SetDefaultQuota(quota int) error
}

// QuotaCache is an optional read cache maintained alongside the store.
// *cache.Cache satisfies it.
type QuotaCache interface {
	GetQuota(ctx context.Context, userID string) (int, bool, error)
	SetQuota(ctx context.Context, userID string, quota int) error
	InvalidateUser(ctx context.Context, userID string) error
}

// EventPublisher is an optional sink for usage events. *events.Publisher
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event string, data interface{}) error
}

// quotaEvent is the payload attached to quota and user lifecycle events
type quotaEvent struct {
	UserID    string `json:"userId"`
	Email     string `json:"email,omitempty"`
	Remaining int    `json:"remaining"`
}

// Ledger enforces atomic, ordered mutation of quota values
type Ledger struct {
	store  Store
	cache  QuotaCache
	events EventPublisher
	logger *logging.Logger

	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

// New creates a ledger over the given store. cache and publisher may be nil
// to disable the corresponding subsystem.
func New(st Store, cache QuotaCache, publisher EventPublisher, logger *logging.Logger) *Ledger {
	return &Ledger{
		store:  st,
		cache:  cache,
		events: publisher,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex for a user id, creating it on first use
func (l *Ledger) userLock(id string) *sync.Mutex {
	l.mu.RLock()
	lock, exists := l.locks[id]
	l.mu.RUnlock()

	if exists {
		return lock
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	lock, exists = l.locks[id]
	if exists {
		return lock
	}

	lock = &sync.Mutex{}
	l.locks[id] = lock

	return lock
}

// releaseLock drops a user's lock entry. Called after a hard delete so the
// map does not grow past the live user set; a racing operation that still
// holds the old mutex simply finds the user gone.
func (l *Ledger) releaseLock(id string) {
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
}

func (l *Ledger) lockCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.locks)
}

// CreateUser registers a new user with the quota seeded from the current
// default. Email uniqueness is enforced by the store under its own lock.
func (l *Ledger) CreateUser(ctx context.Context, email, passwordHash, name string) (models.User, error) {
	now := time.Now().UTC()
	user := models.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: passwordHash,
		Name:         name,
		MessageQuota: l.store.Settings().DefaultQuota,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := l.store.CreateUser(user); err != nil {
		return models.User{}, err
	}

	metrics.UsersCreatedTotal.Inc()
	l.cacheQuota(ctx, user.ID, user.MessageQuota)
	l.publish(ctx, events.EventUserCreated, quotaEvent{
		UserID:    user.ID,
		Email:     user.Email,
		Remaining: user.MessageQuota,
	})

	return user, nil
}

// GetUser returns the user with the given id
func (l *Ledger) GetUser(ctx context.Context, id string) (models.User, error) {
	return l.store.GetUser(id)
}

// GetUserByEmail returns the user with the given email (exact match)
func (l *Ledger) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return l.store.GetUserByEmail(email)
}

// ListUsers returns all users ordered by creation time
func (l *Ledger) ListUsers(ctx context.Context) []models.User {
	return l.store.ListUsers()
}

// GetQuota returns the remaining quota for a user, served from the cache
// when possible. A cache miss is filled under the user's lock: a fill that
// ran unlocked could read the store, lose the CPU to a consume on the same
// user, and then overwrite the consume's cache write with the stale
// pre-consume balance.
func (l *Ledger) GetQuota(ctx context.Context, id string) (int, error) {
	if l.cache != nil {
		if quota, hit, err := l.cache.GetQuota(ctx, id); err == nil && hit {
			return quota, nil
		}
	}

	lock := l.userLock(id)
	lock.Lock()
	defer lock.Unlock()

	user, err := l.store.GetUser(id)
	if err != nil {
		return 0, err
	}

	l.cacheQuota(ctx, id, user.MessageQuota)
	return user.MessageQuota, nil
}

// Consume charges one quota unit if any remain. At zero it reports
// charged=false without mutating anything; the quota can never go negative.
func (l *Ledger) Consume(ctx context.Context, id string) (models.QuotaResult, error) {
	start := time.Now()

	lock := l.userLock(id)
	lock.Lock()
	defer lock.Unlock()

	user, err := l.store.GetUser(id)
	if err != nil {
		return models.QuotaResult{}, err
	}

	if user.MessageQuota <= 0 {
		metrics.RecordConsume(false)
		l.logger.LogLedgerOperation("consume_rejected", id, 0, time.Since(start), nil)
		l.publish(ctx, events.EventQuotaExhausted, quotaEvent{UserID: id, Remaining: 0})
		return models.QuotaResult{Charged: false, Remaining: 0}, nil
	}

	user.MessageQuota--
	if err := l.store.PutUser(user); err != nil {
		l.logger.LogLedgerOperation("consume", id, user.MessageQuota+1, time.Since(start), err)
		return models.QuotaResult{}, err
	}

	metrics.RecordConsume(true)
	l.cacheQuota(ctx, id, user.MessageQuota)
	l.logger.LogLedgerOperation("consume", id, user.MessageQuota, time.Since(start), nil)
	l.publish(ctx, events.EventQuotaConsumed, quotaEvent{UserID: id, Remaining: user.MessageQuota})

	return models.QuotaResult{Charged: true, Remaining: user.MessageQuota}, nil
}

// Refund restores one quota unit unconditionally. Refunds are paired with a
// prior consume by convention only; the ledger does not verify the pairing
// and applies no upper bound.
func (l *Ledger) Refund(ctx context.Context, id string) (models.QuotaResult, error) {
	start := time.Now()

	lock := l.userLock(id)
	lock.Lock()
	defer lock.Unlock()

	user, err := l.store.GetUser(id)
	if err != nil {
		return models.QuotaResult{}, err
	}

	user.MessageQuota++
	if err := l.store.PutUser(user); err != nil {
		l.logger.LogLedgerOperation("refund", id, user.MessageQuota-1, time.Since(start), err)
		return models.QuotaResult{}, err
	}

	metrics.RecordRefund()
	l.cacheQuota(ctx, id, user.MessageQuota)
	l.logger.LogLedgerOperation("refund", id, user.MessageQuota, time.Since(start), nil)
	l.publish(ctx, events.EventQuotaRefunded, quotaEvent{UserID: id, Remaining: user.MessageQuota})

	return models.QuotaResult{Charged: true, Remaining: user.MessageQuota}, nil
}

// ProfileUpdate carries the user-mutable profile fields; nil means leave
// unchanged
type ProfileUpdate struct {
	Name   *string
	Avatar *string
}

// UpdateProfile applies a profile update under the user's lock
func (l *Ledger) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (models.User, error) {
	lock := l.userLock(id)
	lock.Lock()
	defer lock.Unlock()

	user, err := l.store.GetUser(id)
	if err != nil {
		return models.User{}, err
	}

	if upd.Name != nil {
		user.Name = *upd.Name
	}
	if upd.Avatar != nil {
		user.Avatar = *upd.Avatar
	}

	if err := l.store.PutUser(user); err != nil {
		return models.User{}, err
	}

	return l.store.GetUser(id)
}

// AdminUserUpdate carries the fields an administrator may change. A quota
// update goes through the same per-user lock as consume/refund so it cannot
// interleave with an in-flight charge.
type AdminUserUpdate struct {
	Name         *string
	Avatar       *string
	MessageQuota *int
}

// ErrNegativeQuota rejects admin updates that would violate the
// non-negativity invariant
var ErrNegativeQuota = errors.New("message quota must not be negative")

// AdminUpdateUser applies an administrative update under the user's lock
func (l *Ledger) AdminUpdateUser(ctx context.Context, id string, upd AdminUserUpdate) (models.User, error) {
	if upd.MessageQuota != nil && *upd.MessageQuota < 0 {
		return models.User{}, ErrNegativeQuota
	}

	lock := l.userLock(id)
	lock.Lock()
	defer lock.Unlock()

	user, err := l.store.GetUser(id)
	if err != nil {
		return models.User{}, err
	}

	if upd.Name != nil {
		user.Name = *upd.Name
	}
	if upd.Avatar != nil {
		user.Avatar = *upd.Avatar
	}
	if upd.MessageQuota != nil {
		user.MessageQuota = *upd.MessageQuota
	}

	if err := l.store.PutUser(user); err != nil {
		return models.User{}, err
	}

	l.cacheQuota(ctx, id, user.MessageQuota)
	return l.store.GetUser(id)
}

// DeleteUser hard-deletes a user, drops their lock entry and invalidates
// any cached quota
func (l *Ledger) DeleteUser(ctx context.Context, id string) error {
	lock := l.userLock(id)
	lock.Lock()
	err := l.store.DeleteUser(id)
	lock.Unlock()

	if err != nil {
		return err
	}

	l.releaseLock(id)
	metrics.UsersDeletedTotal.Inc()
	if l.cache != nil {
		if cerr := l.cache.InvalidateUser(ctx, id); cerr != nil {
			l.logger.WithError(cerr).WithUserID(id).Warn("failed to invalidate cached quota")
		}
	}
	l.publish(ctx, events.EventUserDeleted, quotaEvent{UserID: id})

	return nil
}

// DefaultQuota returns the quota assigned to newly created users
func (l *Ledger) DefaultQuota(ctx context.Context) int {
	return l.store.Settings().DefaultQuota
}

// SetDefaultQuota changes the quota for future users only
func (l *Ledger) SetDefaultQuota(ctx context.Context, quota int) error {
	if quota < 0 {
		return ErrNegativeQuota
	}
	return l.store.SetDefaultQuota(quota)
}

func (l *Ledger) cacheQuota(ctx context.Context, id string, quota int) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SetQuota(ctx, id, quota); err != nil {
		l.logger.WithError(err).WithUserID(id).Warn("failed to cache quota")
	}
}

func (l *Ledger) publish(ctx context.Context, event string, data interface{}) {
	if l.events == nil {
		return
	}
	if err := l.events.Publish(ctx, event, data); err != nil {
		l.logger.WithError(err).Warnf("failed to publish %s event", event)
	}
}
