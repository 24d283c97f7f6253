package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunalverma25/chatmeter/internal/cache"
	"github.com/kunalverma25/chatmeter/internal/logging"
	"github.com/kunalverma25/chatmeter/internal/store"
	"github.com/kunalverma25/chatmeter/pkg/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	logger, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), models.Settings{DefaultQuota: 200}, logger)
	require.NoError(t, err)

	return New(st, nil, nil, logger)
}

func createUser(t *testing.T, l *Ledger, email string) models.User {
	t.Helper()
	u, err := l.CreateUser(context.Background(), email, "$2a$04$hash", "")
	require.NoError(t, err)
	return u
}

func TestCreateUserSeededFromDefault(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := createUser(t, l, "alice@example.com")
	assert.Equal(t, 200, u.MessageQuota)
	assert.NotEmpty(t, u.ID)

	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, q)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	createUser(t, l, "alice@example.com")
	_, err := l.CreateUser(ctx, "alice@example.com", "$2a$04$hash", "")
	assert.ErrorIs(t, err, ErrEmailExists)
}

func TestConsumeDecrementsUntilZero(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := createUser(t, l, "alice@example.com")
	_, err := l.AdminUpdateUser(ctx, u.ID, AdminUserUpdate{MessageQuota: intPtr(2)})
	require.NoError(t, err)

	res, err := l.Consume(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, 1, res.Remaining)

	res, err = l.Consume(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, 0, res.Remaining)

	// At zero: rejected without mutation, not an error
	res, err = l.Consume(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, res.Charged)
	assert.Equal(t, 0, res.Remaining)

	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, q)
}

func TestRefundIsUnconditional(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := createUser(t, l, "alice@example.com")

	// A refund without a prior consume still increments: the asymmetry is
	// part of the contract, not a bug
	res, err := l.Refund(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 201, res.Remaining)
}

func TestRefundRecovery(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := createUser(t, l, "alice@example.com")
	_, err := l.AdminUpdateUser(ctx, u.ID, AdminUserUpdate{MessageQuota: intPtr(5)})
	require.NoError(t, err)

	res, err := l.Consume(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Remaining)

	// The chargeable work failed; the client refunds its unit
	res, err = l.Refund(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Remaining)
}

func TestExhaustionScenario(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := createUser(t, l, "alice@example.com")

	for i := 0; i < 200; i++ {
		res, err := l.Consume(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, res.Charged, "consume %d should charge", i+1)
	}

	res, err := l.Consume(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, res.Charged)
	assert.Equal(t, 0, res.Remaining)

	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, q)
}

func TestConcurrentConsumeChargesExactly(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const quota = 50
	const attempts = 120

	u := createUser(t, l, "alice@example.com")
	_, err := l.AdminUpdateUser(ctx, u.ID, AdminUserUpdate{MessageQuota: intPtr(quota)})
	require.NoError(t, err)

	var charged int64
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			res, err := l.Consume(ctx, u.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Charged {
				atomic.AddInt64(&charged, 1)
			}
			if res.Remaining < 0 {
				t.Errorf("observed negative remaining quota %d", res.Remaining)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, quota, charged, "exactly min(N,k) consumes must charge")

	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, q)
}

func TestConcurrentConsumeRefundNeverLosesUpdate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const initial = 5
	const rounds = 60

	u := createUser(t, l, "alice@example.com")
	_, err := l.AdminUpdateUser(ctx, u.ID, AdminUserUpdate{MessageQuota: intPtr(initial)})
	require.NoError(t, err)

	var charged int64
	var wg sync.WaitGroup
	wg.Add(rounds * 2)
	for i := 0; i < rounds; i++ {
		go func() {
			defer wg.Done()
			res, err := l.Consume(ctx, u.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Charged {
				atomic.AddInt64(&charged, 1)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := l.Refund(ctx, u.ID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	// Accounting identity: no consume or refund was lost
	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, initial+rounds-int(charged), q)
	assert.GreaterOrEqual(t, q, 0)
}

func TestConcurrentUsersDoNotInterfere(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	a := createUser(t, l, "a@example.com")
	b := createUser(t, l, "b@example.com")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			if _, err := l.Consume(ctx, a.ID); err != nil {
				t.Error(err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := l.Refund(ctx, b.ID); err != nil {
				t.Error(err)
			}
		}
	}()
	wg.Wait()

	qa, err := l.GetQuota(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 170, qa)

	qb, err := l.GetQuota(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 210, qb)
}

func TestDefaultQuotaChangeIsNotRetroactive(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	before := createUser(t, l, "before@example.com")
	require.NoError(t, l.SetDefaultQuota(ctx, 50))
	after := createUser(t, l, "after@example.com")

	assert.Equal(t, 200, before.MessageQuota)
	assert.Equal(t, 50, after.MessageQuota)

	q, err := l.GetQuota(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, q)
}

func TestSetDefaultQuotaRejectsNegative(t *testing.T) {
	l := newTestLedger(t)
	assert.ErrorIs(t, l.SetDefaultQuota(context.Background(), -5), ErrNegativeQuota)
}

func TestOperationsOnUnknownUser(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GetQuota(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Consume(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Refund(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.UpdateProfile(ctx, "missing", ProfileUpdate{Name: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, l.DeleteUser(ctx, "missing"), ErrNotFound)

	// A NotFound must not block later operations on real users
	u := createUser(t, l, "alice@example.com")
	res, err := l.Consume(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, res.Charged)
}

func TestAdminUpdateRejectsNegativeQuota(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := createUser(t, l, "alice@example.com")
	_, err := l.AdminUpdateUser(ctx, u.ID, AdminUserUpdate{MessageQuota: intPtr(-1)})
	assert.ErrorIs(t, err, ErrNegativeQuota)

	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, q)
}

func TestUpdateProfile(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := createUser(t, l, "alice@example.com")
	got, err := l.UpdateProfile(ctx, u.ID, ProfileUpdate{Name: strPtr("Alice"), Avatar: strPtr("avatars/a.png")})
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "avatars/a.png", got.Avatar)
	assert.Equal(t, 200, got.MessageQuota, "profile update must not touch quota")

	// Partial update leaves the other field alone
	got, err = l.UpdateProfile(ctx, u.ID, ProfileUpdate{Name: strPtr("Alice B")})
	require.NoError(t, err)
	assert.Equal(t, "Alice B", got.Name)
	assert.Equal(t, "avatars/a.png", got.Avatar)
}

func TestDeleteUserReleasesLockEntry(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := createUser(t, l, "alice@example.com")
	_, err := l.Consume(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, 1, l.lockCount())

	require.NoError(t, l.DeleteUser(ctx, u.ID))
	assert.Equal(t, 0, l.lockCount())

	_, err = l.Consume(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// failingStore wraps a real store and fails PutUser a configured number of
// times, to prove one failed save cannot wedge later operations.
type failingStore struct {
	Store
	failures int32
}

func (f *failingStore) PutUser(u models.User) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("disk full")
	}
	return f.Store.PutUser(u)
}

func TestFailedSaveDoesNotWedgeLedger(t *testing.T) {
	logger, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), models.Settings{DefaultQuota: 10}, logger)
	require.NoError(t, err)

	fs := &failingStore{Store: st, failures: 1}
	l := New(fs, nil, nil, logger)
	ctx := context.Background()

	u, err := l.CreateUser(ctx, "alice@example.com", "$2a$04$hash", "")
	require.NoError(t, err)

	_, err = l.Consume(ctx, u.ID)
	require.Error(t, err, "first consume hits the failing save")

	// Quota unchanged by the failed operation and the ledger still advances
	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, q)

	res, err := l.Consume(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, 9, res.Remaining)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func newCachedLedger(t *testing.T, defaultQuota int) (*Ledger, *store.Store, *cache.Cache) {
	t.Helper()
	logger, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), models.Settings{DefaultQuota: defaultQuota}, logger)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	c, err := cache.New(mr.Host(), mr.Server().Addr().Port, "", 0, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return New(st, c, nil, logger), st, c
}

func TestGetQuotaWithCacheTracksMutations(t *testing.T) {
	l, st, _ := newCachedLedger(t, 200)
	ctx := context.Background()

	u := createUser(t, l, "cached@example.com")

	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, q)

	res, err := l.Consume(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, res.Charged)

	// The cached read agrees with the store after the consume
	q, err = l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 199, q)

	got, err := st.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, got.MessageQuota, q)
}

// gatedCache stalls a single SetQuota so the test can try to slide a
// mutation between a reader's store read and its cache fill
type gatedCache struct {
	inner   QuotaCache
	armed   atomic.Bool
	entered chan struct{}
	resume  chan struct{}
}

func (g *gatedCache) GetQuota(ctx context.Context, userID string) (int, bool, error) {
	return g.inner.GetQuota(ctx, userID)
}

func (g *gatedCache) SetQuota(ctx context.Context, userID string, quota int) error {
	if g.armed.CompareAndSwap(true, false) {
		g.entered <- struct{}{}
		<-g.resume
	}
	return g.inner.SetQuota(ctx, userID, quota)
}

func (g *gatedCache) InvalidateUser(ctx context.Context, userID string) error {
	return g.inner.InvalidateUser(ctx, userID)
}

func TestStalledCacheFillCannotMaskConsume(t *testing.T) {
	logger, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), models.Settings{DefaultQuota: 5}, logger)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	c, err := cache.New(mr.Host(), mr.Server().Addr().Port, "", 0, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	gate := &gatedCache{inner: c, entered: make(chan struct{}), resume: make(chan struct{})}
	l := New(st, gate, nil, logger)
	ctx := context.Background()

	u := createUser(t, l, "stalled@example.com")
	require.NoError(t, c.InvalidateUser(ctx, u.ID))

	// The next cache fill (from the GetQuota miss path) stalls at the gate
	gate.armed.Store(true)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = l.GetQuota(ctx, u.ID)
	}()
	<-gate.entered

	// A consume issued while the fill is stalled must not end up shadowed
	// by the fill's pre-consume balance
	consumeDone := make(chan models.QuotaResult, 1)
	go func() {
		res, cerr := l.Consume(ctx, u.ID)
		assert.NoError(t, cerr)
		consumeDone <- res
	}()
	time.Sleep(50 * time.Millisecond)

	close(gate.resume)
	<-readDone
	res := <-consumeDone
	require.True(t, res.Charged)

	q, err := l.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	got, err := st.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.MessageQuota)
	assert.Equal(t, got.MessageQuota, q)
}
