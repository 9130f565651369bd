package sale

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock backend ---

type memBackend struct {
	mu      sync.Mutex
	nextID  ID
	headers map[ID]*Record
	items   map[ID][]LineItem
	legacy  map[ID][]byte

	insertHeaderErr error
	lineItemErrs    []error // consumed one per InsertLineItems call
	lineItemCalls   int
	markErr         error
	deleteItemsErr  error
	deleteHeaderErr error
}

func newMemBackend() *memBackend {
	return &memBackend{
		headers: map[ID]*Record{},
		items:   map[ID][]LineItem{},
		legacy:  map[ID][]byte{},
	}
}

func (m *memBackend) InsertHeader(_ context.Context, s *Sale) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertHeaderErr != nil {
		return 0, m.insertHeaderErr
	}
	for _, h := range m.headers {
		if s.IdempotencyKey != uuid.Nil && h.IdempotencyKey == s.IdempotencyKey {
			return 0, ErrDuplicateKey
		}
	}
	m.nextID++
	rec := &Record{Sale: *s}
	rec.ID = m.nextID
	rec.Status = StatusPending
	rec.LineItems = nil
	rec.TotalAmount = s.TotalAmount.Round(2)
	rec.PaidAmount = s.PaidAmount.Round(2)
	rec.ChangeAmount = s.ChangeAmount.Round(2)
	m.headers[rec.ID] = rec
	return rec.ID, nil
}

func (m *memBackend) InsertLineItems(_ context.Context, id ID, items []LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineItemCalls++
	if len(m.lineItemErrs) > 0 {
		err := m.lineItemErrs[0]
		m.lineItemErrs = m.lineItemErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := m.headers[id]; !ok {
		return errors.New("foreign key violation")
	}
	m.items[id] = append([]LineItem(nil), items...)
	return nil
}

func (m *memBackend) MarkComplete(_ context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	h, ok := m.headers[id]
	if !ok {
		return ErrNotFound
	}
	h.Status = StatusComplete
	return nil
}

func (m *memBackend) DeleteLineItems(_ context.Context, id ID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteItemsErr != nil {
		return 0, m.deleteItemsErr
	}
	n := int64(len(m.items[id]))
	delete(m.items, id)
	return n, nil
}

func (m *memBackend) DeleteHeader(_ context.Context, id ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteHeaderErr != nil {
		return false, m.deleteHeaderErr
	}
	_, ok := m.headers[id]
	delete(m.headers, id)
	delete(m.legacy, id)
	return ok, nil
}

func (m *memBackend) DeletePending(_ context.Context, id ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteHeaderErr != nil {
		return false, m.deleteHeaderErr
	}
	h, ok := m.headers[id]
	if !ok || h.Status != StatusPending {
		return false, nil
	}
	delete(m.headers, id)
	delete(m.items, id)
	delete(m.legacy, id)
	return true, nil
}

func (m *memBackend) record(id ID) Record {
	rec := *m.headers[id]
	if items, ok := m.items[id]; ok {
		rec.Payload = EncodeLineItems(items)
	} else {
		rec.Payload = m.legacy[id]
	}
	return rec
}

func (m *memBackend) Get(_ context.Context, id ID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.headers[id]; !ok {
		return nil, ErrNotFound
	}
	rec := m.record(id)
	return &rec, nil
}

func (m *memBackend) FindByKey(_ context.Context, key uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.headers {
		if h.IdempotencyKey == key {
			rec := m.record(id)
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memBackend) list(keep func(Record) bool) []Record {
	var out []Record
	for id := range m.headers {
		rec := m.record(id)
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (m *memBackend) ListRange(_ context.Context, start, end time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(r Record) bool {
		return r.Status == StatusComplete && !r.Timestamp.Before(start) && !r.Timestamp.After(end)
	}), nil
}

func (m *memBackend) ListRecent(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.list(func(r Record) bool { return r.Status == StatusComplete })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memBackend) ListPending(_ context.Context, olderThan time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(r Record) bool {
		return r.Status == StatusPending && r.Timestamp.Before(olderThan)
	}), nil
}

func (m *memBackend) CountPending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, h := range m.headers {
		if h.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// --- Helpers ---

var day = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func newSale(at time.Time, items ...LineItem) *Sale {
	total := dec("0")
	for _, li := range items {
		total = total.Add(li.Total())
	}
	paid := total.Add(dec("5"))
	return &Sale{
		Timestamp:      at,
		IdempotencyKey: uuid.New(),
		TotalAmount:    total,
		PaidAmount:     paid,
		ChangeAmount:   paid.Sub(total),
		LineItems:      items,
	}
}

func shirt(qty int) LineItem {
	return LineItem{ArticleID: 1, ArticleName: "T-Shirt", UnitPrice: dec("19.99"), Quantity: qty}
}

func newTestRepo(b Backend) *Repository {
	return NewRepository(b, WithRetry(3, time.Millisecond))
}

// --- Tests ---

func TestRepository_CreateRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	s := newSale(day.Add(10*time.Hour), shirt(2), LineItem{ArticleID: 2, ArticleName: "Cap", UnitPrice: dec("14.50"), Quantity: 1})
	id, err := repo.Create(ctx, s)
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := repo.GetByDateRange(ctx, day, day.Add(24*time.Hour-time.Nanosecond))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, StatusComplete, got[0].Status)
	assert.True(t, s.TotalAmount.Equal(got[0].TotalAmount))
	assert.True(t, s.ChangeAmount.Equal(got[0].ChangeAmount))
	require.Len(t, got[0].LineItems, 2)
	for i := range s.LineItems {
		assert.Equal(t, s.LineItems[i].ArticleName, got[0].LineItems[i].ArticleName)
		assert.Equal(t, s.LineItems[i].Quantity, got[0].LineItems[i].Quantity)
		assert.True(t, s.LineItems[i].UnitPrice.Equal(got[0].LineItems[i].UnitPrice))
	}
}

func TestRepository_CreateRejectsInvalidSale(t *testing.T) {
	b := newMemBackend()
	repo := newTestRepo(b)

	_, err := repo.Create(context.Background(), &Sale{Timestamp: day})
	require.ErrorIs(t, err, ErrNoLineItems)
	assert.Empty(t, b.headers)
}

func TestRepository_CreateRetriesLineItems(t *testing.T) {
	b := newMemBackend()
	b.lineItemErrs = []error{errors.New("timeout"), errors.New("timeout")}
	repo := newTestRepo(b)

	id, err := repo.Create(context.Background(), newSale(day, shirt(1)))
	require.NoError(t, err)
	assert.Equal(t, 3, b.lineItemCalls)
	assert.Equal(t, StatusComplete, b.headers[id].Status)
	assert.Len(t, b.items[id], 1)
}

func TestRepository_CreateRollsBackHeader(t *testing.T) {
	b := newMemBackend()
	cause := errors.New("line items rejected")
	b.lineItemErrs = []error{cause, cause, cause}
	repo := newTestRepo(b)

	_, err := repo.Create(context.Background(), newSale(day, shirt(1)))
	require.Error(t, err)

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsPartial(err))
	assert.Empty(t, b.headers, "orphaned header must be removed")
	assert.Empty(t, b.items)
}

func TestRepository_CreatePartialWhenRollbackFails(t *testing.T) {
	b := newMemBackend()
	cause := errors.New("line items rejected")
	b.lineItemErrs = []error{cause, cause, cause}
	b.deleteHeaderErr = errors.New("connection reset")
	repo := newTestRepo(b)

	_, err := repo.Create(context.Background(), newSale(day, shirt(1)))

	var pe *PartialWriteError
	require.ErrorAs(t, err, &pe)
	assert.True(t, IsPartial(err))
	assert.ErrorIs(t, err, cause)
	require.Len(t, b.headers, 1)
	assert.Equal(t, StatusPending, b.headers[pe.ID].Status)

	// Pending sales are invisible to readers.
	got, err := repo.GetByDateRange(context.Background(), day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepository_CreateHeaderFailure(t *testing.T) {
	b := newMemBackend()
	b.insertHeaderErr = errors.New("database down")
	repo := newTestRepo(b)

	_, err := repo.Create(context.Background(), newSale(day, shirt(1)))
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "insert header", we.Op)
	assert.Zero(t, b.lineItemCalls)
}

func TestRepository_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	s := newSale(day, shirt(2))
	first, err := repo.Create(ctx, s)
	require.NoError(t, err)

	second, err := repo.Create(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, b.headers, 1)
}

func TestRepository_CreateResumesPendingSale(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	s := newSale(day, shirt(2))
	b.lineItemErrs = []error{errors.New("x"), errors.New("x"), errors.New("x")}
	b.deleteItemsErr = errors.New("connection reset")
	_, err := repo.Create(ctx, s)
	require.True(t, IsPartial(err))

	b.deleteItemsErr = nil
	id, err := repo.Create(ctx, s)
	require.NoError(t, err)
	assert.Len(t, b.headers, 1)
	assert.Equal(t, StatusComplete, b.headers[id].Status)
	assert.Len(t, b.items[id], 1)
}

func TestRepository_CreateKeyConflict(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(newMemBackend())

	s := newSale(day, shirt(2))
	_, err := repo.Create(ctx, s)
	require.NoError(t, err)

	other := newSale(day, shirt(3))
	other.IdempotencyKey = s.IdempotencyKey
	_, err = repo.Create(ctx, other)
	assert.ErrorIs(t, err, ErrKeyConflict)
}

func TestRepository_GetByDateRange(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	start := day
	end := day.Add(24*time.Hour - time.Nanosecond)

	for _, at := range []time.Time{
		day.Add(15 * time.Hour),
		day.Add(-time.Nanosecond), // previous day
		start,                      // inclusive start
		end,                        // inclusive end
		day.Add(24 * time.Hour),    // next day
		day.Add(9 * time.Hour),
	} {
		_, err := repo.Create(ctx, newSale(at, shirt(1)))
		require.NoError(t, err)
	}

	got, err := repo.GetByDateRange(ctx, start, end)
	require.NoError(t, err)
	require.Len(t, got, 4)
	want := []time.Time{start, day.Add(9 * time.Hour), day.Add(15 * time.Hour), end}
	for i := range want {
		assert.True(t, want[i].Equal(got[i].Timestamp), "position %d", i)
	}

	_, err = repo.GetByDateRange(ctx, end, start)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestRepository_GetByDateRangeNormalisesPayloads(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	addLegacy := func(at time.Time, payload string) {
		b.nextID++
		b.headers[b.nextID] = &Record{Sale: Sale{
			ID: b.nextID, Timestamp: at, Status: StatusComplete,
			TotalAmount: dec("2.80"), PaidAmount: dec("5"), ChangeAmount: dec("2.20"),
		}}
		if payload != "" {
			b.legacy[b.nextID] = []byte(payload)
		}
	}

	addLegacy(day.Add(1*time.Hour), `[{"artikel_name":"Kaffee","preis":"2.80","menge":1}]`)
	addLegacy(day.Add(2*time.Hour), `"[{\"artikel_name\":\"Kaffee\",\"preis\":\"2.80\"}]"`)
	addLegacy(day.Add(3*time.Hour), `{not json`)
	addLegacy(day.Add(4*time.Hour), `null`)
	addLegacy(day.Add(5*time.Hour), ``)

	got, err := repo.GetByDateRange(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2, "undecodable and empty sales are skipped")
	for _, s := range got {
		require.Len(t, s.LineItems, 1)
		assert.Equal(t, "Kaffee", s.LineItems[0].ArticleName)
		assert.Equal(t, 1, s.LineItems[0].Quantity)
	}
}

func TestRepository_Delete(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	id, err := repo.Create(ctx, newSale(day, shirt(1)))
	require.NoError(t, err)
	keep, err := repo.Create(ctx, newSale(day.Add(time.Minute), shirt(2)))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, id))
	assert.NotContains(t, b.items, id, "no orphaned line items")

	got, err := repo.GetByDateRange(ctx, day, day.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep, got[0].ID)

	assert.ErrorIs(t, repo.Delete(ctx, id), ErrNotFound)
}

func TestRepository_DeleteFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("line items fail", func(t *testing.T) {
		b := newMemBackend()
		repo := newTestRepo(b)
		id, err := repo.Create(ctx, newSale(day, shirt(1)))
		require.NoError(t, err)

		b.deleteItemsErr = errors.New("timeout")
		err = repo.Delete(ctx, id)
		require.Error(t, err)
		assert.False(t, IsPartial(err))
		assert.Contains(t, b.headers, id)
		assert.Contains(t, b.items, id)
	})

	t.Run("header fails after line items", func(t *testing.T) {
		b := newMemBackend()
		repo := newTestRepo(b)
		id, err := repo.Create(ctx, newSale(day, shirt(1)))
		require.NoError(t, err)

		b.deleteHeaderErr = errors.New("timeout")
		err = repo.Delete(ctx, id)

		var pe *PartialDeleteError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, id, pe.ID)
		assert.Equal(t, int64(1), pe.Removed)
		assert.True(t, IsPartial(err))
	})
}

func TestRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(newMemBackend())

	var ids []ID
	for i := 0; i < 4; i++ {
		id, err := repo.Create(ctx, newSale(day.Add(time.Duration(i)*time.Minute), shirt(1)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	got, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[3], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)
}

func TestRepository_Reconcile(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	done, err := repo.Create(ctx, newSale(day, shirt(1)))
	require.NoError(t, err)

	// Two headers left pending by failed rollbacks.
	stale, err := b.InsertHeader(ctx, newSale(day, shirt(1)))
	require.NoError(t, err)
	require.NoError(t, b.InsertLineItems(ctx, stale, []LineItem{shirt(1)}))
	fresh, err := b.InsertHeader(ctx, newSale(day.Add(time.Hour), shirt(1)))
	require.NoError(t, err)

	n, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	removed, err := repo.Reconcile(ctx, day.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NotContains(t, b.headers, stale)
	assert.NotContains(t, b.items, stale)
	assert.Contains(t, b.headers, fresh)
	assert.Contains(t, b.headers, done)
}

// retryDuringReconcile completes a pending sale through a client retry
// right after the reconciler has listed it.
type retryDuringReconcile struct {
	*memBackend
	retry func()
}

func (b *retryDuringReconcile) ListPending(ctx context.Context, olderThan time.Time) ([]Record, error) {
	recs, err := b.memBackend.ListPending(ctx, olderThan)
	if b.retry != nil {
		b.retry()
	}
	return recs, err
}

func TestRepository_ReconcileKeepsSaleCompletedByRetry(t *testing.T) {
	ctx := context.Background()
	mem := newMemBackend()
	b := &retryDuringReconcile{memBackend: mem}
	repo := newTestRepo(b)

	s := newSale(day, shirt(2))
	mem.lineItemErrs = []error{errors.New("x"), errors.New("x"), errors.New("x")}
	mem.deleteItemsErr = errors.New("connection reset")
	_, err := repo.Create(ctx, s)
	require.True(t, IsPartial(err))
	mem.deleteItemsErr = nil

	var retried ID
	b.retry = func() {
		id, err := repo.Create(ctx, s)
		require.NoError(t, err)
		retried = id
	}

	removed, err := repo.Reconcile(ctx, day.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	got, err := repo.Get(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Len(t, got.LineItems, 1)
}

func TestRepository_ReconcileReportsBackendError(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	_, err := b.InsertHeader(ctx, newSale(day, shirt(1)))
	require.NoError(t, err)
	b.deleteHeaderErr = errors.New("connection reset")

	removed, err := repo.Reconcile(ctx, day.Add(time.Hour))
	require.Error(t, err)
	assert.Zero(t, removed)
	assert.Len(t, b.headers, 1)
}

func TestRepository_Get(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	repo := newTestRepo(b)

	id, err := repo.Create(ctx, newSale(day, shirt(2)))
	require.NoError(t, err)

	s, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "39.98", s.TotalAmount.StringFixed(2))

	pending, err := b.InsertHeader(ctx, newSale(day, shirt(1)))
	require.NoError(t, err)
	_, err = repo.Get(ctx, pending)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
