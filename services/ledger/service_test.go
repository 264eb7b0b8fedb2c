package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"payout-engine/pkg/db/option"
	"payout-engine/pkg/errutil"
	"payout-engine/pkg/repository"
	"payout-engine/services/payout"
	"payout-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	batchUpdateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if m.batchUpdateFn != nil {
		return m.batchUpdateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query, opts...)
	}
	return 0, nil
}

type archiveMock struct {
	keys []string
	err  error
}

func (a *archiveMock) PutJSON(_ context.Context, key string, _ any) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.keys = append(a.keys, key)
	return key, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node}), db
}

// clock returns a now func that advances one second per call.
func clock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestLogEntryBuildsChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.LogEntry(ctx, EntryParams{PayoutID: "p1", UserID: "u1", Rail: payout.RailWallet, Action: ActionJobStarted, Attempt: 1})
	require.NoError(t, err)
	second, err := svc.LogEntry(ctx, EntryParams{PayoutID: "p1", UserID: "u1", Rail: payout.RailWallet, Action: ActionJobCompleted, Amount: 5_000, Currency: "USD"})
	require.NoError(t, err)
	other, err := svc.LogEntry(ctx, EntryParams{PayoutID: "p2", UserID: "u2", Action: ActionJobStarted})
	require.NoError(t, err)

	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, genesisHash, first.PreviousHash)
	require.Equal(t, int64(2), second.Seq)
	require.Equal(t, first.Hash, second.PreviousHash)
	require.Equal(t, int64(1), other.Seq)

	require.Equal(t, ResourceJob, first.Resource)
	require.Equal(t, SeverityInfo, first.Severity)
	require.Equal(t, "system", first.Actor)

	res, err := svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, 2, res.Entries)
}

func TestLogEntryRequiresUserAndAction(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.LogEntry(context.Background(), EntryParams{Action: ActionJobStarted})
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Status())
}

func TestLogEntryDuplicateSource(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	params := EntryParams{UserID: "u1", Action: ActionBalanceCredited, Amount: 600, Currency: "USD", SourceRef: "pay-1"}
	first, err := svc.LogEntry(ctx, params)
	require.NoError(t, err)

	again, err := svc.LogEntry(ctx, params)
	require.ErrorIs(t, err, ErrDuplicateSource)
	require.Equal(t, first.ID, again.ID)

	// the same source under a different action is a separate fact
	_, err = svc.LogEntry(ctx, EntryParams{UserID: "u1", Action: ActionBalanceReleased, SourceRef: "pay-1"})
	require.NoError(t, err)

	var n int64
	require.NoError(t, db.Model(&Entry{}).Count(&n).Error)
	require.Equal(t, int64(2), n)
}

func TestLogEntryWithTrxRollsBack(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.WithTrx(tx).LogEntry(ctx, EntryParams{UserID: "u1", Action: ActionBalanceCredited}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := svc.List(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLogEntryRetriesForkedChain(t *testing.T) {
	db := testutil.NewTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	tails := []*Entry{
		{UserID: "u1", Seq: 4, Hash: "stale"},
		{UserID: "u1", Seq: 5, Hash: "fresh"},
	}
	reads, creates := 0, 0
	svc := &Service{
		db:   db,
		node: node,
		now:  time.Now,
		entries: &repoMock[Entry]{
			findOneFn: func(ctx context.Context, _ *Entry, _ ...option.QueryOption) (*Entry, error) {
				tail := tails[min(reads, len(tails)-1)]
				reads++
				return tail, nil
			},
			createFn: func(ctx context.Context, e *Entry) error {
				creates++
				if creates == 1 {
					return gorm.ErrDuplicatedKey
				}
				return nil
			},
		},
	}

	e, err := svc.LogEntry(context.Background(), EntryParams{UserID: "u1", Action: ActionStatusChanged})
	require.NoError(t, err)
	require.Equal(t, 2, creates)
	require.Equal(t, int64(6), e.Seq)
	require.Equal(t, "fresh", e.PreviousHash)
	require.Equal(t, e.GenerateHash(), e.Hash)
}

func TestCorrectAppendsReference(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	original, err := svc.LogEntry(ctx, EntryParams{PayoutID: "p1", UserID: "u1", Action: ActionJobFailed, ErrorCode: "provider_rejected"})
	require.NoError(t, err)

	fix, err := svc.Correct(ctx, original.ID, "provider confirmed the transfer", "ops@example.com")
	require.NoError(t, err)
	require.Equal(t, ActionCorrection, fix.Action)
	require.Equal(t, original.ID, fix.CorrectsEntryID)
	require.Equal(t, "p1", fix.PayoutID)
	require.Equal(t, "ops@example.com", fix.Actor)

	entries, err := svc.List(ctx, Filter{PayoutID: "p1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, original.Hash, entries[0].Hash)
	require.Equal(t, "provider_rejected", entries[0].ErrorCode)

	_, err = svc.Correct(ctx, "missing", "", "")
	require.True(t, payout.HasCode(err, payout.CodeNotFound))
}

func TestListFilters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = clock(start)

	for _, a := range []Action{ActionJobStarted, ActionJobFailed, ActionJobStarted, ActionJobCompleted} {
		_, err := svc.LogEntry(ctx, EntryParams{PayoutID: "p1", UserID: "u1", Action: a})
		require.NoError(t, err)
	}

	started, err := svc.List(ctx, Filter{PayoutID: "p1", Action: ActionJobStarted})
	require.NoError(t, err)
	require.Len(t, started, 2)

	windowed, err := svc.List(ctx, Filter{UserID: "u1", From: start.Add(2 * time.Second), To: start.Add(4 * time.Second)})
	require.NoError(t, err)
	require.Len(t, windowed, 2)
	require.Equal(t, ActionJobFailed, windowed[0].Action)

	limited, err := svc.List(ctx, Filter{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	warnings, err := svc.List(ctx, Filter{Severity: SeverityWarning})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	first := &Entry{ID: "e1", Seq: 1, UserID: "u1", Action: ActionJobStarted, EventTime: at, PreviousHash: genesisHash}
	first.Hash = first.GenerateHash()
	second := &Entry{ID: "e2", Seq: 2, UserID: "u1", Action: ActionJobCompleted, Amount: 100, EventTime: at.Add(time.Minute), PreviousHash: first.Hash}
	second.Hash = second.GenerateHash()

	svc := &Service{
		entries: &repoMock[Entry]{
			findFn: func(ctx context.Context, _ *Entry, _ ...option.QueryOption) ([]*Entry, error) {
				return []*Entry{first, second}, nil
			},
		},
	}

	res, err := svc.VerifyChain(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, res.Valid)

	second.Amount = 1_000_000
	res, err = svc.VerifyChain(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, "e2", res.BrokenAt)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	first := &Entry{ID: "e1", Seq: 1, UserID: "u1", Action: ActionJobStarted, PreviousHash: "not-genesis"}
	first.Hash = first.GenerateHash()

	svc := &Service{
		entries: &repoMock[Entry]{
			findFn: func(ctx context.Context, _ *Entry, _ ...option.QueryOption) ([]*Entry, error) {
				return []*Entry{first}, nil
			},
		},
	}

	res, err := svc.VerifyChain(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, "e1", res.BrokenAt)
}

func TestReportAggregates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = clock(start)

	log := func(p EntryParams) {
		_, err := svc.LogEntry(ctx, p)
		require.NoError(t, err)
	}
	log(EntryParams{UserID: "u1", PayoutID: "p1", Action: ActionJobCompleted, Amount: 1_000, Currency: "USD"})
	log(EntryParams{UserID: "u1", PayoutID: "p2", Action: ActionJobCompleted, Amount: 2_500, Currency: "USD"})
	log(EntryParams{UserID: "u1", PayoutID: "p3", Action: ActionJobCompleted, Amount: 700, Currency: "EUR"})
	log(EntryParams{UserID: "u2", PayoutID: "p4", Action: ActionJobFailed, ErrorCode: "provider_rejected", Severity: SeverityError})
	log(EntryParams{UserID: "u2", PayoutID: "p5", Action: ActionJobFailed, ErrorCode: "provider_rejected", Severity: SeverityError})
	log(EntryParams{UserID: "u3", Action: ActionBalanceDriftDetected, Amount: 100, Currency: "USD"})

	r, err := svc.Report(ctx, start, start.Add(time.Hour), 2)
	require.NoError(t, err)

	require.Equal(t, int64(6), r.TotalEntries)
	require.Equal(t, int64(3), r.BySeverity[SeverityInfo])
	require.Equal(t, int64(2), r.BySeverity[SeverityError])
	require.Equal(t, int64(1), r.BySeverity[SeverityCritical])
	require.Equal(t, int64(5), r.ByResource[ResourceJob])
	require.Equal(t, int64(1), r.ByResource[ResourceBalance])
	require.Equal(t, int64(3), r.ByAction[ActionJobCompleted])
	require.Equal(t, map[string]int64{"provider_rejected": 2}, r.FailedByErrorCode)
	require.Equal(t, map[string]int64{"USD": 3_500, "EUR": 700}, r.VolumeByCurrency)

	require.Len(t, r.TopUsers, 2)
	require.Equal(t, Count{Key: "u1", Count: 3}, r.TopUsers[0])
	require.Equal(t, Count{Key: "u2", Count: 2}, r.TopUsers[1])

	empty, err := svc.Report(ctx, start.Add(2*time.Hour), start.Add(3*time.Hour), 5)
	require.NoError(t, err)
	require.Zero(t, empty.TotalEntries)
	require.Empty(t, empty.TopUsers)
}

func TestExportReport(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := &Report{ID: "42", GeneratedAt: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}

	key, err := svc.ExportReport(ctx, r)
	require.NoError(t, err)
	require.Empty(t, key)

	archive := &archiveMock{}
	svc.archive = archive
	key, err = svc.ExportReport(ctx, r)
	require.NoError(t, err)
	require.Equal(t, "reports/2025-06-01/42.json", key)
	require.Equal(t, key, r.Archive)

	svc.archive = &archiveMock{err: errors.New("bucket gone")}
	_, err = svc.ExportReport(ctx, r)
	require.Error(t, err)
}
