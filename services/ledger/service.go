package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payout-engine/pkg/db"
	"payout-engine/pkg/db/option"
	"payout-engine/pkg/errutil"
	"payout-engine/pkg/logger"
	"payout-engine/pkg/objectstore"
	"payout-engine/pkg/repository"
	"payout-engine/services/payout"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrDuplicateSource is returned with the existing entry when an action was
// already recorded for the same source reference.
var ErrDuplicateSource = errors.New("ledger: entry already recorded for source")

const maxAppendAttempts = 5

// Service is the reconciliation ledger. It only ever inserts.
type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	entries repository.Repository[Entry]
	archive objectstore.Store
	now     func() time.Time
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Archive objectstore.Store `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		entries: repository.ProvideStore[Entry](p.DB),
		archive: p.Archive,
		now:     time.Now,
	}
}

// WithTrx returns a ledger whose appends join tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.entries = s.entries.WithTrx(tx)
	return &cp
}

// LogEntry appends an entry to the user's chain. A concurrent append that
// forks the chain is retried against the new tail.
func (s *Service) LogEntry(ctx context.Context, p EntryParams) (*Entry, error) {
	if p.UserID == "" || p.Action == "" {
		return nil, errutil.BadRequest("ledger entry requires user_id and action", nil)
	}

	entry, err := s.build(p)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.appendTail(ctx, tx, entry)
		})
		if err == nil {
			return entry, nil
		}
		if !db.IsDuplicateKey(err) {
			zap.L().With(logger.TraceFields(ctx)...).Error("failed to append ledger entry",
				zap.String("action", string(p.Action)),
				zap.String("payout_id", p.PayoutID),
				zap.Error(err),
			)
			return nil, err
		}

		if entry.SourceRef != nil {
			existing, ferr := s.FindBySource(ctx, entry.Action, *entry.SourceRef)
			if ferr != nil {
				return nil, ferr
			}
			if existing != nil {
				return existing, ErrDuplicateSource
			}
		}

		if attempt == maxAppendAttempts {
			return nil, fmt.Errorf("ledger chain for user %s kept forking: %w", p.UserID, err)
		}
		zap.L().Debug("ledger chain forked, retrying append",
			zap.String("user_id", p.UserID),
			zap.Int("attempt", attempt),
		)
	}
}

func (s *Service) appendTail(ctx context.Context, tx *gorm.DB, e *Entry) error {
	entries := s.entries.WithTrx(tx)

	tail, err := entries.FindOne(ctx, &Entry{UserID: e.UserID},
		option.OrderBy("seq DESC"),
		option.WithLockingUpdate(),
	)
	if err != nil {
		return err
	}

	e.Seq = 1
	e.PreviousHash = genesisHash
	if tail != nil {
		e.Seq = tail.Seq + 1
		e.PreviousHash = tail.Hash
	}
	e.Hash = e.GenerateHash()

	return entries.Create(ctx, e)
}

func (s *Service) build(p EntryParams) (*Entry, error) {
	request, err := marshalPayload(p.Request)
	if err != nil {
		return nil, fmt.Errorf("encode request snapshot: %w", err)
	}
	response, err := marshalPayload(p.Response)
	if err != nil {
		return nil, fmt.Errorf("encode response snapshot: %w", err)
	}

	e := &Entry{
		ID:                s.node.Generate().String(),
		PayoutID:          p.PayoutID,
		UserID:            p.UserID,
		Rail:              p.Rail,
		Action:            p.Action,
		Resource:          p.Resource,
		Severity:          p.Severity,
		ProviderReference: p.ProviderReference,
		ProviderStatus:    p.ProviderStatus,
		ErrorCode:         p.ErrorCode,
		Attempt:           p.Attempt,
		Amount:            p.Amount,
		Currency:          p.Currency,
		CorrectsEntryID:   p.CorrectsEntryID,
		Request:           request,
		Response:          response,
		Note:              p.Note,
		Actor:             p.Actor,
		// postgres keeps microseconds; hashing must survive the round trip
		EventTime: s.now().UTC().Truncate(time.Microsecond),
	}
	if p.SourceRef != "" {
		ref := p.SourceRef
		e.SourceRef = &ref
	}
	if e.Resource == "" {
		e.Resource = defaultResource(p.Action)
	}
	if e.Severity == "" {
		e.Severity = defaultSeverity(p.Action)
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	return e, nil
}

func marshalPayload(v any) (datatypes.JSON, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case datatypes.JSON:
		return t, nil
	case json.RawMessage:
		return datatypes.JSON(t), nil
	case []byte:
		return datatypes.JSON(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// List returns entries matching f ordered by event time.
func (s *Service) List(ctx context.Context, f Filter) ([]*Entry, error) {
	entries, err := s.entries.Find(ctx, &Entry{
		PayoutID: f.PayoutID,
		UserID:   f.UserID,
		Action:   f.Action,
		Severity: f.Severity,
	},
		option.WithTimeRange("event_time", f.From, f.To),
		option.OrderBy("event_time ASC, seq ASC"),
		option.WithLimit(f.Limit),
	)
	if err != nil {
		zap.L().With(logger.TraceFields(ctx)...).Error("failed to list ledger entries", zap.Error(err))
		return nil, err
	}
	return entries, nil
}

// FindBySource returns the entry recorded for action and sourceRef, or nil.
func (s *Service) FindBySource(ctx context.Context, action Action, sourceRef string) (*Entry, error) {
	return s.entries.FindOne(ctx, &Entry{Action: action, SourceRef: &sourceRef})
}

// Correct appends a correction that references entryID. The original entry
// is left untouched.
func (s *Service) Correct(ctx context.Context, entryID, note, actor string) (*Entry, error) {
	original, err := s.entries.FindOne(ctx, &Entry{ID: entryID})
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, payout.ErrNotFound("ledger entry", entryID)
	}

	return s.LogEntry(ctx, EntryParams{
		PayoutID:        original.PayoutID,
		UserID:          original.UserID,
		Rail:            original.Rail,
		Action:          ActionCorrection,
		Resource:        original.Resource,
		Amount:          original.Amount,
		Currency:        original.Currency,
		CorrectsEntryID: original.ID,
		Note:            note,
		Actor:           actor,
	})
}

// VerifyChain recomputes every hash in the user's chain.
func (s *Service) VerifyChain(ctx context.Context, userID string) (*VerifyResult, error) {
	entries, err := s.entries.Find(ctx, &Entry{UserID: userID}, option.OrderBy("seq ASC"))
	if err != nil {
		zap.L().With(logger.TraceFields(ctx)...).Error("failed to query ledger chain", zap.Error(err))
		return nil, err
	}

	res := &VerifyResult{UserID: userID, Valid: true, Entries: len(entries)}
	lastHash := genesisHash
	for _, e := range entries {
		if e.PreviousHash != lastHash || e.Hash != e.GenerateHash() {
			res.Valid = false
			res.BrokenAt = e.ID
			zap.L().Warn("ledger chain broken",
				zap.String("user_id", userID),
				zap.String("entry_id", e.ID),
				zap.Int64("seq", e.Seq),
			)
			return res, nil
		}
		lastHash = e.Hash
	}
	return res, nil
}
