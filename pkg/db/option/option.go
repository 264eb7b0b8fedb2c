package option

import (
	"fmt"
	"time"

	"payout-engine/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption is a gorm scope applied by repository reads.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
	NIN Operator = "NOT IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds "field op ?" for each condition. Field names are
// supplied by code, never by callers.
func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			switch c.Operator {
			case IN, NIN:
				db = db.Where(fmt.Sprintf("%s %s (?)", c.Field, c.Operator), c.Value)
			default:
				db = db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
			}
		}
		return db
	}
}

// Where passes a raw fragment through. Use only with constant SQL.
func Where(query string, args ...any) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	}
}

// OrderBy appends a fixed ordering clause.
func OrderBy(order string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(order)
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// ApplyPagination is keyset paging over snowflake ids, newest first. One
// extra row is fetched so the caller can tell whether another page exists.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if p.Cursor != "" {
			if cur, err := pagination.DecodeCursor(p.Cursor); err == nil && cur.ID != "" {
				db = db.Where("id < ?", cur.ID)
			}
		}
		return db.Order("id DESC").Limit(p.Size() + 1)
	}
}

// WithTimeRange bounds field to [from, to). Zero times are open ends.
func WithTimeRange(field string, from, to time.Time) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if !from.IsZero() {
			db = db.Where(fmt.Sprintf("%s >= ?", field), from)
		}
		if !to.IsZero() {
			db = db.Where(fmt.Sprintf("%s < ?", field), to)
		}
		return db
	}
}

func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}
