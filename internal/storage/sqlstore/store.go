// Package sqlstore persists the ledger, tool catalog and pricing settings in
// SQLite through gorm. Account writes use a version column as an optimistic
// lock so that several processes can share one database file.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/davidbz/creditgate/internal/domain"
)

const (
	exchangeRateRowID = 1
	busyTimeoutMillis = 5000
)

// Store implements the domain stores on a gorm database.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the SQLite database at path. ":memory:" opens a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// SQLite allows a single writer; one connection keeps in-process writers queued
	// instead of failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis)); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(
		&AccountRecord{},
		&EntryRecord{},
		&ToolRecord{},
		&ExchangeRateRecord{},
		&CreditUnitRecord{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateAccount inserts the account row and its opening entries in one transaction.
func (s *Store) CreateAccount(ctx context.Context, account domain.Account, opening ...domain.LedgerEntry) error {
	if err := domain.ValidateOpening(account, opening); err != nil {
		return err
	}

	rec := AccountRecord{
		ID:        account.ID,
		Balance:   account.Balance,
		Unlimited: account.Unlimited,
		Version:   account.Version,
		CreatedAt: account.CreatedAt,
		UpdatedAt: account.UpdatedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		err := db.Create(&rec).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", domain.ErrAccountExists, account.ID)
		}
		if err != nil {
			return fmt.Errorf("create account: %w", err)
		}

		for _, entry := range opening {
			row := entryRecord(entry)
			if err := db.Create(&row).Error; err != nil {
				return fmt.Errorf("insert opening entry: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	rec, err := loadAccount(s.db.WithContext(ctx), accountID)
	if err != nil {
		return domain.Account{}, err
	}
	return rec.toDomain(), nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (domain.LedgerEntry, error) {
	var rec EntryRecord
	err := s.db.WithContext(ctx).Where("id = ?", entryID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, entryID)
	}
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("load entry: %w", err)
	}
	return rec.toDomain(), nil
}

// ListEntries returns up to limit entries of an account, newest first.
func (s *Store) ListEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	query := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recs []EntryRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	out := make([]domain.LedgerEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// WithAccount runs fn inside a database transaction. The account row is
// written with a compare-and-set on its version; losing that race, or a
// duplicate idempotency key or refund reference, returns
// domain.ErrTransactionConflict and rolls everything back.
func (s *Store) WithAccount(ctx context.Context, accountID string, fn func(tx domain.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		rec, err := loadAccount(db, accountID)
		if err != nil {
			return err
		}

		tx := &ledgerTx{db: db, account: rec.toDomain()}
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.staged) == 0 {
			return nil
		}

		res := db.Model(&AccountRecord{}).
			Where("id = ? AND version = ?", accountID, rec.Version).
			Updates(map[string]interface{}{
				"balance":    tx.account.Balance,
				"version":    rec.Version + 1,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("update account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrTransactionConflict
		}

		for _, entry := range tx.staged {
			row := entryRecord(entry)
			err := db.Create(&row).Error
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: duplicate entry key", domain.ErrTransactionConflict)
			}
			if err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
		}

		return nil
	})
}

type ledgerTx struct {
	db      *gorm.DB
	account domain.Account
	staged  []domain.LedgerEntry
}

func (t *ledgerTx) Account() domain.Account {
	return t.account
}

func (t *ledgerTx) EntryByIdempotencyKey(_ context.Context, key string) (*domain.LedgerEntry, error) {
	for i := range t.staged {
		if t.staged[i].IdempotencyKey == key {
			entry := t.staged[i]
			return &entry, nil
		}
	}
	return t.findOne("account_id = ? AND idempotency_key = ?", t.account.ID, key)
}

func (t *ledgerTx) Entry(_ context.Context, entryID string) (domain.LedgerEntry, error) {
	for _, entry := range t.staged {
		if entry.ID == entryID {
			return entry, nil
		}
	}

	found, err := t.findOne("account_id = ? AND id = ?", t.account.ID, entryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if found == nil {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, entryID)
	}
	return *found, nil
}

func (t *ledgerTx) RefundOf(_ context.Context, entryID string) (*domain.LedgerEntry, error) {
	for i := range t.staged {
		if t.staged[i].RefundOf == entryID {
			entry := t.staged[i]
			return &entry, nil
		}
	}
	return t.findOne("refund_of = ?", entryID)
}

func (t *ledgerTx) Post(newBalance decimal.Decimal, entry domain.LedgerEntry) error {
	if entry.ID == "" || entry.AccountID != t.account.ID {
		return fmt.Errorf("%w: entry does not belong to account %s", domain.ErrValidation, t.account.ID)
	}
	if newBalance.IsNegative() {
		return fmt.Errorf("%w: balance would become negative", domain.ErrInsufficientFunds)
	}
	if !t.account.Balance.Add(entry.Amount).Equal(newBalance) {
		return fmt.Errorf("%w: balance %s does not match entry amount %s", domain.ErrValidation, newBalance, entry.Amount)
	}

	t.staged = append(t.staged, entry)
	t.account.Balance = newBalance
	return nil
}

func (t *ledgerTx) findOne(query string, args ...interface{}) (*domain.LedgerEntry, error) {
	var recs []EntryRecord
	if err := t.db.Where(query, args...).Limit(1).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	entry := recs[0].toDomain()
	return &entry, nil
}

func (s *Store) GetTool(ctx context.Context, toolID string) (domain.ToolCost, error) {
	var rec ToolRecord
	err := s.db.WithContext(ctx).Where("tool_id = ?", toolID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ToolCost{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, toolID)
	}
	if err != nil {
		return domain.ToolCost{}, fmt.Errorf("load tool: %w", err)
	}
	return rec.toDomain(), nil
}

func (s *Store) ListTools(ctx context.Context) ([]domain.ToolCost, error) {
	var recs []ToolRecord
	if err := s.db.WithContext(ctx).Order("tool_id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]domain.ToolCost, 0, len(recs))
	for _, rec := range recs {
		tools = append(tools, rec.toDomain())
	}
	return tools, nil
}

// PutTool upserts a tool row.
func (s *Store) PutTool(ctx context.Context, tool domain.ToolCost) error {
	if tool.ToolID == "" {
		return fmt.Errorf("%w: tool id cannot be empty", domain.ErrValidation)
	}

	rec := toolRecord(tool)
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save tool: %w", err)
	}
	return nil
}

func (s *Store) LoadExchangeRate(ctx context.Context) (*domain.ExchangeRate, error) {
	var recs []ExchangeRateRecord
	if err := s.db.WithContext(ctx).Where("id = ?", exchangeRateRowID).Limit(1).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load exchange rate: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	rec := recs[0]
	return &domain.ExchangeRate{
		Rate:       rec.Rate,
		Source:     rec.Source,
		FetchedAt:  rec.FetchedAt,
		Overridden: rec.Overridden,
	}, nil
}

func (s *Store) SaveExchangeRate(ctx context.Context, rate domain.ExchangeRate) error {
	rec := ExchangeRateRecord{
		ID:         exchangeRateRowID,
		Rate:       rate.Rate,
		Source:     rate.Source,
		FetchedAt:  rate.FetchedAt,
		Overridden: rate.Overridden,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save exchange rate: %w", err)
	}
	return nil
}

func (s *Store) CreditUnitHistory(ctx context.Context) ([]domain.CreditUnitValue, error) {
	var recs []CreditUnitRecord
	if err := s.db.WithContext(ctx).Order("version").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load credit unit history: %w", err)
	}

	out := make([]domain.CreditUnitValue, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.CreditUnitValue{
			Value:       rec.Value,
			Version:     rec.Version,
			EffectiveAt: rec.EffectiveAt,
		})
	}
	return out, nil
}

// AppendCreditUnit inserts a new version; versions are never overwritten.
func (s *Store) AppendCreditUnit(ctx context.Context, value domain.CreditUnitValue) error {
	rec := CreditUnitRecord{
		Version:     value.Version,
		Value:       value.Value,
		EffectiveAt: value.EffectiveAt,
	}
	err := s.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: credit unit version %d already exists", domain.ErrTransactionConflict, value.Version)
	}
	if err != nil {
		return fmt.Errorf("save credit unit value: %w", err)
	}
	return nil
}

func loadAccount(db *gorm.DB, accountID string) (AccountRecord, error) {
	var rec AccountRecord
	err := db.Where("id = ?", accountID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AccountRecord{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return AccountRecord{}, fmt.Errorf("load account: %w", err)
	}
	return rec, nil
}
