package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/observability"
)

// ToolCatalog resolves the tool being billed.
type ToolCatalog interface {
	Get(ctx context.Context, toolID string) (ToolCost, error)
}

// LedgerConfig tunes conflict handling.
type LedgerConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// ChargeRequest asks the ledger to bill quantity units of a tool.
type ChargeRequest struct {
	AccountID      string
	ToolID         string
	Quantity       int64
	IdempotencyKey string
	Description    string
}

// CreditRequest adds (purchase) or corrects (adjustment) an account balance.
type CreditRequest struct {
	AccountID      string
	Amount         decimal.Decimal
	Type           EntryType
	Description    string
	IdempotencyKey string
}

// OpenAccountRequest creates an account, optionally with an opening balance.
type OpenAccountRequest struct {
	AccountID      string
	InitialBalance decimal.Decimal
	Unlimited      bool
}

// CreditLedger atomically decides and records balance changes.
type CreditLedger struct {
	store    LedgerStore
	tools    ToolCatalog
	settings SettingsProvider
	cfg      LedgerConfig
	now      func() time.Time
	newID    func() string
}

// NewCreditLedger creates a ledger (DI constructor).
func NewCreditLedger(store LedgerStore, tools ToolCatalog, settings SettingsProvider, cfg LedgerConfig) *CreditLedger {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &CreditLedger{
		store:    store,
		tools:    tools,
		settings: settings,
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Charge debits price*quantity of a tool from an account. It returns
// ErrInsufficientFunds without touching the balance when the account cannot
// pay. Accounts with unlimited access are approved with a zero-amount entry.
// A repeated IdempotencyKey returns the original receipt with Replayed set.
func (l *CreditLedger) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if req.AccountID == "" || req.ToolID == "" {
		return Receipt{}, validationf("account id and tool id are required")
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 {
		return Receipt{}, validationf("quantity must be positive")
	}

	tool, err := l.tools.Get(ctx, req.ToolID)
	if err != nil {
		return Receipt{}, err
	}
	if !tool.Active {
		return Receipt{}, fmt.Errorf("%w: %s", ErrToolInactive, req.ToolID)
	}

	settings, err := l.settings.Current(ctx)
	if err != nil {
		return Receipt{}, err
	}

	total := tool.CreditPrice.Mul(decimal.NewFromInt(req.Quantity))
	description := req.Description
	if description == "" {
		description = "Usage: " + tool.Name
	}

	var receipt Receipt
	err = l.withRetry(ctx, req.AccountID, func(tx LedgerTx) error {
		if prior, replayErr := l.replay(ctx, tx, req.IdempotencyKey, EntryUsage); replayErr != nil || prior != nil {
			if prior != nil {
				receipt = *prior
			}
			return replayErr
		}

		account := tx.Account()
		amount := total
		if account.Unlimited {
			amount = decimal.Zero
		}
		if account.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}

		newBalance := account.Balance.Sub(amount)
		entry := LedgerEntry{
			ID:                l.newID(),
			AccountID:         account.ID,
			Amount:            amount.Neg(),
			Type:              EntryUsage,
			ToolID:            tool.ToolID,
			Description:       description,
			IdempotencyKey:    req.IdempotencyKey,
			CreditPrice:       tool.CreditPrice,
			Quantity:          req.Quantity,
			CreditUnitVersion: settings.CreditUnit.Version,
			BalanceAfter:      newBalance,
			CreatedAt:         l.now(),
		}
		if postErr := tx.Post(newBalance, entry); postErr != nil {
			return postErr
		}

		receipt = receiptFor(entry)
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	observability.FromContext(ctx).Info("credits charged",
		observability.String("entry_id", receipt.EntryID),
		observability.Decimal("amount", receipt.Amount),
		observability.Decimal("balance", receipt.NewBalance),
		observability.Bool("replayed", receipt.Replayed))

	return receipt, nil
}

// Refund reverses a usage entry with a positive entry that references it.
// The original entry is never modified.
func (l *CreditLedger) Refund(ctx context.Context, entryID string, reason string) (Receipt, error) {
	if entryID == "" {
		return Receipt{}, validationf("entry id is required")
	}

	original, err := l.store.GetEntry(ctx, entryID)
	if err != nil {
		return Receipt{}, err
	}
	if original.Type != EntryUsage {
		return Receipt{}, validationf("only usage entries can be refunded, got %s", original.Type)
	}
	if reason == "" {
		reason = "Refund of " + entryID
	}

	var receipt Receipt
	err = l.withRetry(ctx, original.AccountID, func(tx LedgerTx) error {
		existing, lookupErr := tx.RefundOf(ctx, entryID)
		if lookupErr != nil {
			return lookupErr
		}
		if existing != nil {
			return ErrAlreadyRefunded
		}

		account := tx.Account()
		amount := original.Amount.Neg()
		newBalance := account.Balance.Add(amount)
		entry := LedgerEntry{
			ID:                l.newID(),
			AccountID:         account.ID,
			Amount:            amount,
			Type:              EntryRefund,
			ToolID:            original.ToolID,
			Description:       reason,
			RefundOf:          original.ID,
			CreditPrice:       original.CreditPrice,
			Quantity:          original.Quantity,
			CreditUnitVersion: original.CreditUnitVersion,
			BalanceAfter:      newBalance,
			CreatedAt:         l.now(),
		}
		if postErr := tx.Post(newBalance, entry); postErr != nil {
			return postErr
		}

		receipt = receiptFor(entry)
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	observability.FromContext(ctx).Info("credits refunded",
		observability.String("entry_id", receipt.EntryID),
		observability.String("refund_of", entryID),
		observability.Decimal("amount", receipt.Amount))

	return receipt, nil
}

// Credit records a purchase or an administrative adjustment.
func (l *CreditLedger) Credit(ctx context.Context, req CreditRequest) (Receipt, error) {
	if req.AccountID == "" {
		return Receipt{}, validationf("account id is required")
	}
	switch req.Type {
	case EntryPurchase:
		if !req.Amount.IsPositive() {
			return Receipt{}, validationf("purchase amount must be positive")
		}
	case EntryAdjustment:
		if req.Amount.IsZero() {
			return Receipt{}, validationf("adjustment amount must not be zero")
		}
	default:
		return Receipt{}, validationf("credit type must be purchase or adjustment")
	}

	settings, err := l.settings.Current(ctx)
	if err != nil {
		return Receipt{}, err
	}

	description := req.Description
	if description == "" {
		description = "Credit " + string(req.Type)
	}

	var receipt Receipt
	err = l.withRetry(ctx, req.AccountID, func(tx LedgerTx) error {
		if prior, replayErr := l.replay(ctx, tx, req.IdempotencyKey, req.Type); replayErr != nil || prior != nil {
			if prior != nil {
				receipt = *prior
			}
			return replayErr
		}

		account := tx.Account()
		newBalance := account.Balance.Add(req.Amount)
		if newBalance.IsNegative() {
			return ErrInsufficientFunds
		}

		entry := LedgerEntry{
			ID:                l.newID(),
			AccountID:         account.ID,
			Amount:            req.Amount,
			Type:              req.Type,
			Description:       description,
			IdempotencyKey:    req.IdempotencyKey,
			CreditUnitVersion: settings.CreditUnit.Version,
			BalanceAfter:      newBalance,
			CreatedAt:         l.now(),
		}
		if postErr := tx.Post(newBalance, entry); postErr != nil {
			return postErr
		}

		receipt = receiptFor(entry)
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	return receipt, nil
}

// OpenAccount creates an account. A positive opening balance is recorded as a
// purchase entry written together with the account, so the entry log always
// sums to the balance.
func (l *CreditLedger) OpenAccount(ctx context.Context, req OpenAccountRequest) (Account, error) {
	if req.AccountID == "" {
		return Account{}, validationf("account id is required")
	}
	if req.InitialBalance.IsNegative() {
		return Account{}, validationf("initial balance must not be negative")
	}

	now := l.now()
	account := Account{
		ID:        req.AccountID,
		Balance:   req.InitialBalance,
		Unlimited: req.Unlimited,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var opening []LedgerEntry
	if req.InitialBalance.IsPositive() {
		settings, err := l.settings.Current(ctx)
		if err != nil {
			return Account{}, err
		}
		opening = append(opening, LedgerEntry{
			ID:                l.newID(),
			AccountID:         req.AccountID,
			Amount:            req.InitialBalance,
			Type:              EntryPurchase,
			Description:       "Opening balance",
			IdempotencyKey:    "opening:" + req.AccountID,
			CreditUnitVersion: settings.CreditUnit.Version,
			BalanceAfter:      req.InitialBalance,
			CreatedAt:         now,
		})
	}

	if err := l.store.CreateAccount(ctx, account, opening...); err != nil {
		return Account{}, err
	}

	return l.store.GetAccount(ctx, req.AccountID)
}

// ValidateOpening checks that opening entries belong to the account and
// explain its whole starting balance. Stores call it before inserting.
func ValidateOpening(account Account, opening []LedgerEntry) error {
	if account.ID == "" {
		return validationf("account id is required")
	}
	if account.Balance.IsNegative() {
		return validationf("negative balance")
	}
	if len(opening) == 0 {
		return nil
	}

	sum := decimal.Zero
	for _, entry := range opening {
		if entry.ID == "" || entry.AccountID != account.ID {
			return validationf("opening entry does not belong to account %s", account.ID)
		}
		sum = sum.Add(entry.Amount)
	}
	if !sum.Equal(account.Balance) {
		return validationf("opening entries sum to %s, balance is %s", sum, account.Balance)
	}
	return nil
}

// GetBalance returns the current balance of an account.
func (l *CreditLedger) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// GetAccount returns the account record.
func (l *CreditLedger) GetAccount(ctx context.Context, accountID string) (Account, error) {
	if accountID == "" {
		return Account{}, validationf("account id is required")
	}
	return l.store.GetAccount(ctx, accountID)
}

// Entries lists the newest entries of an account, newest first.
func (l *CreditLedger) Entries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	if _, err := l.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListEntries(ctx, accountID, limit)
}

// replay returns the receipt of a previous operation with the same key.
func (l *CreditLedger) replay(ctx context.Context, tx LedgerTx, key string, want EntryType) (*Receipt, error) {
	if key == "" {
		return nil, nil
	}

	prior, err := tx.EntryByIdempotencyKey(ctx, key)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.Type != want {
		return nil, validationf("idempotency key %q was used for a %s entry", key, prior.Type)
	}

	receipt := receiptFor(*prior)
	receipt.Replayed = true

	if prior.Type == EntryUsage {
		refund, refundErr := tx.RefundOf(ctx, prior.ID)
		if refundErr != nil {
			return nil, refundErr
		}
		receipt.Refunded = refund != nil
	}
	return &receipt, nil
}

// withRetry runs fn in an account transaction, retrying lost optimistic races.
func (l *CreditLedger) withRetry(ctx context.Context, accountID string, fn func(tx LedgerTx) error) error {
	var err error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		err = l.store.WithAccount(ctx, accountID, fn)
		if !errors.Is(err, ErrTransactionConflict) {
			return err
		}

		observability.FromContext(ctx).Warn("ledger transaction conflict, retrying",
			observability.String("account_id", accountID),
			observability.Int("attempt", attempt+1))

		if l.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.RetryBackoff * time.Duration(attempt+1)):
			}
		}
	}

	return fmt.Errorf("ledger gave up after %d attempts: %w", l.cfg.MaxRetries+1, err)
}

func receiptFor(entry LedgerEntry) Receipt {
	return Receipt{
		EntryID:    entry.ID,
		AccountID:  entry.AccountID,
		Amount:     entry.Amount,
		NewBalance: entry.BalanceAfter,
	}
}
