package sqlstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/domain"
)

// Decimals are stored as text so no precision is lost to float affinity.

type AccountRecord struct {
	ID        string          `gorm:"primaryKey"`
	Balance   decimal.Decimal `gorm:"type:text;not null"`
	Unlimited bool            `gorm:"not null;default:false"`
	Version   int64           `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	UpdatedAt time.Time
}

func (AccountRecord) TableName() string { return "accounts" }

// EntryRecord is append-only. Seq keeps insertion order; NULL keys are exempt
// from the unique indexes.
type EntryRecord struct {
	Seq               uint            `gorm:"primaryKey;autoIncrement"`
	ID                string          `gorm:"uniqueIndex;not null"`
	AccountID         string          `gorm:"not null;index;uniqueIndex:idx_entry_idempotency"`
	IdempotencyKey    *string         `gorm:"uniqueIndex:idx_entry_idempotency"`
	RefundOf          *string         `gorm:"uniqueIndex"`
	Amount            decimal.Decimal `gorm:"type:text;not null"`
	Type              string          `gorm:"not null"`
	ToolID            string          `gorm:"index"`
	Description       string
	CreditPrice       decimal.Decimal `gorm:"type:text;not null"`
	Quantity          int64           `gorm:"not null;default:0"`
	CreditUnitVersion int64           `gorm:"not null;default:0"`
	BalanceAfter      decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt         time.Time       `gorm:"index"`
}

func (EntryRecord) TableName() string { return "ledger_entries" }

type ToolRecord struct {
	ToolID           string `gorm:"primaryKey"`
	Name             string `gorm:"not null"`
	Model            string
	BaseUnit         string
	UnitChars        int64               `gorm:"not null;default:0"`
	CostUSD          decimal.Decimal     `gorm:"type:text;not null"`
	BillingType      string              `gorm:"not null"`
	CreditPrice      decimal.Decimal     `gorm:"type:text;not null"`
	TargetMargin     decimal.Decimal     `gorm:"type:text;not null"`
	AutoAdjust       bool                `gorm:"not null;default:false"`
	TriggerThreshold decimal.Decimal     `gorm:"type:text;not null"`
	AdjustOldPrice   decimal.NullDecimal `gorm:"type:text"`
	AdjustNewPrice   decimal.NullDecimal `gorm:"type:text"`
	AdjustReason     string
	AdjustedAt       *time.Time
	Active           bool `gorm:"not null;default:true"`
	UpdatedAt        time.Time
}

func (ToolRecord) TableName() string { return "tools" }

// ExchangeRateRecord holds a single row with ID 1.
type ExchangeRateRecord struct {
	ID         uint            `gorm:"primaryKey"`
	Rate       decimal.Decimal `gorm:"type:text;not null"`
	Source     string
	FetchedAt  time.Time
	Overridden bool `gorm:"not null;default:false"`
}

func (ExchangeRateRecord) TableName() string { return "exchange_rate" }

type CreditUnitRecord struct {
	Version     int64           `gorm:"primaryKey;autoIncrement:false"`
	Value       decimal.Decimal `gorm:"type:text;not null"`
	EffectiveAt time.Time
}

func (CreditUnitRecord) TableName() string { return "credit_unit_values" }

func (r AccountRecord) toDomain() domain.Account {
	return domain.Account{
		ID:        r.ID,
		Balance:   r.Balance,
		Unlimited: r.Unlimited,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func entryRecord(e domain.LedgerEntry) EntryRecord {
	return EntryRecord{
		ID:                e.ID,
		AccountID:         e.AccountID,
		IdempotencyKey:    nullable(e.IdempotencyKey),
		RefundOf:          nullable(e.RefundOf),
		Amount:            e.Amount,
		Type:              string(e.Type),
		ToolID:            e.ToolID,
		Description:       e.Description,
		CreditPrice:       e.CreditPrice,
		Quantity:          e.Quantity,
		CreditUnitVersion: e.CreditUnitVersion,
		BalanceAfter:      e.BalanceAfter,
		CreatedAt:         e.CreatedAt,
	}
}

func (r EntryRecord) toDomain() domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:                r.ID,
		AccountID:         r.AccountID,
		Amount:            r.Amount,
		Type:              domain.EntryType(r.Type),
		ToolID:            r.ToolID,
		Description:       r.Description,
		IdempotencyKey:    deref(r.IdempotencyKey),
		RefundOf:          deref(r.RefundOf),
		CreditPrice:       r.CreditPrice,
		Quantity:          r.Quantity,
		CreditUnitVersion: r.CreditUnitVersion,
		BalanceAfter:      r.BalanceAfter,
		CreatedAt:         r.CreatedAt,
	}
}

func toolRecord(t domain.ToolCost) ToolRecord {
	rec := ToolRecord{
		ToolID:           t.ToolID,
		Name:             t.Name,
		Model:            t.Model,
		BaseUnit:         t.BaseUnit,
		UnitChars:        t.UnitChars,
		CostUSD:          t.CostUSD,
		BillingType:      t.BillingType.String(),
		CreditPrice:      t.CreditPrice,
		TargetMargin:     t.TargetMargin,
		AutoAdjust:       t.AutoAdjust,
		TriggerThreshold: t.TriggerThreshold,
		Active:           t.Active,
		UpdatedAt:        t.UpdatedAt,
	}
	if adj := t.LastAutoAdjustment; adj != nil {
		at := adj.At
		rec.AdjustOldPrice = decimal.NewNullDecimal(adj.OldPrice)
		rec.AdjustNewPrice = decimal.NewNullDecimal(adj.NewPrice)
		rec.AdjustReason = string(adj.Reason)
		rec.AdjustedAt = &at
	}
	return rec
}

func (r ToolRecord) toDomain() domain.ToolCost {
	billingType, _ := domain.ParseBillingType(r.BillingType)
	tool := domain.ToolCost{
		ToolID:           r.ToolID,
		Name:             r.Name,
		Model:            r.Model,
		BaseUnit:         r.BaseUnit,
		UnitChars:        r.UnitChars,
		CostUSD:          r.CostUSD,
		BillingType:      billingType,
		CreditPrice:      r.CreditPrice,
		TargetMargin:     r.TargetMargin,
		AutoAdjust:       r.AutoAdjust,
		TriggerThreshold: r.TriggerThreshold,
		Active:           r.Active,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.AdjustOldPrice.Valid {
		adj := &domain.AutoAdjustment{
			OldPrice: r.AdjustOldPrice.Decimal,
			NewPrice: r.AdjustNewPrice.Decimal,
			Reason:   domain.AdjustmentReason(r.AdjustReason),
		}
		if r.AdjustedAt != nil {
			adj.At = *r.AdjustedAt
		}
		tool.LastAutoAdjustment = adj
	}
	return tool
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
