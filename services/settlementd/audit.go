package settlementd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stealthpay/core/events"
)

// PaymentRecord is the relational copy of a settled receipt.
type PaymentRecord struct {
	ID                string `gorm:"primaryKey;size:36"`
	Payer             string `gorm:"size:42;index"`
	Nonce             string `gorm:"size:66"`
	StealthAddress    string `gorm:"size:42;uniqueIndex"`
	Amount            string `gorm:"size:80"`
	Fee               string `gorm:"size:80"`
	AnnouncementIndex uint64 `gorm:"index"`
	Remote            bool
	CreatedAt         time.Time
}

// RejectionRecord captures every aborted settlement attempt.
type RejectionRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Payer       string `gorm:"size:42;index"`
	Nonce       string `gorm:"size:66"`
	Reason      string `gorm:"size:64;index"`
	State       string `gorm:"size:32"`
	NonceBurned bool
	CreatedAt   time.Time
}

// AutoMigrate creates the audit tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&PaymentRecord{}, &RejectionRecord{})
}

// OpenAudit opens the audit database for driver ("sqlite" or "postgres").
func OpenAudit(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("settlementd: unsupported audit driver %q", driver)
	}
}

// AuditStore persists settlement events. It is an events.Emitter so the
// engine feeds it directly.
type AuditStore struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditStore migrates db and returns the store.
func NewAuditStore(db *gorm.DB, log *slog.Logger) (*AuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("settlementd: audit database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("settlementd: migrate audit tables: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &AuditStore{db: db, logger: log, now: time.Now}, nil
}

func hexString(b []byte) string { return "0x" + hex.EncodeToString(b) }

// Emit implements events.Emitter.
func (a *AuditStore) Emit(evt events.Event) {
	var err error
	switch e := evt.(type) {
	case events.PaymentSettled:
		record := PaymentRecord{
			ID:                e.ReceiptID,
			Payer:             hexString(e.Payer[:]),
			Nonce:             hexString(e.Nonce[:]),
			StealthAddress:    hexString(e.StealthAddress[:]),
			Amount:            "0",
			Fee:               "0",
			AnnouncementIndex: e.AnnouncementIndex,
			Remote:            e.Remote,
			CreatedAt:         a.now().UTC(),
		}
		if e.Amount != nil {
			record.Amount = e.Amount.String()
		}
		if e.Fee != nil {
			record.Fee = e.Fee.String()
		}
		err = a.db.Create(&record).Error
	case events.PaymentRejected:
		err = a.db.Create(&RejectionRecord{
			Payer:       hexString(e.Payer[:]),
			Nonce:       hexString(e.Nonce[:]),
			Reason:      e.Reason,
			State:       e.State,
			NonceBurned: e.NonceBurned,
			CreatedAt:   a.now().UTC(),
		}).Error
	default:
		return
	}
	if err != nil {
		a.logger.Error("audit write failed", slog.String("event", evt.EventType()), slog.Any("error", err))
	}
}

// Receipts returns the most recent settled payments.
func (a *AuditStore) Receipts(ctx context.Context, limit int) ([]PaymentRecord, error) {
	var out []PaymentRecord
	err := a.db.WithContext(ctx).Order("created_at desc").Limit(clampLimit(limit)).Find(&out).Error
	return out, err
}

// Rejections returns the most recent rejected attempts.
func (a *AuditStore) Rejections(ctx context.Context, limit int) ([]RejectionRecord, error) {
	var out []RejectionRecord
	err := a.db.WithContext(ctx).Order("id desc").Limit(clampLimit(limit)).Find(&out).Error
	return out, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
