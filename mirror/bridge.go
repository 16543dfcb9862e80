package mirror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"lienchain/core/events"
	"lienchain/core/types"
	"lienchain/native/debttoken"
	"lienchain/native/loan"
)

// Open connects to the configured mirror database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("mirror: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Bridge applies lifecycle events to the relational read model. It satisfies
// events.Emitter so it can sit directly behind the engine; the on-chain store
// stays authoritative and the mirror is rebuilt by replaying events.
type Bridge struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewBridge wraps a mirror database connection.
func NewBridge(db *gorm.DB, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{db: db, log: log}
}

// Emit implements events.Emitter. Failures are logged, never propagated: the
// mirror must not be able to fail an engine operation.
func (b *Bridge) Emit(evt events.Event) {
	if b == nil || b.db == nil || evt == nil {
		return
	}
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	inner := carrier.Event()
	if inner == nil {
		return
	}
	if err := b.apply(inner); err != nil {
		b.log.Error("mirror apply failed", "type", inner.Type, "err", err)
	}
}

func (b *Bridge) apply(evt *types.Event) error {
	debtID, err := strconv.ParseUint(evt.Attributes["debtId"], 10, 64)
	if err != nil {
		// Events without a debt id (e.g. token URI frames) are journaled
		// under id zero.
		debtID = 0
	}

	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	if err := b.db.Create(&EventRow{DebtID: debtID, Type: evt.Type, Attributes: string(attrs)}).Error; err != nil {
		return err
	}
	if debtID == 0 {
		return nil
	}

	row := LoanRow{DebtID: debtID}
	if err := b.db.FirstOrCreate(&row, LoanRow{DebtID: debtID}).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{}
	if state, ok := evt.Attributes["state"]; ok {
		updates["state"] = state
	}
	if next, ok := evt.Attributes["newState"]; ok {
		updates["state"] = next
	}
	if principal, ok := evt.Attributes["principal"]; ok {
		updates["principal"] = principal
	}
	if balance, ok := evt.Attributes["balance"]; ok {
		updates["balance"] = balance
	}
	switch evt.Type {
	case loan.EventTypeLoanCreated:
		if addr, ok := evt.Attributes["collateralAddress"]; ok {
			updates["collateral_addr"] = addr
		}
		if id, ok := evt.Attributes["collateralId"]; ok {
			updates["collateral_id"] = id
		}
	case loan.EventTypeActivated:
		if borrower, ok := evt.Attributes["borrower"]; ok {
			updates["borrower"] = borrower
		}
		if lender, ok := evt.Attributes["lender"]; ok {
			updates["lender"] = lender
		}
	case debttoken.EventTypeIssued:
		updates["debt_token_issued"] = true
	}
	if len(updates) == 0 {
		return nil
	}
	return b.db.Model(&LoanRow{}).Where("debt_id = ?", debtID).Updates(updates).Error
}

// LoanByDebtID loads one mirrored loan row.
func (b *Bridge) LoanByDebtID(debtID uint64) (*LoanRow, error) {
	var row LoanRow
	if err := b.db.First(&row, "debt_id = ?", debtID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// LoansByCollateral returns the lien history of a collateral pair, newest
// debt first.
func (b *Bridge) LoansByCollateral(collateralAddr, collateralID string) ([]LoanRow, error) {
	var rows []LoanRow
	err := b.db.
		Where("collateral_addr = ? AND collateral_id = ?", strings.ToLower(strings.TrimSpace(collateralAddr)), collateralID).
		Order("debt_id DESC").
		Find(&rows).Error
	return rows, err
}

// LoansByState lists mirrored loans currently in the given lifecycle state.
func (b *Bridge) LoansByState(state string) ([]LoanRow, error) {
	var rows []LoanRow
	err := b.db.Where("state = ?", state).Order("debt_id ASC").Find(&rows).Error
	return rows, err
}

// EventsForDebt returns the journaled events of one debt in arrival order.
func (b *Bridge) EventsForDebt(debtID uint64) ([]EventRow, error) {
	var rows []EventRow
	err := b.db.Where("debt_id = ?", debtID).Order("id ASC").Find(&rows).Error
	return rows, err
}
