package mirror

import (
	"time"

	"gorm.io/gorm"
)

// LoanRow is the relational read model of one loan record. Rows are keyed by
// debt id and carry a composite index over the collateral pair so the lien
// history of a token can be found without scanning. Terminated loans keep
// their rows, so the pair is not unique across time.
type LoanRow struct {
	DebtID          uint64 `gorm:"primaryKey"`
	State           string `gorm:"size:32;index"`
	Borrower        string `gorm:"size:64;index"`
	Lender          string `gorm:"size:64;index"`
	CollateralAddr  string `gorm:"size:40;index:idx_collateral"`
	CollateralID    string `gorm:"size:80;index:idx_collateral"`
	Principal       string `gorm:"size:80"`
	Balance         string `gorm:"size:80"`
	DebtTokenIssued bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EventRow journals every lifecycle event in arrival order for audit queries.
type EventRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DebtID     uint64 `gorm:"index"`
	Type       string `gorm:"size:48;index"`
	Attributes string `gorm:"type:text"`
	CreatedAt  time.Time
}

// AutoMigrate creates or updates the mirror schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&LoanRow{}, &EventRow{})
}
