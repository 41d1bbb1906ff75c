package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceKey addresses one ledger account.
type BalanceKey struct {
	UserID   string
	Currency string
}

// AccountBalance is the per-(user, currency) ledger row. Available and
// Reserved never go negative; only the ledger manager mutates them.
type AccountBalance struct {
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (b AccountBalance) Key() BalanceKey {
	return BalanceKey{UserID: b.UserID, Currency: b.Currency}
}
