// Package admin provides operator endpoints for escrows stuck between the
// engine and the payment processor.
package admin

import (
	"time"

	"github.com/mbd888/bountyescrow/internal/reconciliation"
)

// StuckEscrow is a PENDING escrow whose hold outcome never arrived.
type StuckEscrow struct {
	ID        string    `json:"id"`
	PayerID   string    `json:"payerId"`
	HoldRef   string    `json:"holdRef"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
	AgeSecs   int64     `json:"ageSeconds"`
}

// ReconciliationReport summarizes an on-demand reconciliation run.
type ReconciliationReport struct {
	Pending      reconciliation.PendingResult `json:"pending"`
	OpenCircuits []string                     `json:"openCircuits"`
	Healthy      bool                         `json:"healthy"`
	DurationMs   int64                        `json:"durationMs"`
	Timestamp    time.Time                    `json:"timestamp"`
}
