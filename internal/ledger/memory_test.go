package ledger

import (
	"testing"
)

func TestMemoryLedger(t *testing.T) {
	runLedgerContract(t, func(t *testing.T, opts ...Option) Ledger {
		return NewMemoryLedger(opts...)
	})
}
