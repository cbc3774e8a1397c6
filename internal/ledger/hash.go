package ledger

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// Digest returns the chain hash of e given the hash of the entry before it.
// The first entry of a register chains from the empty string. Amounts are
// fixed to two places and timestamps to microseconds so a row read back
// from PostgreSQL hashes the same as the value that was written.
func Digest(prev string, e Entry) string {
	related := ""
	if e.RelatedEntityID != nil {
		related = *e.RelatedEntityID
	}
	fields := []string{
		prev,
		e.ID.String(),
		e.CashierID.String(),
		strconv.FormatInt(e.Sequence, 10),
		string(e.Type),
		e.Amount.StringFixed(2),
		string(e.Method()),
		related,
		e.BalanceBefore.StringFixed(2),
		e.BalanceAfter.StringFixed(2),
		e.OperatorID,
		strconv.FormatInt(e.CreatedAt.UnixMicro(), 10),
		e.Notes,
	}
	var buf []byte
	for _, f := range fields {
		buf = strconv.AppendInt(buf, int64(len(f)), 10)
		buf = append(buf, ':')
		buf = append(buf, f...)
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Seal returns e with its Hash chained onto prev.
func Seal(prev string, e Entry) Entry {
	e.Hash = Digest(prev, e)
	return e
}
