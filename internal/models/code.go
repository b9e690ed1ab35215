package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CodeTimestampLayout is the YYYYMMDDHHMMSS segment of a transaction code.
const CodeTimestampLayout = "20060102150405"

// TransactionCode is the parsed form of TX-<timestamp>-<sequence>-<checksum>.
type TransactionCode struct {
	Timestamp string
	Sequence  uint64
	Checksum  string
}

// FormatTransactionCode renders a code; the sequence is zero-padded to six digits.
func FormatTransactionCode(ts time.Time, seq uint64, checksum string) string {
	return fmt.Sprintf("TX-%s-%06d-%s", ts.UTC().Format(CodeTimestampLayout), seq, checksum)
}

// ParseTransactionCode splits a code into its parts. Only the canonical
// rendering is accepted, so each code has exactly one spelling.
func ParseTransactionCode(code string) (*TransactionCode, error) {
	parts := strings.Split(code, "-")
	if len(parts) != 4 || parts[0] != "TX" {
		return nil, fmt.Errorf("malformed transaction code %q", code)
	}
	ts, err := time.Parse(CodeTimestampLayout, parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed transaction code timestamp %q: %w", parts[1], err)
	}
	if len(parts[2]) < 6 {
		return nil, fmt.Errorf("malformed transaction code sequence %q", parts[2])
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed transaction code sequence %q: %w", parts[2], err)
	}
	if len(parts[3]) != 8 {
		return nil, fmt.Errorf("malformed transaction code checksum %q", parts[3])
	}
	if FormatTransactionCode(ts, seq, parts[3]) != code {
		return nil, fmt.Errorf("non-canonical transaction code %q", code)
	}
	return &TransactionCode{Timestamp: parts[1], Sequence: seq, Checksum: parts[3]}, nil
}
