package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Payload is implemented only by the metadata variants declared in this file.
type Payload interface {
	payloadKind() string
}

// TransferPayload annotates transfer_send / transfer_receive rows.
type TransferPayload struct {
	CounterpartCode string `json:"counterpart_code"`
	QRCodeID        string `json:"qr_code_id,omitempty"`
}

// EscrowPayload annotates escrow_hold, escrow_release, escrow_payout, commission and release rows.
type EscrowPayload struct {
	BookingID      string          `json:"booking_id"`
	Price          decimal.Decimal `json:"price"`
	CommissionRate decimal.Decimal `json:"commission_rate,omitempty"`
	Commission     decimal.Decimal `json:"commission,omitempty"`
	ProviderAmount decimal.Decimal `json:"provider_amount,omitempty"`
}

// DepositPayload annotates deposits pushed by an external collector.
type DepositPayload struct {
	Provider  string `json:"provider"`
	Reference string `json:"reference"`
}

// WithdrawalPayload annotates withdrawals to an external destination.
type WithdrawalPayload struct {
	Destination string `json:"destination"`
	Reference   string `json:"reference,omitempty"`
}

func (TransferPayload) payloadKind() string   { return "transfer" }
func (EscrowPayload) payloadKind() string     { return "escrow" }
func (DepositPayload) payloadKind() string    { return "deposit" }
func (WithdrawalPayload) payloadKind() string { return "withdrawal" }

// Metadata is the JSONB column wrapper around a typed payload.
type Metadata struct {
	Payload Payload
}

// NewMetadata wraps p.
func NewMetadata(p Payload) Metadata {
	return Metadata{Payload: p}
}

type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the payload with its kind tag.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metadataEnvelope{Kind: m.Payload.payloadKind(), Data: data})
}

// UnmarshalJSON decodes a tagged payload.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || len(b) == 0 {
		m.Payload = nil
		return nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var p Payload
	switch env.Kind {
	case "transfer":
		var v TransferPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case "escrow":
		var v EscrowPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case "deposit":
		var v DepositPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case "withdrawal":
		var v WithdrawalPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	default:
		return fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	m.Payload = p
	return nil
}

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m.Payload == nil {
		return nil, nil
	}
	return m.MarshalJSON()
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		m.Payload = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return m.UnmarshalJSON(v)
	case string:
		return m.UnmarshalJSON([]byte(v))
	default:
		return errors.New("type assertion to []byte failed")
	}
}
