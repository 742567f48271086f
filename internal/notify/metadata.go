package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Metadata is the structured, write-once payload attached to a notification.
// The concrete variant is determined by the notification Type.
type Metadata interface {
	metadataType() Type
}

// BudgetMetadata is produced by the budget rule
type BudgetMetadata struct {
	BudgetID  string          `json:"budget_id"`
	Category  string          `json:"category"`
	Spent     decimal.Decimal `json:"spent"`
	Limit     decimal.Decimal `json:"limit"`
	Percent   decimal.Decimal `json:"percent"`
	Threshold int             `json:"threshold"`
}

// GoalMetadata is produced by the goal rule
type GoalMetadata struct {
	GoalID    string          `json:"goal_id"`
	Name      string          `json:"name"`
	Current   decimal.Decimal `json:"current"`
	Target    decimal.Decimal `json:"target"`
	Percent   decimal.Decimal `json:"percent"`
	Milestone int             `json:"milestone,omitempty"`
}

// TransactionMetadata is produced by the large transaction rule for both
// expenses and incomes.
type TransactionMetadata struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Threshold     decimal.Decimal `json:"threshold"`
	Category      string          `json:"category,omitempty"`
	Description   string          `json:"description,omitempty"`
	Date          time.Time       `json:"date"`
}

// ReportMetadata is produced by the periodic report rule
type ReportMetadata struct {
	Month string `json:"month"` // 2006-01
}

// SystemMetadata carries free-standing system announcements
type SystemMetadata struct {
	Code string `json:"code,omitempty"`
}

func (BudgetMetadata) metadataType() Type { return TypeBudget }
func (GoalMetadata) metadataType() Type   { return TypeGoal }

// TransactionMetadata is shared by expense and income notifications; TypeExpense is
// reported and checkMetadata accepts either.
func (TransactionMetadata) metadataType() Type { return TypeExpense }
func (ReportMetadata) metadataType() Type      { return TypeSystem }
func (SystemMetadata) metadataType() Type      { return TypeSystem }

func checkMetadata(t Type, m Metadata) error {
	if m == nil {
		return nil
	}
	mt := m.metadataType()
	if mt == t || (t == TypeIncome && mt == TypeExpense) {
		return nil
	}
	return fmt.Errorf("metadata %T does not belong to type %s", m, t)
}

// EncodeMetadata serializes m for storage
func EncodeMetadata(t Type, m Metadata) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("null"), nil
	}
	if err := checkMetadata(t, m); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}

// DecodeMetadata parses a stored payload into the variant for t. System
// payloads with a month field decode as ReportMetadata.
func DecodeMetadata(t Type, raw json.RawMessage) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var (
		m   Metadata
		err error
	)
	switch t {
	case TypeBudget:
		var v BudgetMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TypeGoal:
		var v GoalMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TypeExpense, TypeIncome:
		var v TransactionMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TypeSystem:
		var month struct {
			Month string `json:"month"`
		}
		if err = json.Unmarshal(raw, &month); err == nil && month.Month != "" {
			m = ReportMetadata{Month: month.Month}
		} else if err == nil {
			var v SystemMetadata
			err = json.Unmarshal(raw, &v)
			m = v
		}
	default:
		return nil, fmt.Errorf("unknown notification type: %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s metadata: %w", t, err)
	}
	return m, nil
}

// wireNotification is the JSON shape of a Notification
type wireNotification struct {
	notificationFields
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type notificationFields Notification

// MarshalJSON encodes the metadata variant inline
func (n Notification) MarshalJSON() ([]byte, error) {
	raw, err := EncodeMetadata(n.Type, n.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireNotification{notificationFields: notificationFields(n), Metadata: raw})
}

// UnmarshalJSON decodes the metadata variant selected by the type field
func (n *Notification) UnmarshalJSON(data []byte) error {
	var w wireNotification
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m, err := DecodeMetadata(w.Type, w.Metadata)
	if err != nil {
		return err
	}
	*n = Notification(w.notificationFields)
	n.Metadata = m
	return nil
}
