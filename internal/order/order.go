// Package order defines the order record consumed by the printing pipeline
package order

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// Payload is everything needed to render a receipt for one order.
// It is owned by the caller and never modified by the printing core.
type Payload struct {
	ID            string          `json:"id"`
	CustomerName  string          `json:"customer_name"`
	Description   string          `json:"description"`
	Notes         string          `json:"notes,omitempty"`
	Address       string          `json:"address,omitempty"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// payloadJSON accepts the loosely typed shapes the dashboard sends:
// numeric ids, totals as strings, empty or non-RFC3339 timestamps.
type payloadJSON struct {
	ID            json.RawMessage `json:"id"`
	CustomerName  string          `json:"customer_name"`
	Description   string          `json:"description"`
	Notes         *string         `json:"notes"`
	Address       *string         `json:"address"`
	Total         json.RawMessage `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	CreatedAt     string          `json:"created_at"`
}

// UnmarshalJSON decodes a payload, defaulting a missing total to zero.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw payloadJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decode order payload")
	}

	id, err := decodeID(raw.ID)
	if err != nil {
		return err
	}

	total, err := decodeTotal(raw.Total)
	if err != nil {
		return err
	}

	*p = Payload{
		ID:            id,
		CustomerName:  strings.TrimSpace(raw.CustomerName),
		Description:   raw.Description,
		Total:         total,
		PaymentMethod: strings.TrimSpace(raw.PaymentMethod),
		CreatedAt:     parseTime(raw.CreatedAt),
	}
	if raw.Notes != nil {
		p.Notes = strings.TrimSpace(*raw.Notes)
	}
	if raw.Address != nil {
		p.Address = strings.TrimSpace(*raw.Address)
	}

	return nil
}

// HasNotes reports whether the notes section should be rendered
func (p *Payload) HasNotes() bool {
	return p.Notes != ""
}

// HasAddress reports whether the address section should be rendered
func (p *Payload) HasAddress() bool {
	return p.Address != ""
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.Wrapf(err, "invalid order id %s", string(raw))
	}
	return n.String(), nil
}

func decodeTotal(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = normalizeAmount(s)
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "invalid total %q", s)
		}
		return d, nil
	}

	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid total %s", string(raw))
	}
	return d, nil
}

// normalizeAmount turns "1,234.50", "1.234,50", "12,50" and "1,234,567"
// into a plain decimal string. When both separators appear the last one is
// the decimal point; a separator that repeats is grouping.
func normalizeAmount(s string) string {
	s = strings.TrimSpace(s)
	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")

	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		if strings.Count(s, ",") > 1 {
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
