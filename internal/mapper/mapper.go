// Package mapper turns inbound messages into canonical facts. The
// field set, coercion rules, and key selection all come from the
// message configuration.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/types"
)

// Mapper maps messages of configured types onto facts.
type Mapper struct {
	cfg     *config.MessageConfig
	allowed map[int]bool
	clock   clock
}

// New builds a mapper. allowedTypes narrows the configured types at
// runtime; empty means every configured type is accepted.
func New(cfg *config.MessageConfig, allowedTypes []int) *Mapper {
	m := &Mapper{cfg: cfg}
	if len(allowedTypes) > 0 {
		m.allowed = make(map[int]bool, len(allowedTypes))
		for _, t := range allowedTypes {
			m.allowed[t] = true
		}
	}
	return m
}

// Map validates the message type, copies configured fields into the
// fact payload with type coercion, and selects the fact id from the
// first resolvable key candidate.
func (m *Mapper) Map(msg *types.Message) (*types.Fact, error) {
	if msg == nil {
		return nil, types.NewValidationError("nil message")
	}
	if !m.cfg.KnownType(msg.T) {
		return nil, types.NewValidationError(fmt.Sprintf("unknown message type %d", msg.T))
	}
	if m.allowed != nil && !m.allowed[msg.T] {
		return nil, types.NewValidationError(fmt.Sprintf("message type %d is not enabled", msg.T))
	}

	fields := m.cfg.FieldsForType(msg.T)
	d := make(map[string]any, len(fields))
	id := ""
	for _, fc := range fields {
		raw, ok := msg.Field(fc.Name)
		if !ok || isEmpty(raw) {
			continue
		}
		v, err := coerce(fc.Name, raw, fc.Generator)
		if err != nil {
			return nil, err
		}
		d[fc.Dest()] = v
		// Key candidates come first in field order; the first one
		// present wins.
		if id == "" && fc.KeyOrder > 0 {
			id = stringify(v)
		}
	}
	if id == "" {
		return nil, types.NewMissingKeyError(msg.T)
	}

	return &types.Fact{
		ID: id,
		T:  msg.T,
		C:  m.clock.next(),
		D:  d,
	}, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func coerce(field string, raw any, gen config.Generator) (any, error) {
	switch gen.Type {
	case config.GenInteger:
		return coerceInt(field, raw)
	case config.GenDate:
		return coerceDate(field, raw)
	case config.GenString:
		return coerceString(field, raw)
	case config.GenEnum:
		s, err := coerceString(field, raw)
		if err != nil {
			return nil, err
		}
		for _, v := range gen.Values {
			if v == s {
				return s, nil
			}
		}
		return nil, types.NewTypeError(field, raw, "one of "+strings.Join(gen.Values, "|"))
	default:
		return nil, types.NewTypeError(field, raw, gen.Type)
	}
}

func coerceInt(field string, raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, types.NewTypeError(field, raw, "integer")
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, types.NewTypeError(field, raw, "integer")
		}
		return n, nil
	}
	return 0, types.NewTypeError(field, raw, "integer")
}

// coerceDate normalizes dates to epoch milliseconds, which is how the
// engine stores and compares them everywhere downstream.
func coerceDate(field string, raw any) (int64, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UnixMilli(), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.UnixMilli(), nil
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			return ts.UnixMilli(), nil
		}
		if ts, err := time.Parse("2006-01-02", s); err == nil {
			return ts.UnixMilli(), nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms, nil
		}
	}
	return 0, types.NewTypeError(field, raw, "date")
}

func coerceString(field string, raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return "", types.NewTypeError(field, raw, "string")
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// clock issues creation timestamps that are strictly increasing within
// the process even when the wall clock repeats a millisecond.
type clock struct {
	last atomic.Int64
}

func (c *clock) next() int64 {
	for {
		now := time.Now().UnixMilli()
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}
