// Package repo implements the record store used by the try-on backend.
//
// The store contract is deliberately narrow and collection-oriented so that
// it can be served by a local SQL database or by a remote data service:
//
//   - Create(ctx, collection, fields) -> Row, error
//     Inserts one record and returns it as stored (with generated id and
//     timestamps). Unique-constraint violations map to ErrDuplicate.
//
//   - Update(ctx, collection, fields, filter) -> []Row, error
//     Applies fields to every record matching filter and returns the
//     updated records. An empty result means nothing matched. An empty
//     filter is rejected with ErrEmptyFilter.
//
//   - Select(ctx, collection, filter) -> []Row, error
//     Returns every record matching filter, oldest first.
//
// Filters are conjunctions of exact-match field conditions.
//
// Stores may additionally implement AtomicIncrementer, a server-side
// "increment the usage counter if under the limit" primitive. Callers detect
// the capability with a type assertion and must treat ErrCapabilityNotFound
// as "not available here".
package repo

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate indicates that a create collided with a unique constraint,
	// typically because a concurrent writer created the same record first.
	ErrDuplicate = errors.New("duplicate")

	// ErrCapabilityNotFound signals that an optional store primitive is not
	// available on this backend.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrUnknownCollection is returned for collections the store does not serve.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownField is returned when fields or filters reference a column
	// the collection does not have.
	ErrUnknownField = errors.New("unknown field")

	// ErrEmptyFilter is returned by Update when the filter would match every
	// record in the collection.
	ErrEmptyFilter = errors.New("empty update filter")
)

// Row is a record as exchanged with the store: column name to JSON-compatible value.
type Row map[string]any

// Filter is a conjunction of equality conditions keyed by column name.
type Filter map[string]any

// Store is the record store contract consumed by services.
type Store interface {
	Create(ctx context.Context, collection string, fields Row) (Row, error)
	Update(ctx context.Context, collection string, fields Row, filter Filter) ([]Row, error)
	Select(ctx context.Context, collection string, filter Filter) ([]Row, error)
}

// IncrementResult is the outcome of an atomic usage increment.
type IncrementResult struct {
	Allowed bool `json:"allowed"`
	Count   int  `json:"count"`
}

// AtomicIncrementer is the optional server-side increment-and-check primitive.
// When allowed, the counter for (identity, day) has been incremented and Count
// is the new value; otherwise Count is the unchanged current value.
type AtomicIncrementer interface {
	IncrementIfUnderLimit(ctx context.Context, identity, day string, limit int) (IncrementResult, error)
}

// Decode converts a Row into dst (a pointer to a domain model) using the
// model's JSON tags. Numbers landing in interface fields stay json.Number so
// large integer ids survive the round trip.
func Decode(row Row, dst any) error {
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("repo: encode row: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("repo: decode row: %w", err)
	}
	return nil
}

// DecodeAll converts rows into a slice of T.
func DecodeAll[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var v T
		if err := Decode(r, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// RowOf converts a value with JSON tags into a Row.
func RowOf(v any) (Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("repo: encode value: %w", err)
	}
	var r Row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("repo: decode value: %w", err)
	}
	return r, nil
}

// FormatValue renders a field value the way it is written in a filter or an
// id string. Integers never take exponent form.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// CompareIDs orders two record ids: numerically when both are integers,
// lexically otherwise.
func CompareIDs(a, b any) int {
	sa, sb := FormatValue(a), FormatValue(b)
	ia, errA := strconv.ParseInt(sa, 10, 64)
	ib, errB := strconv.ParseInt(sb, 10, 64)
	if errA == nil && errB == nil {
		return cmp.Compare(ia, ib)
	}
	return strings.Compare(sa, sb)
}

// isDuplicate attempts to detect unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	// Postgres typically: "duplicate key value violates unique constraint"
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}
