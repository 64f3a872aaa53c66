package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"

	"github.com/tbourn/go-tryon-backend/internal/domain"
)

// StatusError is a non-success response from the REST data service.
type StatusError struct {
	Op     string
	Status int
	Code   string // PostgREST / Postgres error code, when the body carries one
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store %s: status %d: %s", e.Op, e.Status, e.Body)
}

// pgUniqueViolation is the Postgres SQLSTATE for a unique-constraint violation.
const pgUniqueViolation = "23505"

// RESTStore serves the Store contract from a PostgREST-compatible data
// service: tables under /rest/v1/<collection>, equality filters as
// ?column=eq.value, and stored procedures under /rest/v1/rpc/<name>.
//
// Table access goes through postgrest-go. The increment procedure is called
// directly over HTTP because the client's Rpc call carries no context and
// drops the response status.
type RESTStore struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewRESTStore returns a store talking to baseURL with the given API key.
func NewRESTStore(baseURL, apiKey string, timeout time.Duration) *RESTStore {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RESTStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// rpcIncrement is the stored procedure backing IncrementIfUnderLimit.
const rpcIncrement = "increment_api_usage"

var restCollections = map[string]bool{
	domain.CollectionTryOns: true,
	domain.CollectionUsage:  true,
	domain.CollectionUsers:  true,
}

// Create inserts one record and returns the stored representation.
// A unique violation (409 / 23505) maps to ErrDuplicate.
func (s *RESTStore) Create(ctx context.Context, collection string, fields Row) (Row, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store create: encode: %w", err)
	}
	rows, err := s.exec(ctx, "create", collection, func(q *postgrest.QueryBuilder) *postgrest.FilterBuilder {
		return q.Insert(json.RawMessage(body), false, "", "representation", "")
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("store create %s: empty representation", collection)
	}
	return rows[0], nil
}

// Update patches every record matching filter and returns the updated rows.
// An empty filter is refused before any request is sent.
func (s *RESTStore) Update(ctx context.Context, collection string, fields Row, filter Filter) ([]Row, error) {
	if len(filter) == 0 {
		return nil, ErrEmptyFilter
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store update: encode: %w", err)
	}
	return s.exec(ctx, "update", collection, func(q *postgrest.QueryBuilder) *postgrest.FilterBuilder {
		return applyFilter(q.Update(json.RawMessage(body), "representation", ""), filter)
	})
}

// Select returns every record matching filter, oldest first.
func (s *RESTStore) Select(ctx context.Context, collection string, filter Filter) ([]Row, error) {
	return s.exec(ctx, "select", collection, func(q *postgrest.QueryBuilder) *postgrest.FilterBuilder {
		return applyFilter(q.Select("*", "", false), filter).
			Order("created_at", &postgrest.OrderOpts{Ascending: true})
	})
}

// exec runs one table request. Bodies are encoded before they reach the
// builder, which would otherwise keep an encoding failure as sticky client
// state. A client is built per call so the context can ride on its transport.
func (s *RESTStore) exec(ctx context.Context, op, collection string, build func(*postgrest.QueryBuilder) *postgrest.FilterBuilder) ([]Row, error) {
	if !restCollections[collection] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	if s.HTTP != nil && s.HTTP.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.HTTP.Timeout)
		defer cancel()
	}

	client := postgrest.NewClient(s.BaseURL+"/rest/v1", "", map[string]string{
		"apikey":        s.APIKey,
		"Authorization": "Bearer " + s.APIKey,
	})
	if client.ClientError != nil {
		return nil, fmt.Errorf("store %s: %w", op, client.ClientError)
	}
	var next http.RoundTripper
	if s.HTTP != nil {
		next = s.HTTP.Transport
	}
	client.Transport.Parent = &statusTransport{ctx: ctx, next: next}

	data, _, err := build(client.From(collection)).Execute()
	if err == nil && client.ClientError != nil {
		err = client.ClientError
	}
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			se.Op = op
			if se.Status == http.StatusConflict || se.Code == pgUniqueViolation {
				return nil, ErrDuplicate
			}
			return nil, se
		}
		return nil, fmt.Errorf("store %s: %w", op, err)
	}
	return decodeRows(op, data)
}

// applyFilter adds filter as equality conditions. Nil values become "is.null".
func applyFilter(f *postgrest.FilterBuilder, filter Filter) *postgrest.FilterBuilder {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := filter[k]; v == nil {
			f = f.Is(k, "null")
		} else {
			f = f.Eq(k, FormatValue(v))
		}
	}
	return f
}

// decodeRows parses a JSON array of records, keeping numbers exact.
func decodeRows(op string, data []byte) ([]Row, error) {
	rows := []Row{}
	if len(bytes.TrimSpace(data)) == 0 {
		return rows, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("store %s: decode: %w", op, err)
	}
	return rows, nil
}

// statusTransport binds requests to ctx and turns error statuses into
// *StatusError before postgrest-go flattens them into strings.
type statusTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return nil, newStatusError("", resp.StatusCode, data)
}

func newStatusError(op string, status int, body []byte) *StatusError {
	se := &StatusError{Op: op, Status: status, Body: strings.TrimSpace(string(body))}
	var pe struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(body, &pe) == nil {
		se.Code = pe.Code
	}
	return se
}

// IncrementIfUnderLimit calls the increment_api_usage procedure. A 404 means
// the procedure is not installed and maps to ErrCapabilityNotFound.
func (s *RESTStore) IncrementIfUnderLimit(ctx context.Context, identity, day string, limit int) (IncrementResult, error) {
	body, err := json.Marshal(map[string]any{
		"p_user_id": identity,
		"p_date":    day,
		"p_limit":   limit,
	})
	if err != nil {
		return IncrementResult{}, fmt.Errorf("store rpc: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.BaseURL+"/rest/v1/rpc/"+rpcIncrement, bytes.NewReader(body))
	if err != nil {
		return IncrementResult{}, fmt.Errorf("store rpc: %w", err)
	}
	req.Header.Set("apikey", s.APIKey)
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("store rpc: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("store rpc: read body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return IncrementResult{}, ErrCapabilityNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return IncrementResult{}, newStatusError("rpc", resp.StatusCode, data)
	}

	// The procedure may return a single object or a one-element set.
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var set []IncrementResult
		if err := json.Unmarshal(trimmed, &set); err != nil {
			return IncrementResult{}, fmt.Errorf("store rpc: decode: %w", err)
		}
		if len(set) == 0 {
			return IncrementResult{}, fmt.Errorf("store rpc: empty result")
		}
		return set[0], nil
	}
	var res IncrementResult
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return IncrementResult{}, fmt.Errorf("store rpc: decode: %w", err)
	}
	return res, nil
}
