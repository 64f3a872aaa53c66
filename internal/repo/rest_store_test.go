package repo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tbourn/go-tryon-backend/internal/domain"
)

func TestRESTStore_Create_SendsHeadersAndBody(t *testing.T) {
	var gotPath, gotPrefer, gotKey, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotPrefer = r.Header.Get("Prefer")
		gotKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"t1","status":"processing"}]`))
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL+"/", "secret", time.Second)
	row, err := s.Create(context.Background(), domain.CollectionTryOns, Row{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if row["id"] != "t1" {
		t.Fatalf("unexpected row: %#v", row)
	}
	if gotPath != "/rest/v1/tryons" || gotPrefer != "return=representation" {
		t.Fatalf("unexpected request path=%q prefer=%q", gotPath, gotPrefer)
	}
	if gotKey != "secret" || gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth headers apikey=%q auth=%q", gotKey, gotAuth)
	}
	if gotBody["user_id"] != "u1" {
		t.Fatalf("unexpected body: %#v", gotBody)
	}
}

func TestRESTStore_Create_ConflictIsDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23505"}`))
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, "k", time.Second)
	_, err := s.Create(context.Background(), domain.CollectionUsage, Row{"user_id": "u1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestRESTStore_UpdateSelect_FilterEncoding(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.Method+" "+r.URL.RawQuery)
		_, _ = w.Write([]byte(`[{"id":"a1","count":3}]`))
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, "k", time.Second)
	ctx := context.Background()

	rows, err := s.Update(ctx, domain.CollectionUsage, Row{"count": 3}, Filter{"id": "a1", "count": 2})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Update: rows=%v err=%v", rows, err)
	}
	if _, err := s.Select(ctx, domain.CollectionUsage, Filter{"user_id": "u1", "date": "2025-03-01"}); err != nil {
		t.Fatalf("Select: %v", err)
	}

	want := []string{
		"PATCH count=eq.2&id=eq.a1",
		"GET date=eq.2025-03-01&order=created_at.asc.nullslast&select=%2A&user_id=eq.u1",
	}
	if len(queries) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), queries)
	}
	for i := range want {
		if queries[i] != want[i] {
			t.Fatalf("request %d = %q; want %q", i, queries[i], want[i])
		}
	}
}

func TestRESTStore_NumericIDsKeepTheirDigits(t *testing.T) {
	var patched string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patched = r.URL.RawQuery
			_, _ = w.Write([]byte(`[{"id":1000000,"count":8}]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":1000000,"count":7}]`))
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, "k", time.Second)
	ctx := context.Background()

	rows, err := s.Select(ctx, domain.CollectionUsage, Filter{"user_id": "u1"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Select: rows=%v err=%v", rows, err)
	}
	if got := FormatValue(rows[0]["id"]); got != "1000000" {
		t.Fatalf("id decoded as %q", got)
	}

	var c struct {
		ID    any `json:"id"`
		Count int `json:"count"`
	}
	if err := Decode(rows[0], &c); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := s.Update(ctx, domain.CollectionUsage, Row{"count": c.Count + 1}, Filter{"id": c.ID, "count": c.Count}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if patched != "count=eq.7&id=eq.1000000" {
		t.Fatalf("PATCH query = %q", patched)
	}
}

func TestRESTStore_Update_RefusesEmptyFilter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, "k", time.Second)
	for _, f := range []Filter{nil, {}} {
		if _, err := s.Update(context.Background(), domain.CollectionTryOns, Row{"status": "failed"}, f); !errors.Is(err, ErrEmptyFilter) {
			t.Fatalf("Update(%v): expected ErrEmptyFilter, got %v", f, err)
		}
	}
	if calls != 0 {
		t.Fatalf("expected no requests, got %d", calls)
	}
}

func TestRESTStore_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewRESTStore(srv.URL, "k", time.Second)
	if _, err := s.Select(ctx, domain.CollectionUsers, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRESTStore_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, "k", time.Second)
	_, err := s.Select(context.Background(), domain.CollectionUsers, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError || se.Body != "boom" {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
}

func TestRESTStore_UnknownCollection(t *testing.T) {
	s := NewRESTStore("http://127.0.0.1:0", "k", time.Second)
	if _, err := s.Select(context.Background(), "secrets", nil); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestRESTStore_Increment(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		want    IncrementResult
		wantErr error
	}{
		{"object", http.StatusOK, `{"allowed":true,"count":4}`, IncrementResult{Allowed: true, Count: 4}, nil},
		{"set", http.StatusOK, `[{"allowed":false,"count":40}]`, IncrementResult{Allowed: false, Count: 40}, nil},
		{"missing procedure", http.StatusNotFound, `{"code":"PGRST202"}`, IncrementResult{}, ErrCapabilityNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath string
			var gotBody map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				b, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(b, &gotBody)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s := NewRESTStore(srv.URL, "k", time.Second)
			got, err := s.IncrementIfUnderLimit(context.Background(), "u1", "2025-03-01", 40)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("IncrementIfUnderLimit: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v; want %+v", got, tc.want)
			}
			if gotPath != "/rest/v1/rpc/increment_api_usage" {
				t.Fatalf("unexpected path %q", gotPath)
			}
			if gotBody["p_user_id"] != "u1" || gotBody["p_date"] != "2025-03-01" || gotBody["p_limit"] != float64(40) {
				t.Fatalf("unexpected rpc body: %#v", gotBody)
			}
		})
	}
}
