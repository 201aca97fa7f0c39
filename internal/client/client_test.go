package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/config"
)

func testToken(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(config.ServerConfig{
		BaseURL:   srv.URL,
		APIKey:    "key123",
		UserToken: testToken(t, "amy"),
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewExtractsUserID(t *testing.T) {
	c := testClient(t, http.NotFoundHandler())
	if c.UserID() != "amy" {
		t.Errorf("UserID() = %q, want amy", c.UserID())
	}
}

func TestRequestCarriesAuth(t *testing.T) {
	var gotKey, gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("api_key")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"events":[]}`))
	}))

	if _, err := c.GetSyncHistory(context.Background(), []string{"messaging:a"}, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if gotKey != "key123" {
		t.Errorf("api_key = %q, want key123", gotKey)
	}
	if gotAuth == "" {
		t.Error("Authorization header not set")
	}
}

func TestGetSyncHistorySendsCursorVerbatim(t *testing.T) {
	cursor := "2026-03-01T12:00:00.123456789Z"
	var gotBody map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync" {
			t.Errorf("path = %q, want /sync", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		_, _ = w.Write([]byte(`{"events":[{"type":"message.new","cid":"messaging:a","created_at":"2026-03-01T12:00:01Z"}]}`))
	}))

	resp, err := c.GetSyncHistory(context.Background(), []string{"messaging:a"}, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if gotBody["last_sync_at"] != cursor {
		t.Errorf("last_sync_at = %v, want cursor byte for byte", gotBody["last_sync_at"])
	}
	if len(resp.Events) != 1 || resp.Events[0].Type != "message.new" {
		t.Errorf("events = %v, want one message.new", resp.Events)
	}
}

func TestAPIErrorPermanent(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		e := &APIError{StatusCode: tt.status}
		if e.Permanent() != tt.permanent {
			t.Errorf("Permanent() for %d = %v, want %v", tt.status, e.Permanent(), tt.permanent)
		}
	}
}

func TestErrorResponseDecoded(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":17,"message":"not allowed"}`))
	}))

	_, err := c.QueryChannel(context.Background(), "messaging", "general", 10)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 17 || apiErr.Message != "not allowed" {
		t.Errorf("apiErr = %+v, want code 17, message not allowed", apiErr)
	}
	if !apiErr.Permanent() {
		t.Error("403 should be permanent")
	}
}

func TestDistinctSharesInFlightRequest(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","text":"hi"}]}`))
	}))
	d := NewDistinct(c)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := d.GetRepliesDistinct("m1", 20)
			resp, err := h.Result(context.Background())
			errs[i] = err
			if err == nil && len(resp.Messages) != 1 {
				t.Errorf("caller %d: len(messages) = %d, want 1", i, len(resp.Messages))
			}
		}(i)
	}

	// Give every caller time to join the in-flight request before the
	// handler is allowed to answer.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("HTTP calls = %d, want 1 shared round trip", got)
	}
}

func TestDistinctQueryChannelDedupes(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"channel":{"cid":"messaging:general","id":"general","type":"messaging"}}`))
	}))
	d := NewDistinct(c)

	// The plain method shadows the raw client with the deduplicated path,
	// so concurrent identical queries share one round trip.
	const callers = 3
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := d.QueryChannel(context.Background(), "messaging", "general", 25)
			errs[i] = err
			if err == nil && (resp.Channel == nil || resp.Channel.CID != "messaging:general") {
				t.Errorf("caller %d: resp = %+v", i, resp)
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("HTTP calls = %d, want 1 shared round trip", got)
	}
}

func TestDistinctFreshAfterCompletion(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	d := NewDistinct(c)

	for i := 0; i < 3; i++ {
		h := d.GetRepliesDistinct("m1", 20)
		if _, err := h.Result(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("HTTP calls = %d, want 3 (fresh request after each completion)", got)
	}
}

func TestDistinctKeysDifferByParams(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	d := NewDistinct(c)

	var wg sync.WaitGroup
	for _, parent := range []string{"m1", "m2"} {
		wg.Add(1)
		go func(parent string) {
			defer wg.Done()
			h := d.GetRepliesDistinct(parent, 20)
			if _, err := h.Result(context.Background()); err != nil {
				t.Error(err)
			}
		}(parent)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("HTTP calls = %d, want 2 for distinct parents", got)
	}
}
