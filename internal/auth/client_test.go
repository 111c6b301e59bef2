package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

// mockTokenStore はテスト用のTokenStore実装。
type mockTokenStore struct {
	pair     model.TokenPair
	ok       bool
	saves    int
	saveFunc func(pair model.TokenPair) error
}

func (m *mockTokenStore) SaveTokenPair(pair model.TokenPair) error {
	if m.saveFunc != nil {
		if err := m.saveFunc(pair); err != nil {
			return err
		}
	}
	m.saves++
	m.pair = pair
	m.ok = true
	return nil
}

func (m *mockTokenStore) LoadTokenPair() (model.TokenPair, bool, error) {
	return m.pair, m.ok, nil
}

func (m *mockTokenStore) DeleteTokenPair() error {
	m.pair = model.TokenPair{}
	m.ok = false
	return nil
}

type recorderFunc func(outcome string)

func (f recorderFunc) RecordTokenExchange(outcome string) { f(outcome) }

func newTestClient(tokenURL, userInfoURL string, store TokenStore) *Client {
	return NewClient(Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/callback",
		AuthURL:      "https://oauth.example.com/authorize",
		TokenURL:     tokenURL,
		UserInfoURL:  userInfoURL,
	}, store, nil)
}

func TestClient_AuthorizeURL_ContainsRequiredParams(t *testing.T) {
	c := newTestClient("http://unused", "http://unused", &mockTokenStore{})

	raw := c.AuthorizeURL("state-123")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL %q: %v", raw, err)
	}
	if !strings.HasPrefix(raw, "https://oauth.example.com/authorize?") {
		t.Errorf("unexpected base URL: %q", raw)
	}

	q := u.Query()
	want := map[string]string{
		"response_type": "code",
		"client_id":     "test-client-id",
		"redirect_uri":  "http://localhost:8080/auth/callback",
		"force_confirm": "yes",
		"state":         "state-123",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestClient_ExchangeCode_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		for k, v := range map[string]string{
			"grant_type":    "authorization_code",
			"code":          "abc123",
			"client_id":     "test-client-id",
			"client_secret": "test-client-secret",
		} {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("form %s = %q, want %q", k, got, v)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "tok1",
			"token_type":    "bearer",
			"expires_in":    3600,
			"refresh_token": "ref1",
		})
	}))
	defer server.Close()

	store := &mockTokenStore{}
	c := newTestClient(server.URL, "http://unused", store)

	var outcomes []string
	c.SetRecorder(recorderFunc(func(o string) { outcomes = append(outcomes, o) }))

	if err := c.ExchangeCode(context.Background(), "abc123"); err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	if store.pair.AccessToken != "tok1" {
		t.Errorf("AccessToken = %q, want tok1", store.pair.AccessToken)
	}
	if store.pair.RefreshToken != "ref1" {
		t.Errorf("RefreshToken = %q, want ref1", store.pair.RefreshToken)
	}
	if store.pair.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", store.pair.ExpiresIn)
	}
	if len(outcomes) != 1 || outcomes[0] != "success" {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestClient_ExchangeCode_Non2xxLeavesStoreUntouched(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Code has expired"}`))
	}))
	defer server.Close()

	store := &mockTokenStore{}
	c := newTestClient(server.URL, "http://unused", store)

	err := c.ExchangeCode(context.Background(), "stale")
	if err == nil {
		t.Fatal("expected error")
	}

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *model.AuthError, got %T", err)
	}
	if authErr.Error() == "" || authErr.Reason == "" {
		t.Error("エラー理由は空であってはならない")
	}
	if !strings.Contains(authErr.Reason, "400") {
		t.Errorf("Reason should mention the status: %q", authErr.Reason)
	}
	if store.saves != 0 || store.ok {
		t.Error("失敗時はToken Storeを変更してはならない")
	}
}

func TestClient_ExchangeCode_UndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	store := &mockTokenStore{}
	c := newTestClient(server.URL, "http://unused", store)

	err := c.ExchangeCode(context.Background(), "abc123")
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *model.AuthError, got %v", err)
	}
	if store.saves != 0 {
		t.Error("失敗時はToken Storeを変更してはならない")
	}
}

func TestClient_ExchangeCode_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	tokenURL := server.URL
	server.Close()

	store := &mockTokenStore{}
	c := newTestClient(tokenURL, "http://unused", store)

	err := c.ExchangeCode(context.Background(), "abc123")
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *model.AuthError, got %v", err)
	}
	if store.saves != 0 {
		t.Error("失敗時はToken Storeを変更してはならない")
	}
}

func TestClient_ExchangeCode_EmptyCode(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := newTestClient(server.URL, "http://unused", &mockTokenStore{})
	err := c.ExchangeCode(context.Background(), "  ")

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *model.AuthError, got %v", err)
	}
	if called {
		t.Error("空のコードではトークンエンドポイントを呼び出してはならない")
	}
}

func TestClient_AccessToken_NotAuthenticated(t *testing.T) {
	c := newTestClient("http://unused", "http://unused", &mockTokenStore{})

	_, err := c.AccessToken(context.Background())
	if !errors.Is(err, model.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestClient_AccessToken_Valid(t *testing.T) {
	store := &mockTokenStore{
		pair: model.TokenPair{AccessToken: "tok1", Expiry: time.Now().Add(time.Hour)},
		ok:   true,
	}
	c := newTestClient("http://unused", "http://unused", store)

	tok, err := c.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if tok != "tok1" {
		t.Errorf("token = %q, want tok1", tok)
	}
}

func TestClient_AccessToken_RefreshesExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "ref1" {
			t.Errorf("refresh_token = %q, want ref1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok2",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	store := &mockTokenStore{
		pair: model.TokenPair{
			AccessToken:  "tok1",
			RefreshToken: "ref1",
			Expiry:       time.Now().Add(-time.Minute),
		},
		ok: true,
	}
	c := newTestClient(server.URL, "http://unused", store)

	tok, err := c.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if tok != "tok2" {
		t.Errorf("token = %q, want tok2", tok)
	}
	if store.pair.AccessToken != "tok2" {
		t.Error("更新後のトークンを保存するべき")
	}
	if store.pair.RefreshToken != "ref1" {
		t.Errorf("レスポンスに含まれない場合はリフレッシュトークンを引き継ぐべき: %q", store.pair.RefreshToken)
	}
}

func TestClient_AccessToken_ExpiredWithoutRefreshToken(t *testing.T) {
	store := &mockTokenStore{
		pair: model.TokenPair{AccessToken: "tok1", Expiry: time.Now().Add(-time.Minute)},
		ok:   true,
	}
	c := newTestClient("http://unused", "http://unused", store)

	_, err := c.AccessToken(context.Background())
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("expected *model.AuthError, got %v", err)
	}
}

func TestClient_FetchEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "OAuth tok1" {
			t.Errorf("Authorization = %q, want %q", got, "OAuth tok1")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":            "42",
			"login":         "user",
			"default_email": "user@x",
			"emails":        []string{"user@x"},
		})
	}))
	defer server.Close()

	store := &mockTokenStore{pair: model.TokenPair{AccessToken: "tok1"}, ok: true}
	c := newTestClient("http://unused", server.URL, store)

	email, err := c.FetchEmail(context.Background())
	if err != nil {
		t.Fatalf("FetchEmail failed: %v", err)
	}
	if email != "user@x" {
		t.Errorf("email = %q, want user@x", email)
	}
}

func TestClient_FetchEmail_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := &mockTokenStore{pair: model.TokenPair{AccessToken: "tok1"}, ok: true}
	c := newTestClient("http://unused", server.URL, store)

	_, err := c.FetchEmail(context.Background())
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("expected *model.AuthError, got %v", err)
	}
}
