package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vklachkov/glashatay/internal/pair"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	mu      sync.Mutex
	pairs   map[pair.ID]pair.Config
	next    pair.ID
	failAll error
}

func newFakeService() *fakeService {
	return &fakeService{pairs: make(map[pair.ID]pair.Config)}
}

func (s *fakeService) Create(_ context.Context, cfg pair.Config) (pair.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return 0, s.failAll
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	s.next++
	s.pairs[s.next] = cfg
	return s.next, nil
}

func (s *fakeService) Delete(_ context.Context, id pair.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return false, s.failAll
	}
	if _, ok := s.pairs[id]; !ok {
		return false, nil
	}
	delete(s.pairs, id)
	return true, nil
}

func (s *fakeService) List(context.Context) (map[pair.ID]pair.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return nil, s.failAll
	}
	out := make(map[pair.ID]pair.Config, len(s.pairs))
	for id, cfg := range s.pairs {
		out[id] = cfg
	}
	return out, nil
}

func serve(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewHandler(newFakeService(), Options{JWTSecret: "secret"})
	rec := serve(t, h, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateListDelete(t *testing.T) {
	svc := newFakeService()
	h := NewHandler(svc, Options{DefaultInterval: 5 * time.Minute})

	rec := serve(t, h, http.MethodPost, "/api/pairs", `{"source":"apiclub","destination_id":-100123,"poll_interval":"90s"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":1}`, rec.Body.String())

	rec = serve(t, h, http.MethodPost, "/api/pairs", `{"source":"https://example.com/feed.xml","destination_id":42}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 5*time.Minute, svc.pairs[2].PollInterval)

	rec = serve(t, h, http.MethodGet, "/api/pairs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Pairs []PairView `json:"pairs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Pairs, 2)
	assert.Equal(t, int64(1), listed.Pairs[0].ID)
	assert.Equal(t, "apiclub", listed.Pairs[0].Source)
	assert.Equal(t, int64(-100123), listed.Pairs[0].DestinationID)
	assert.Equal(t, "1m30s", listed.Pairs[0].PollInterval)
	assert.Nil(t, listed.Pairs[0].LastDeliveredAt)

	rec = serve(t, h, http.MethodDelete, "/api/pairs/1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, h, http.MethodDelete, "/api/pairs/1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRejectsBadInput(t *testing.T) {
	h := NewHandler(newFakeService(), Options{DefaultInterval: time.Minute})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"source":`},
		{"missing source", `{"destination_id":1}`},
		{"missing destination", `{"source":"apiclub"}`},
		{"bad interval", `{"source":"apiclub","destination_id":1,"poll_interval":"often"}`},
		{"negative interval", `{"source":"apiclub","destination_id":1,"poll_interval":"-1m"}`},
		{"sub-millisecond interval", `{"source":"apiclub","destination_id":1,"poll_interval":"500us"}`},
	}
	for _, tt := range tests {
		rec := serve(t, h, http.MethodPost, "/api/pairs", tt.body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
	}
}

func TestDeleteRejectsBadID(t *testing.T) {
	h := NewHandler(newFakeService(), Options{})
	rec := serve(t, h, http.MethodDelete, "/api/pairs/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceFailures(t *testing.T) {
	svc := newFakeService()
	svc.failAll = errors.New("store down")
	h := NewHandler(svc, Options{DefaultInterval: time.Minute})

	assert.Equal(t, http.StatusInternalServerError, serve(t, h, http.MethodGet, "/api/pairs", "", nil).Code)
	assert.Equal(t, http.StatusInternalServerError,
		serve(t, h, http.MethodPost, "/api/pairs", `{"source":"apiclub","destination_id":1}`, nil).Code)
	assert.Equal(t, http.StatusInternalServerError, serve(t, h, http.MethodDelete, "/api/pairs/1", "", nil).Code)
}

func TestJWTAuth(t *testing.T) {
	secret := []byte("s3cret")
	h := NewHandler(newFakeService(), Options{JWTSecret: string(secret)})

	rec := serve(t, h, http.MethodGet, "/api/pairs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/pairs", "", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	foreign, err := MintToken([]byte("other"), "ops", time.Hour)
	require.NoError(t, err)
	rec = serve(t, h, http.MethodGet, "/api/pairs", "", map[string]string{"Authorization": "Bearer " + foreign})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := MintToken(secret, "ops", -time.Minute)
	require.NoError(t, err)
	rec = serve(t, h, http.MethodGet, "/api/pairs", "", map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	valid, err := MintToken(secret, "ops", time.Hour)
	require.NoError(t, err)
	rec = serve(t, h, http.MethodGet, "/api/pairs", "", map[string]string{"Authorization": "Bearer " + valid})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMintAndParseToken(t *testing.T) {
	secret := []byte("s3cret")
	raw, err := MintToken(secret, "operator", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, raw)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, tokenIssuer, claims.Issuer)

	_, err = MintToken(nil, "operator", time.Hour)
	assert.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	srv := httptest.NewServer(NewHandler(newFakeService(), Options{
		JWTSecret:       string(secret),
		DefaultInterval: time.Minute,
	}))
	defer srv.Close()

	token, err := MintToken(secret, "cli", time.Hour)
	require.NoError(t, err)
	c := NewClient(srv.URL+"/", token, nil)
	ctx := context.Background()

	id, err := c.CreatePair(ctx, CreatePairRequest{Source: "apiclub", DestinationID: -1001})
	require.NoError(t, err)
	assert.Equal(t, pair.ID(1), id)

	pairs, err := c.ListPairs(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "1m0s", pairs[0].PollInterval)

	require.NoError(t, c.DeletePair(ctx, id))
	assert.ErrorIs(t, c.DeletePair(ctx, id), pair.ErrNotFound)

	_, err = c.CreatePair(ctx, CreatePairRequest{Source: "apiclub"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}

func TestClientWithoutToken(t *testing.T) {
	srv := httptest.NewServer(NewHandler(newFakeService(), Options{JWTSecret: "s3cret"}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", nil).ListPairs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}
