package taxid_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-checkout/internal/cache"
	"github.com/noah-isme/backend-checkout/internal/resilience"
	"github.com/noah-isme/backend-checkout/internal/taxid"
)

const subjectJSON = `{"result":{"subject":{"name":"ACME SP. Z O.O.","nip":"5260250274","statusVat":"Czynny","regon":"000002217","krs":"","residenceAddress":"","workingAddress":"UL. ŚWIĘTOKRZYSKA 12, 00-916 WARSZAWA","accountNumbers":["12345678901234567890123456"]},"requestId":"req-1"}}`

type registryServer struct {
	calls  atomic.Int32
	status int
	body   string
	path   atomic.Value
}

func (s *registryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	s.path.Store(r.URL.Path + "?" + r.URL.RawQuery)
	w.Header().Set("Content-Type", "application/json")
	if s.status != 0 {
		w.WriteHeader(s.status)
	}
	_, _ = io.WriteString(w, s.body)
}

func newRegistry(t *testing.T, srv *registryServer) *taxid.Registry {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := resilience.NewHTTPClient("mf-whitelist", time.Second, nil)
	client.MaxAttempts = 1
	return &taxid.Registry{
		BaseURL: ts.URL,
		HTTP:    client,
		Cache:   cache.New(rdb, time.Hour),
		Now:     func() time.Time { return time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC) },
	}
}

func TestLookupFetchesAndCaches(t *testing.T) {
	srv := &registryServer{body: subjectJSON}
	reg := newRegistry(t, srv)

	company, err := reg.Lookup(context.Background(), "PL 526-025-02-74")
	require.NoError(t, err)
	require.Equal(t, "ACME SP. Z O.O.", company.Name)
	require.Equal(t, "Czynny", company.VATStatus)
	require.Equal(t, "000002217", company.REGON)
	require.Contains(t, company.Address, "WARSZAWA")
	require.Equal(t, "/api/search/nip/5260250274?date=2024-05-17", srv.path.Load())

	again, err := reg.Lookup(context.Background(), "5260250274")
	require.NoError(t, err)
	require.Equal(t, company, again)
	require.Equal(t, int32(1), srv.calls.Load())
}

func TestLookupErrors(t *testing.T) {
	srv := &registryServer{body: `{"result":{"subject":null,"requestId":"req-2"}}`}
	reg := newRegistry(t, srv)

	_, err := reg.Lookup(context.Background(), "5260250274")
	require.ErrorIs(t, err, taxid.ErrNotRegistered)

	_, err = reg.Lookup(context.Background(), "5260250275")
	require.ErrorIs(t, err, taxid.ErrInvalid)

	_, err = reg.Lookup(context.Background(), "DE123456789")
	require.ErrorIs(t, err, taxid.ErrUnsupported)
	require.Equal(t, int32(1), srv.calls.Load())

	failing := newRegistry(t, &registryServer{status: http.StatusBadRequest, body: `{"code":"WL-113","message":"bad nip"}`})
	_, err = failing.Lookup(context.Background(), "5260250274")
	require.ErrorIs(t, err, taxid.ErrUpstream)
}

func TestCheckHandler(t *testing.T) {
	reg := newRegistry(t, &registryServer{body: subjectJSON})
	h := &taxid.Handler{Registry: reg}
	r := chi.NewRouter()
	r.Get("/tax-id/{value}", h.Check)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tax-id/PL5260250274", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, true, out["valid"])
	require.Equal(t, true, out["registered"])
	require.Equal(t, "ACME SP. Z O.O.", out["company"].(map[string]any)["name"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tax-id/1234567890", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), taxid.ReasonInvalidChecksum))
	require.NotContains(t, rec.Body.String(), "company")

	down := newRegistry(t, &registryServer{status: http.StatusServiceUnavailable, body: `{}`})
	r = chi.NewRouter()
	r.Get("/tax-id/{value}", (&taxid.Handler{Registry: down}).Check)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tax-id/5260250274", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"lookup":"unavailable"`)
}
