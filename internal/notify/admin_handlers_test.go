package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-checkout/internal/events"
	"github.com/noah-isme/backend-checkout/internal/notify"
)

func adminRouter(f *fixture) http.Handler {
	h := &notify.AdminHandler{Store: f.store, Disp: f.disp}
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestAdminCreateEndpointValidates(t *testing.T) {
	f := newFixture(t)
	router := adminRouter(f)

	body := `{"name":"erp","url":"https://erp.example.com/hook","secret":"0123456789abcdef","topics":["payment.failed","Payment.Failed"]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook-endpoints", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, []any{events.TopicPaymentFailed}, created["topics"])
	require.NotContains(t, created, "secret")

	bad := `{"name":"erp","url":"https://erp.example.com/hook","secret":"0123456789abcdef","topics":["order.paid"]}`
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook-endpoints", strings.NewReader(bad)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	insecure := `{"name":"erp","url":"http://erp.example.com/hook","secret":"0123456789abcdef"}`
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook-endpoints", strings.NewReader(insecure)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDeliveryLifecycle(t *testing.T) {
	f := newFixture(t)
	router := adminRouter(f)
	require.NoError(t, f.disp.Schedule(context.Background(), f.event))
	del := f.onlyDelivery(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook-deliveries?status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []notify.Delivery `json:"data"`
		Total int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.EqualValues(t, 1, list.Total)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook-deliveries?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook-deliveries/"+del.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook-deliveries/"+del.ID.String()+"/archive", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook-deliveries?archived=false", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Zero(t, list.Total)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook-deliveries/"+del.ID.String()+"/retry", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	got, _ := f.store.GetDelivery(context.Background(), del.ID)
	require.Nil(t, got.ArchivedAt)
	require.Equal(t, notify.StatusPending, got.Status)
}

func TestAdminRetryInFlightConflicts(t *testing.T) {
	f := newFixture(t)
	router := adminRouter(f)
	require.NoError(t, f.disp.Schedule(context.Background(), f.event))
	del := f.onlyDelivery(t)
	_, err := f.store.ClaimDelivery(context.Background(), del.ID)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook-deliveries/"+del.ID.String()+"/retry", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook-deliveries/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
