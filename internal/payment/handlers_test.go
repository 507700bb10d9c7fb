package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-checkout/internal/payment"
)

func paymentRouter(h *harness) http.Handler {
	handler := &payment.Handler{Svc: h.svc}
	r := chi.NewRouter()
	handler.Routes(r, nil)
	r.Route("/admin", handler.AdminRoutes)
	return r
}

func TestIntentHandler(t *testing.T) {
	h := newHarness(t)
	router := paymentRouter(h)

	body := `{"productId":"` + h.product.ID.String() + `","email":"buyer@example.com","expectedTotal":"50.00"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/intent", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var intent map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intent))
	require.Equal(t, "pi_123_secret_abc", intent["clientSecret"])
	require.Equal(t, "50.00", intent["totalGross"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/"+intent["paymentId"].(string)+"/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"pending"`)

	body = `{"productId":"` + h.product.ID.String() + `","expectedTotal":"10.00"}`
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/intent", strings.NewReader(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), payment.ReasonTotalMismatch)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/intent", strings.NewReader(`{"productId":"nope"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndAdminList(t *testing.T) {
	h := newHarness(t)
	router := paymentRouter(h)
	_, err := h.svc.CreateIntent(context.Background(), payment.IntentInput{ProductID: h.product.ID})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/"+uuid.NewString()+"/status", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/payments?status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/payments?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
