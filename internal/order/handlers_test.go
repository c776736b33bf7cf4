package order

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/policy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(f *fixture, actor policy.Actor) *gin.Engine {
	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		auth.SetActor(c, actor)
		c.Next()
	})
	NewHandler(f.svc).RegisterRoutes(g)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_PlaceAndGet(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f, buyer)

	w, body := doJSON(t, r, http.MethodPost, "/v1/orders", placeRequest(ledger.PaymentGateway))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := body["order"].(map[string]any)
	id := order["id"].(string)
	assert.Equal(t, "PENDING", order["status"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, body["order"].(map[string]any)["id"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/orders/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestHandler_PlaceValidationError(t *testing.T) {
	f := newFixture(t)
	req := placeRequest(ledger.PaymentGateway)
	req.Items = nil

	w, body := doJSON(t, setupRouter(f, buyer), http.MethodPost, "/v1/orders", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestHandler_PaymentRequiresOperator(t *testing.T) {
	f := newFixture(t)
	o, err := f.svc.Place(t.Context(), buyer, placeRequest(ledger.PaymentGateway))
	require.NoError(t, err)

	w, body := doJSON(t, setupRouter(f, buyer), http.MethodPost, "/v1/orders/"+o.ID+"/payment",
		RecordPaymentRequest{PaymentID: "ch_1", Succeeded: true})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	w, body = doJSON(t, setupRouter(f, admin), http.MethodPost, "/v1/orders/"+o.ID+"/payment",
		RecordPaymentRequest{PaymentID: "ch_1", Succeeded: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SUCCESS", body["order"].(map[string]any)["paymentStatus"])
}

func TestHandler_DeliveryFlow(t *testing.T) {
	f := newFixture(t)
	o := f.paid(t)
	sr := setupRouter(f, seller)

	w, _ := doJSON(t, sr, http.MethodPost, "/v1/orders/"+o.ID+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := doJSON(t, sr, http.MethodPost, "/v1/orders/"+o.ID+"/delivery", DeliveryRequest{Status: ledger.OrderCompleted})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", body["error"])

	w, _ = doJSON(t, sr, http.MethodPost, "/v1/orders/"+o.ID+"/delivery", DeliveryRequest{Status: ledger.OrderShipped})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = doJSON(t, sr, http.MethodPost, "/v1/orders/"+o.ID+"/delivery", DeliveryRequest{Status: ledger.OrderDelivered})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = doJSON(t, setupRouter(f, buyer), http.MethodPost, "/v1/orders/"+o.ID+"/confirm-receipt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETED", body["order"].(map[string]any)["status"])
	assert.Equal(t, "RELEASED", body["escrow"].(map[string]any)["releaseStatus"])
}

func TestHandler_CancelWithoutBody(t *testing.T) {
	f := newFixture(t)
	o := f.paid(t)

	w, body := doJSON(t, setupRouter(f, buyer), http.MethodPost, "/v1/orders/"+o.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "CANCELLED", body["order"].(map[string]any)["status"])

	w, body = doJSON(t, setupRouter(f, buyer), http.MethodGet, "/v1/orders/"+o.ID+"/refund-attempts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestHandler_MalformedID(t *testing.T) {
	f := newFixture(t)
	w, body := doJSON(t, setupRouter(f, buyer), http.MethodGet, "/v1/orders/12345", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", body["error"])
}
