package dispute

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

func TestHandler_OpenResolve(t *testing.T) {
	f := newFixture(t)
	o := f.delivered(t)

	w, body := doJSON(t, setupRouter(f, buyer), http.MethodPost, "/v1/disputes", OpenRequest{
		OrderID: o.ID, Type: ledger.DisputeNotReceived, Description: "never arrived",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := body["dispute"].(map[string]any)["id"].(string)

	w, body = doJSON(t, setupRouter(f, buyer), http.MethodPost, "/v1/disputes", OpenRequest{
		OrderID: o.ID, Type: ledger.DisputeNotReceived, Description: "again",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_disputed", body["error"])

	w, body = doJSON(t, setupRouter(f, buyer), http.MethodPatch, "/v1/disputes/"+id+"/resolve",
		ResolveRequest{Outcome: ledger.DisputeResolved})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	w, body = doJSON(t, setupRouter(f, admin), http.MethodPatch, "/v1/disputes/"+id+"/resolve",
		ResolveRequest{Outcome: ledger.DisputeResolved, Resolution: "refunded"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "RESOLVED", body["dispute"].(map[string]any)["status"])
	assert.Equal(t, "CANCELLED", body["order"].(map[string]any)["status"])

	w, body = doJSON(t, setupRouter(f, seller), http.MethodGet, "/v1/disputes/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RESOLVED", body["dispute"].(map[string]any)["status"])
}

func TestHandler_Cancel(t *testing.T) {
	f := newFixture(t)
	o := f.delivered(t)
	d := f.open(t, o.ID)

	w, _ := doJSON(t, setupRouter(f, seller), http.MethodPatch, "/v1/disputes/"+d.ID+"/cancel", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := doJSON(t, setupRouter(f, buyer), http.MethodPatch, "/v1/disputes/"+d.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", body["dispute"].(map[string]any)["status"])

	w, body = doJSON(t, setupRouter(f, buyer), http.MethodGet, "/v1/orders/"+o.ID+"/disputes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestHandler_RefundEligibility(t *testing.T) {
	f := newFixture(t)
	o := f.delivered(t)

	w, body := doJSON(t, setupRouter(f, buyer), http.MethodGet, "/v1/orders/"+o.ID+"/refund-eligibility", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["eligible"])
	assert.Equal(t, float64(10000), body["refundable"])
}

func TestHandler_BadInput(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f, admin)

	w, body := doJSON(t, r, http.MethodGet, "/v1/disputes/ord_123", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", body["error"])

	req := httptest.NewRequest(http.MethodPatch, "/v1/disputes/dsp_0123456789abcdef0123456789abcdef/resolve", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
