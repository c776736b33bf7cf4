package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/idgen"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  hello  ", 100, "hello"},
		{"hello\x00world", 100, "helloworld"},
		{"abcdef", 3, "abc"},
		{"", 10, ""},
	}
	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyerId", ""),
		PositiveAmount("amount", 0),
		Currency("currency", "US"),
		UserID("storeId", "store 1"),
		MaxLength("reason", strings.Repeat("x", 11), 10),
	)
	if len(errs) != 5 {
		t.Fatalf("expected 5 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "buyerId: is required" {
		t.Errorf("unexpected message %q", errs.Error())
	}
}

func TestValidate_Passes(t *testing.T) {
	errs := Validate(
		Required("buyerId", "buyer-1"),
		PositiveAmount("amount", 1),
		Currency("currency", "ngn"),
		UserID("storeId", "store_1"),
		UserID("optional", ""),
		RecordID("orderId", idgen.PrefixOrder, idgen.WithPrefix(idgen.PrefixOrder)),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestRecordID_WrongPrefix(t *testing.T) {
	err := RecordID("orderId", idgen.PrefixOrder, idgen.WithPrefix(idgen.PrefixEscrow))()
	if err == nil || err.Message != "must be a valid ord id" {
		t.Fatalf("unexpected %v", err)
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/orders/:id", IDParamMiddleware("id", idgen.PrefixOrder), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/"+idgen.WithPrefix(idgen.PrefixOrder), nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/../../etc", nil))
	if w.Code == http.StatusOK {
		t.Error("malformed id should be rejected")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/ord_nothex", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed id: expected 400, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", RequestSizeMiddleware(8), func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"reason":"far too long"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected oversized body to fail, got %d", w.Code)
	}
}
