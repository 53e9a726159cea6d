package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/docforge/internal/entitlement"
	"github.com/yourusername/docforge/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func headerIdentity(c *gin.Context) (Caller, bool) {
	account := c.GetHeader("X-Account")
	if account == "" {
		return Caller{}, false
	}
	tier, _ := entitlement.ParseTier(c.GetHeader("X-Tier"))
	return Caller{AccountID: account, Tier: tier}, true
}

func newTestRouter(env *testEnv) *gin.Engine {
	router := gin.New()
	NewHandler(env.manager, headerIdentity, 50<<20, zerolog.Nop()).Register(router.Group("/api"))
	return router
}

func multipartBody(t *testing.T, operation, options string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("operation", operation))
	if options != "" {
		require.NoError(t, w.WriteField("options", options))
	}
	for name, data := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func doRequest(router *gin.Engine, req *http.Request, account, tier string) *httptest.ResponseRecorder {
	if account != "" {
		req.Header.Set("X-Account", account)
		req.Header.Set("X-Tier", tier)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHTTPSubmitAndDownload(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	body, contentType := multipartBody(t, "compress", `{"preset":"standard"}`, map[string][]byte{"report.pdf": pdfBytes(2048)})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := doRequest(router, req, "acct-1", "STARTER")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var view View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, StatusPending, view.Status)

	rec = doRequest(router, httptest.NewRequest(http.MethodGet, "/api/jobs/"+view.JobID+"/download", nil), "acct-1", "STARTER")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_NOT_COMPLETED", decodeBody(t, rec)["code"])

	env.leaseAndProcess(t)

	rec = doRequest(router, httptest.NewRequest(http.MethodGet, "/api/jobs/"+view.JobID, nil), "acct-1", "STARTER")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeBody(t, rec)["status"])

	rec = doRequest(router, httptest.NewRequest(http.MethodGet, "/api/jobs/"+view.JobID+"/download", nil), "acct-1", "STARTER")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "compressed.pdf")
	assert.Equal(t, "%PDF-1.4 compressed report.pdf", rec.Body.String())

	rec = doRequest(router, httptest.NewRequest(http.MethodGet, "/api/jobs", nil), "acct-1", "STARTER")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["jobs"], 1)
}

func TestHTTPRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	rec := doRequest(router, httptest.NewRequest(http.MethodGet, "/api/jobs", nil), "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])
}

func TestHTTPSubmitRejections(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	ctx := context.Background()

	_, err := env.ledger.EnsureAccount(ctx, ledger.Account{ID: "broke", Tier: "STARTER", MonthlyAllotment: 100})
	require.NoError(t, err)
	_, err = env.ledger.TryDeduct(ctx, "broke", 100)
	require.NoError(t, err)

	tests := []struct {
		name      string
		account   string
		tier      string
		operation string
		files     map[string][]byte
		want      int
		code      string
	}{
		{name: "unknown operation", account: "acct-1", tier: "PRO", operation: "ocr",
			files: map[string][]byte{"a.pdf": pdfBytes(100)}, want: http.StatusBadRequest, code: "INVALID_OPTIONS"},
		{name: "operation not in plan", account: "acct-1", tier: "FREE", operation: "sign",
			files: map[string][]byte{"a.pdf": pdfBytes(100)}, want: http.StatusForbidden, code: CodeOperationNotAllowed},
		{name: "too large", account: "acct-1", tier: "FREE", operation: "compress",
			files: map[string][]byte{"a.pdf": pdfBytes(11 << 20)}, want: http.StatusRequestEntityTooLarge, code: CodeFileTooLarge},
		{name: "not a pdf", account: "acct-1", tier: "FREE", operation: "compress",
			files: map[string][]byte{"a.pdf": []byte("plain text")}, want: http.StatusBadRequest, code: CodeInvalidFileType},
		{name: "no credits", account: "broke", tier: "STARTER", operation: "compress",
			files: map[string][]byte{"a.pdf": pdfBytes(100)}, want: http.StatusPaymentRequired, code: CodeInsufficientCredits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tt.operation, "", tt.files)
			req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
			req.Header.Set("Content-Type", contentType)
			rec := doRequest(router, req, tt.account, tt.tier)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody(t, rec)["code"])
		})
	}
}

func TestHTTPCancel(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	view := env.submit(t, compressRequest("acct-1", entitlement.TierStarter, 1024))

	rec := doRequest(router, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+view.JobID, nil), "acct-2", "STARTER")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeBody(t, rec)["code"])

	rec = doRequest(router, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+view.JobID, nil), "acct-1", "STARTER")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decodeBody(t, rec)["status"])

	rec = doRequest(router, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+view.JobID, nil), "acct-1", "STARTER")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_ALREADY_FINISHED", decodeBody(t, rec)["code"])
}

func TestHTTPAccount(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	rec := doRequest(router, httptest.NewRequest(http.MethodGet, "/api/account", nil), "acct-1", "PRO")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1000, body["available"])
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       int
		code       string
		retryAfter string
	}{
		{name: "rate limited", err: &AdmissionError{Kind: KindRateLimited, Code: CodeRateLimited, RetryAfter: 42e9},
			want: http.StatusTooManyRequests, code: CodeRateLimited, retryAfter: "42"},
		{name: "too many active", err: &AdmissionError{Kind: KindRateLimited, Code: CodeTooManyActiveJobs},
			want: http.StatusTooManyRequests, code: CodeTooManyActiveJobs},
		{name: "inactive", err: &AdmissionError{Kind: KindEntitlementDenied, Code: CodeAccountInactive},
			want: http.StatusForbidden, code: CodeAccountInactive},
		{name: "unavailable", err: &UnavailableError{Op: "credit ledger", Err: errors.New("down")},
			want: http.StatusServiceUnavailable, code: CodeServiceUnavailable, retryAfter: "1"},
		{name: "expired", err: ErrResultExpired, want: http.StatusGone, code: "JOB_RESULT_EXPIRED"},
		{name: "internal", err: errors.New("boom"), want: http.StatusInternalServerError, code: CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			respondWithError(c, tt.err)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.code, decodeBody(t, rec)["code"])
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}
