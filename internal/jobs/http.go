package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/docforge/internal/pdf"
)

const multipartSlack = 1 << 20

// IdentityFunc はリクエストから認証済みの呼び出し元を取り出します。
type IdentityFunc func(c *gin.Context) (Caller, bool)

// Handler はジョブ API の HTTP ハンドラーです。
type Handler struct {
	manager  *Manager
	identity IdentityFunc
	maxBody  int64
	logger   zerolog.Logger
}

// NewHandler は Handler を作成します。maxBody はアップロード全体の上限です。
func NewHandler(m *Manager, identity IdentityFunc, maxBody int64, logger zerolog.Logger) *Handler {
	return &Handler{manager: m, identity: identity, maxBody: maxBody, logger: logger}
}

// Register は rg 配下にルートを登録します。read は参照系だけに適用するミドルウェアです。
func (h *Handler) Register(rg *gin.RouterGroup, read ...gin.HandlerFunc) {
	withRead := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, read...), handler)
	}
	rg.POST("/jobs", h.Submit)
	rg.GET("/jobs", withRead(h.List)...)
	rg.GET("/jobs/:id", withRead(h.Get)...)
	rg.GET("/jobs/:id/download", withRead(h.Download)...)
	rg.DELETE("/jobs/:id", h.Cancel)
	rg.GET("/account", withRead(h.Account)...)
}

// Submit は POST /jobs のハンドラーです。multipart/form-data で operation、options（JSON）、files を受け取ります。
func (h *Handler) Submit(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	if h.maxBody > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody+multipartSlack)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(c, &AdmissionError{Kind: KindFileTooLarge, Code: CodeFileTooLarge, Message: "アップロードサイズが上限を超えています。"})
			return
		}
		respondWithError(c, &AdmissionError{Kind: KindInvalidOptions, Code: pdf.CodeInvalidInput, Message: "multipart/form-data で送信してください。"})
		return
	}

	op, ok := pdf.ParseOperation(c.PostForm("operation"))
	if !ok {
		respondWithError(c, &AdmissionError{Kind: KindInvalidOptions, Code: pdf.CodeInvalidOptions,
			Message: fmt.Sprintf("operation には %s のいずれかを指定してください。", joinOperations())})
		return
	}

	files := make([]Upload, 0, len(form.File["files"]))
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			respondWithError(c, err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondWithError(c, err)
			return
		}
		files = append(files, Upload{Name: fh.Filename, Data: data})
	}

	var options json.RawMessage
	if raw := strings.TrimSpace(c.PostForm("options")); raw != "" {
		options = json.RawMessage(raw)
	}

	view, err := h.manager.Submit(c.Request.Context(), SubmitRequest{
		Caller:    caller,
		Operation: op,
		Files:     files,
		Options:   options,
	})
	if err != nil {
		h.logError(c, err)
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// List は GET /jobs のハンドラーです。
func (h *Handler) List(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	views, err := h.manager.ListJobs(c.Request.Context(), caller.AccountID, limit)
	if err != nil {
		h.logError(c, err)
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

// Get は GET /jobs/:id のハンドラーです。
func (h *Handler) Get(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	view, err := h.manager.GetJob(c.Request.Context(), caller.AccountID, c.Param("id"))
	if err != nil {
		h.logError(c, err)
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Download は GET /jobs/:id/download のハンドラーです。
func (h *Handler) Download(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	result, err := h.manager.OpenResult(c.Request.Context(), caller.AccountID, c.Param("id"))
	if err != nil {
		h.logError(c, err)
		respondWithError(c, err)
		return
	}

	encodedName := url.PathEscape(result.Filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.Filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", result.JobID)
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

// Cancel は DELETE /jobs/:id のハンドラーです。リース後のジョブは取り消し要求のみ受け付け 202 を返します。
func (h *Handler) Cancel(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	view, err := h.manager.Cancel(c.Request.Context(), caller.AccountID, c.Param("id"))
	if err != nil {
		h.logError(c, err)
		respondWithError(c, err)
		return
	}
	status := http.StatusOK
	if !view.Status.Terminal() {
		status = http.StatusAccepted
	}
	c.JSON(status, view)
}

// Account は GET /account のハンドラーです。
func (h *Handler) Account(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	view, err := h.manager.Account(c.Request.Context(), caller)
	if err != nil {
		h.logError(c, err)
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) caller(c *gin.Context) (Caller, bool) {
	if h.identity != nil {
		if caller, ok := h.identity(c); ok && caller.AccountID != "" {
			return caller, true
		}
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHORIZED",
		"message": "ログインが必要です。",
	})
	return Caller{}, false
}

func (h *Handler) logError(c *gin.Context, err error) {
	var admErr *AdmissionError
	if errors.As(err, &admErr) {
		return
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrResultNotReady) ||
		errors.Is(err, ErrResultExpired) || errors.Is(err, ErrAlreadyFinished) {
		return
	}
	h.logger.Error().Err(err).Str("method", c.Request.Method).Str("path", c.FullPath()).Msg("jobs: request failed")
}

// respondWithError はエラーを HTTP ステータスと {code, message} に変換して返します。
func respondWithError(c *gin.Context, err error) {
	var admErr *AdmissionError
	var unavailErr *UnavailableError
	switch {
	case errors.As(err, &admErr):
		status := http.StatusBadRequest
		switch admErr.Kind {
		case KindRateLimited:
			status = http.StatusTooManyRequests
			if admErr.RetryAfter > 0 {
				c.Header("Retry-After", strconv.FormatInt(int64(admErr.RetryAfter.Seconds()), 10))
			}
		case KindInsufficientCredits:
			status = http.StatusPaymentRequired
		case KindEntitlementDenied:
			status = http.StatusForbidden
		case KindFileTooLarge:
			status = http.StatusRequestEntityTooLarge
		}
		c.AbortWithStatusJSON(status, gin.H{"code": admErr.Code, "message": admErr.Message})
	case errors.As(err, &unavailErr):
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"code":    CodeServiceUnavailable,
			"message": "一時的にリクエストを処理できません。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, ErrResultNotReady):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"code":    "JOB_NOT_COMPLETED",
			"message": "ジョブはまだ完了していません。",
		})
	case errors.Is(err, ErrAlreadyFinished):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"code":    "JOB_ALREADY_FINISHED",
			"message": "ジョブは既に終了しています。",
		})
	case errors.Is(err, ErrResultExpired):
		c.AbortWithStatusJSON(http.StatusGone, gin.H{
			"code":    "JOB_RESULT_EXPIRED",
			"message": "成果物の保存期間が過ぎたため削除されました。",
		})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func joinOperations() string {
	ops := pdf.Operations()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = string(op)
	}
	return strings.Join(names, ", ")
}
