package handlers

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdx-api/internal/imagedecode"
	"github.com/Brownie44l1/leafdx-api/internal/logging"
	"github.com/Brownie44l1/leafdx-api/internal/model"
	"github.com/Brownie44l1/leafdx-api/internal/preprocess"
	"github.com/Brownie44l1/leafdx-api/internal/service"
	"github.com/Brownie44l1/leafdx-api/internal/tensor"
)

// MaxUploadSize is the default limit for uploaded image files.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form boundaries and headers.
const multipartOverhead = 1 << 20

// bytesPerElement bounds the JSON text of one float32 in a tensor request,
// digits plus separator and exponent.
const bytesPerElement = 24

// Service is the diagnosis API consumed by the handlers.
type Service interface {
	Diagnose(ctx context.Context, raw imagedecode.RawImage, source string) (*service.Result, error)
	DiagnoseTensor(ctx context.Context, t *tensor.Tensor) (*service.Result, error)
	GetResult(ctx context.Context, requestID string) (*service.Result, error)
	Recent(ctx context.Context, limit int) ([]service.Result, error)
	HistoryCount(ctx context.Context) (int, error)
	ModelLoaded() bool
}

type Handler struct {
	svc           Service
	labels        *diagnosis.LabelTable
	logger        *zap.Logger
	maxUploadSize int64
	tensorShape   []int64
	maxTensorBody int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxUploadSize sets the upload limit in bytes.
func WithMaxUploadSize(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUploadSize = n
		}
	}
}

// WithTensorShape sets the shape assumed for tensor requests without one.
func WithTensorShape(shape []int64) Option {
	return func(h *Handler) { h.tensorShape = shape }
}

func NewHandler(svc Service, labels *diagnosis.LabelTable, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		svc:           svc,
		labels:        labels,
		logger:        logger.Named("http"),
		maxUploadSize: MaxUploadSize,
		tensorShape:   []int64{1, preprocess.DefaultSize, preprocess.DefaultSize, 3},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.maxTensorBody = tensorBodyLimit(h.tensorShape, h.maxUploadSize)
	return h
}

// tensorBodyLimit sizes the request body for a tensor of the given shape.
func tensorBodyLimit(shape []int64, fallback int64) int64 {
	n := int64(tensor.Elements(shape))
	if n == 0 || n > (math.MaxInt64-multipartOverhead)/bytesPerElement {
		return fallback + multipartOverhead
	}
	return n*bytesPerElement + multipartOverhead
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/labels", h.Labels)
	router.POST("/predict", h.Predict)
	router.POST("/predict/image", h.PredictFromImage)
	router.POST("/predict/tensor", h.PredictTensor)
	router.GET("/result/:id", h.Result)
	router.GET("/history", h.History)
}

// CORS allows browser clients from any origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":       "healthy",
		"model_loaded": h.svc.ModelLoaded(),
	}
	n, err := h.svc.HistoryCount(c.Request.Context())
	switch {
	case err == nil:
		body["history_entries"] = n
	case !errors.Is(err, service.ErrNoHistory):
		h.logger.Warn("failed to count history", zap.Error(err))
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) Labels(c *gin.Context) {
	labels := h.labels.Labels()
	c.JSON(http.StatusOK, gin.H{"count": len(labels), "labels": labels})
}

// PredictionRequest carries a captured image as text.
type PredictionRequest struct {
	Image    string `json:"image" binding:"required"`
	Encoding string `json:"encoding"`
}

func (h *Handler) Predict(c *gin.Context) {
	// base64 grows the payload by a third
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize*4/3+multipartOverhead)

	var req PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: image is required"})
		return
	}

	enc, err := imagedecode.ParseEncoding(req.Encoding)
	if err != nil || enc == imagedecode.EncodingBinary {
		c.JSON(http.StatusBadRequest, gin.H{"error": "encoding must be base64 or data_url"})
		return
	}

	res, err := h.svc.Diagnose(c.Request.Context(), imagedecode.RawImage{Data: []byte(req.Image), Encoding: enc}, "json")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) PredictFromImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided, use 'image' as the form field name"})
		return
	}
	if file.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	if !isImageContentType(file.Header.Get("Content-Type"), data) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type, upload an image"})
		return
	}

	h.logger.Debug("received upload", zap.String("filename", file.Filename), zap.Int64("size", file.Size))

	res, err := h.svc.Diagnose(c.Request.Context(), imagedecode.RawImage{Data: data, Encoding: imagedecode.EncodingBinary}, "upload")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TensorRequest is a raw model input. Shape defaults to the model input shape.
type TensorRequest struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data" binding:"required"`
}

func (h *Handler) PredictTensor(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxTensorBody)

	var req TensorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "tensor exceeds model input size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: data is required"})
		return
	}
	shape := req.Shape
	if len(shape) == 0 {
		shape = h.tensorShape
	}

	t := &tensor.Tensor{Shape: shape, Data: req.Data}
	if err := t.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.DiagnoseTensor(c.Request.Context(), t)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	res, err := h.svc.GetResult(c.Request.Context(), requestID)
	switch {
	case errors.Is(err, service.ErrProcessing):
		c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "status": "processing"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case err != nil:
		h.writeError(c, err)
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handler) History(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	results, err := h.svc.Recent(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(results), "results": results})
}

// StatusFor maps a pipeline or service error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, imagedecode.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, preprocess.ErrPreprocess),
		errors.Is(err, model.ErrInferenceShape),
		errors.Is(err, tensor.ErrInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrModelLoad):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := gin.H{"error": publicMessage(status, err)}

	if id := logging.RequestIDOf(err); id != "" {
		body["request_id"] = id
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, body)
}

// publicMessage is the error text sent to clients. Server-side failures carry
// only a fixed message; the full error is logged.
func publicMessage(status int, err error) string {
	switch {
	case status < http.StatusInternalServerError:
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "diagnosis timed out"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, model.ErrModelLoad):
		return "model unavailable"
	default:
		return "diagnosis failed"
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func isImageContentType(declared string, data []byte) bool {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if strings.HasPrefix(declared, "image/") {
		return true
	}
	if declared == "" || declared == "application/octet-stream" {
		return strings.HasPrefix(http.DetectContentType(data), "image/")
	}
	return false
}
