package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdx-api/internal/imagedecode"
	"github.com/Brownie44l1/leafdx-api/internal/logging"
	"github.com/Brownie44l1/leafdx-api/internal/model"
	"github.com/Brownie44l1/leafdx-api/internal/preprocess"
	"github.com/Brownie44l1/leafdx-api/internal/service"
	"github.com/Brownie44l1/leafdx-api/internal/tensor"
)

type stubService struct {
	result   *service.Result
	err      error
	loaded   bool
	lastRaw  imagedecode.RawImage
	lastSrc  string
	lastT    *tensor.Tensor
	getErr   error
	recent   []service.Result
	lastN    int
	diagnose int
	count    int
	countErr error
}

func (s *stubService) Diagnose(ctx context.Context, raw imagedecode.RawImage, source string) (*service.Result, error) {
	s.diagnose++
	s.lastRaw = raw
	s.lastSrc = source
	return s.result, s.err
}

func (s *stubService) DiagnoseTensor(ctx context.Context, t *tensor.Tensor) (*service.Result, error) {
	s.lastT = t
	return s.result, s.err
}

func (s *stubService) GetResult(ctx context.Context, requestID string) (*service.Result, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.result, nil
}

func (s *stubService) Recent(ctx context.Context, limit int) ([]service.Result, error) {
	s.lastN = limit
	return s.recent, nil
}

func (s *stubService) HistoryCount(ctx context.Context) (int, error) {
	return s.count, s.countErr
}

func (s *stubService) ModelLoaded() bool { return s.loaded }

func okResult() *service.Result {
	return &service.Result{
		RequestID: "req-1",
		Record:    diagnosis.Record{Name: "Early Blight", ClassIndex: 1, Confidence: 0.9, Known: true},
	}
}

func newTestRouter(svc Service, opts ...Option) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	router.Use(CORS())
	NewHandler(svc, diagnosis.DefaultLabelTable(), zap.NewNop(), opts...).RegisterRoutes(router)
	return router
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func jsonRequest(t *testing.T, method, path string, v interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		svc     *stubService
		entries *int
	}{
		{"with history", &stubService{loaded: true, count: 4}, intPtr(4)},
		{"history disabled", &stubService{loaded: true, countErr: service.ErrNoHistory}, nil},
		{"history failing", &stubService{loaded: true, countErr: errors.New("locked")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(newTestRouter(tt.svc), httptest.NewRequest(http.MethodGet, "/health", nil))
			if resp.Code != http.StatusOK {
				t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
			}
			var body struct {
				Status         string `json:"status"`
				ModelLoaded    bool   `json:"model_loaded"`
				HistoryEntries *int   `json:"history_entries"`
			}
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body.Status != "healthy" || !body.ModelLoaded {
				t.Fatalf("unexpected body %s", resp.Body.String())
			}
			if (tt.entries == nil) != (body.HistoryEntries == nil) ||
				(tt.entries != nil && *tt.entries != *body.HistoryEntries) {
				t.Fatalf("unexpected history_entries in %s", resp.Body.String())
			}
		})
	}
}

func intPtr(n int) *int { return &n }

func TestLabels(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/labels", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var body struct {
		Count  int               `json:"count"`
		Labels []diagnosis.Label `json:"labels"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Count != diagnosis.DefaultLabelTable().Len() || len(body.Labels) != body.Count {
		t.Fatalf("unexpected label payload %s", resp.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := serve(router, httptest.NewRequest(http.MethodOptions, "/predict", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestPredictJSON(t *testing.T) {
	svc := &stubService{result: okResult()}
	router := newTestRouter(svc)

	resp := serve(router, jsonRequest(t, http.MethodPost, "/predict", PredictionRequest{Image: "data:image/png;base64,AAAA", Encoding: "data_url"}))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if svc.lastRaw.Encoding != imagedecode.EncodingDataURL || svc.lastSrc != "json" {
		t.Fatalf("unexpected raw image %+v from %s", svc.lastRaw.Encoding, svc.lastSrc)
	}
	var got service.Result
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.RequestID != "req-1" || got.Record.Name != "Early Blight" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestPredictJSONRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{"missing image", map[string]string{"encoding": "base64"}},
		{"binary encoding", PredictionRequest{Image: "abc", Encoding: "binary"}},
		{"unknown encoding", PredictionRequest{Image: "abc", Encoding: "hex"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{result: okResult()}
			resp := serve(newTestRouter(svc), jsonRequest(t, http.MethodPost, "/predict", tt.body))
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
			}
			if svc.diagnose != 0 {
				t.Fatal("service must not be called for invalid requests")
			}
		})
	}
}

func TestPredictMapsPipelineErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{imagedecode.ErrDecode, http.StatusBadRequest},
		{preprocess.ErrPreprocess, http.StatusUnprocessableEntity},
		{&model.ShapeError{Want: []int64{1, 224, 224, 3}, Got: []int64{1, 3, 224, 224}}, http.StatusUnprocessableEntity},
		{model.ErrModelLoad, http.StatusServiceUnavailable},
		{model.ErrInference, http.StatusInternalServerError},
		{context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ctx := logging.WithRequestID(context.Background(), "req-9")
			wrapped := logging.Wrap(ctx, "pipeline.stage", fmt.Errorf("stage: %w", tt.err))
			resp := serve(newTestRouter(&stubService{err: wrapped}),
				jsonRequest(t, http.MethodPost, "/predict", PredictionRequest{Image: "AAAA"}))
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body["request_id"] != "req-9" {
				t.Fatalf("expected request id in error body, got %v", body)
			}
		})
	}
}

func TestPredictImage(t *testing.T) {
	svc := &stubService{result: okResult()}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)

	resp := serve(router, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if svc.lastRaw.Encoding != imagedecode.EncodingBinary || svc.lastSrc != "upload" {
		t.Fatalf("unexpected raw image encoding %q source %q", svc.lastRaw.Encoding, svc.lastSrc)
	}
}

func TestPredictImageSniffsOctetStream(t *testing.T) {
	svc := &stubService{result: okResult()}
	body, contentType := buildMultipartBody(t, "application/octet-stream", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)

	if resp := serve(newTestRouter(svc), req); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
}

func TestPredictImageRejectsLargeUpload(t *testing.T) {
	svc := &stubService{result: okResult()}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)

	resp := serve(router, req)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if svc.diagnose != 0 {
		t.Fatal("service must not be called for oversized uploads")
	}
}

func TestPredictImageRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubService{result: okResult()})

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)

	resp := serve(router, req)
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestPredictImageMissingField(t *testing.T) {
	router := newTestRouter(&stubService{result: okResult()})

	req := httptest.NewRequest(http.MethodPost, "/predict/image", bytes.NewReader(nil))
	resp := serve(router, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestPredictTensor(t *testing.T) {
	svc := &stubService{result: okResult()}
	router := newTestRouter(svc, WithTensorShape([]int64{1, 2, 2, 3}))

	data := make([]float32, 12)
	resp := serve(router, jsonRequest(t, http.MethodPost, "/predict/tensor", TensorRequest{Data: data}))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if svc.lastT == nil || tensor.ShapeString(svc.lastT.Shape) != "1x2x2x3" {
		t.Fatalf("expected default shape to be applied, got %+v", svc.lastT)
	}

	resp = serve(router, jsonRequest(t, http.MethodPost, "/predict/tensor", TensorRequest{Shape: []int64{1, 2, 2, 3}, Data: data[:5]}))
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d for short data, got %d", http.StatusUnprocessableEntity, resp.Code)
	}

	data[0] = 2
	resp = serve(router, jsonRequest(t, http.MethodPost, "/predict/tensor", TensorRequest{Data: data}))
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d for out-of-range data, got %d", http.StatusUnprocessableEntity, resp.Code)
	}
}

func TestPredictTensorRejectsOversizedBody(t *testing.T) {
	svc := &stubService{result: okResult()}
	router := newTestRouter(svc, WithTensorShape([]int64{1, 2, 2, 3}))

	data := make([]float32, 12)
	for i := range data {
		data[i] = 0.123456789
	}
	resp := serve(router, jsonRequest(t, http.MethodPost, "/predict/tensor", TensorRequest{Data: data}))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected a full-precision tensor to fit, got %d: %s", resp.Code, resp.Body.String())
	}

	huge := make([]float32, multipartOverhead)
	svc.lastT = nil
	resp = serve(router, jsonRequest(t, http.MethodPost, "/predict/tensor", TensorRequest{Shape: []int64{1, int64(len(huge))}, Data: huge}))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if svc.lastT != nil {
		t.Fatal("service must not be called for oversized tensors")
	}
}

func TestTensorBodyLimit(t *testing.T) {
	if got := tensorBodyLimit([]int64{1, 224, 224, 3}, MaxUploadSize); got != 224*224*3*bytesPerElement+multipartOverhead {
		t.Fatalf("unexpected limit %d", got)
	}
	if got := tensorBodyLimit([]int64{-1, 224, 224, 3}, MaxUploadSize); got != MaxUploadSize+multipartOverhead {
		t.Fatalf("dynamic shapes must fall back to the upload limit, got %d", got)
	}
}

func TestServerErrorsHideDetails(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"model load", fmt.Errorf("%w: open /srv/models/leaf.onnx: no such file", model.ErrModelLoad), "model unavailable"},
		{"timeout", fmt.Errorf("run /srv/models/leaf.onnx: %w", context.DeadlineExceeded), "diagnosis timed out"},
		{"cancelled", fmt.Errorf("run /srv/models/leaf.onnx: %w", context.Canceled), "request cancelled"},
		{"inference", fmt.Errorf("%w: /srv/lib/onnxruntime.so crashed", model.ErrInference), "diagnosis failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(newTestRouter(&stubService{err: tt.err}),
				jsonRequest(t, http.MethodPost, "/predict", PredictionRequest{Image: "AAAA"}))
			if resp.Code < http.StatusInternalServerError {
				t.Fatalf("expected a server error, got %d", resp.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body["error"] != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, body["error"])
			}
			if bytes.Contains(resp.Body.Bytes(), []byte("/srv/")) {
				t.Fatalf("response leaks internal paths: %s", resp.Body.String())
			}
		})
	}
}

func TestResult(t *testing.T) {
	tests := []struct {
		name   string
		svc    *stubService
		status int
	}{
		{"found", &stubService{result: okResult()}, http.StatusOK},
		{"processing", &stubService{getErr: service.ErrProcessing}, http.StatusAccepted},
		{"missing", &stubService{getErr: service.ErrNotFound}, http.StatusNotFound},
		{"store failure", &stubService{getErr: errors.New("locked")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(newTestRouter(tt.svc), httptest.NewRequest(http.MethodGet, "/result/req-1", nil))
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.Code)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	svc := &stubService{recent: []service.Result{*okResult()}}
	router := newTestRouter(svc)

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/history?limit=5", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if svc.lastN != 5 {
		t.Fatalf("expected limit 5, got %d", svc.lastN)
	}

	resp = serve(router, httptest.NewRequest(http.MethodGet, "/history?limit=abc", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestStatusForUnknownError(t *testing.T) {
	if got := StatusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
	if got := StatusFor(fmt.Errorf("wrapped: %w", tensor.ErrInvalid)); got != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", got)
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger(zap.New(core)))
	NewHandler(&stubService{}, diagnosis.DefaultLabelTable(), zap.NewNop()).RegisterRoutes(router)

	serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/history?limit=x", nil))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 access log entries, got %d", len(entries))
	}
	if entries[0].Level != zap.InfoLevel || entries[1].Level != zap.WarnLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
	if entries[0].ContextMap()["path"] != "/health" {
		t.Fatalf("unexpected path field %v", entries[0].ContextMap()["path"])
	}
}
