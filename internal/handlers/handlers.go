package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/renal-scan/internal/model"
	"github.com/Brownie44l1/renal-scan/internal/preprocess"
	"github.com/Brownie44l1/renal-scan/internal/repository"
	"github.com/Brownie44l1/renal-scan/internal/usecase"
	"github.com/Brownie44l1/renal-scan/internal/web"
)

const (
	VerdictHealthy  = "No signs of Kidney Disease detected."
	VerdictDiseased = "Possible Kidney Disease identified. Please consult a doctor."
)

var allowedContentTypes = map[string]bool{
	"image/jpeg":               true,
	"image/jpg":                true,
	"image/png":                true,
	"application/octet-stream": true,
}

// ModelInfo describes the loaded artifact for /health and raw tensor input.
type ModelInfo struct {
	Name       string
	InputShape []int64
	Rule       model.DecisionRule
}

type Handler struct {
	uc             *usecase.DiagnosisUseCase
	info           ModelInfo
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewHandler(uc *usecase.DiagnosisUseCase, info ModelInfo, maxUploadBytes int64, logger *zap.Logger) *Handler {
	return &Handler{
		uc:             uc,
		info:           info,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.Named("handlers"),
	}
}

// Register wires the HTTP handlers and page templates to the Gin router.
func (h *Handler) Register(router *gin.Engine) {
	router.SetHTMLTemplate(web.Templates())

	router.GET("/health", h.Health)
	router.GET("/", h.Index)
	router.POST("/", h.DiagnosePage)
	router.POST("/predict", h.Predict)
	router.POST("/predict/image", h.PredictFromImage)
	router.GET("/result/:id", h.Result)
}

type pageData struct {
	Image     template.URL
	Verdict   string
	Diseased  bool
	RequestID string
	Error     string
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"model":       h.info.Name,
		"rule":        h.info.Rule.String(),
		"input_shape": h.info.InputShape,
	})
}

func (h *Handler) Index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", pageData{})
}

// DiagnosePage handles the form post from the upload page.
func (h *Handler) DiagnosePage(c *gin.Context) {
	upload, status, msg := h.readUpload(c)
	if status != 0 {
		c.HTML(status, "index.html", pageData{Error: msg})
		return
	}

	diagnosis, err := h.uc.Diagnose(c.Request.Context(), upload)
	if err != nil {
		status, msg := diagnoseError(err)
		c.HTML(status, "index.html", pageData{Error: msg})
		return
	}

	src, err := web.DataURI(diagnosis.Image)
	if err != nil {
		h.logger.Error("failed to encode display image", zap.String("request_id", diagnosis.RequestID), zap.Error(err))
		c.HTML(http.StatusInternalServerError, "index.html", pageData{Error: "Failed to render image"})
		return
	}

	c.HTML(http.StatusOK, "index.html", pageData{
		Image:     src,
		Verdict:   Verdict(diagnosis.Prediction),
		Diseased:  diagnosis.Prediction.Diseased(),
		RequestID: diagnosis.RequestID,
	})
}

func (h *Handler) PredictFromImage(c *gin.Context) {
	upload, status, msg := h.readUpload(c)
	if status != 0 {
		c.JSON(status, gin.H{"error": msg})
		return
	}

	diagnosis, err := h.uc.Diagnose(c.Request.Context(), upload)
	if err != nil {
		status, msg := diagnoseError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": diagnosis.RequestID,
		"class":      diagnosis.Prediction.Class,
		"label":      diagnosis.Prediction.Label,
		"verdict":    Verdict(diagnosis.Prediction),
		"rule":       diagnosis.Prediction.Rule,
		"outputs":    diagnosis.Prediction.Outputs,
		"cached":     diagnosis.Cached,
	})
}

// Predict classifies a raw tensor that the client already preprocessed.
func (h *Handler) Predict(c *gin.Context) {
	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	expectedSize := preprocess.ShapeSize(h.info.InputShape)
	if len(req.Image) != expectedSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image))})
		return
	}

	prediction, err := h.uc.ClassifyTensor(c.Request.Context(), &preprocess.Tensor{Shape: h.info.InputShape, Data: req.Image})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Prediction failed"})
		return
	}

	c.JSON(http.StatusOK, prediction)
}

func (h *Handler) Result(c *gin.Context) {
	log, err := h.uc.GetResult(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": "prediction history is disabled"})
		return
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	case err != nil:
		h.logger.Error("failed to load result", zap.String("request_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": log.RequestID,
		"filename":   log.Filename,
		"format":     log.Format,
		"class":      log.Class,
		"label":      log.Label,
		"rule":       log.Rule,
		"sha1_hash":  log.SHA1Hash,
		"created_at": log.CreatedAt,
	})
}

// Verdict is the user-facing sentence for a prediction.
func Verdict(p *model.Prediction) string {
	if p.Diseased() {
		return VerdictDiseased
	}
	return VerdictHealthy
}

// readUpload pulls the "image" form file. A non-zero status means the
// request was rejected with msg.
func (h *Handler) readUpload(c *gin.Context) (usecase.Upload, int, string) {
	file, err := c.FormFile("image")
	if err != nil {
		return usecase.Upload{}, http.StatusBadRequest, "No image file provided. Use 'image' as the form field name"
	}

	if file.Size > h.maxUploadBytes {
		return usecase.Upload{}, http.StatusRequestEntityTooLarge, fmt.Sprintf("Image too large (max %d bytes)", h.maxUploadBytes)
	}

	if !allowedContentType(file) {
		return usecase.Upload{}, http.StatusUnsupportedMediaType, "Unsupported file type. Supported: JPEG, PNG"
	}

	src, err := file.Open()
	if err != nil {
		return usecase.Upload{}, http.StatusBadRequest, "Unable to open image"
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return usecase.Upload{}, http.StatusInternalServerError, "Failed to read image"
	}

	h.logger.Debug("received file", zap.String("filename", file.Filename), zap.Int64("size", file.Size))
	return usecase.Upload{Filename: file.Filename, Data: data}, 0, ""
}

func allowedContentType(file *multipart.FileHeader) bool {
	contentType := strings.ToLower(strings.TrimSpace(file.Header.Get("Content-Type")))
	if contentType == "" {
		return true
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return allowedContentTypes[contentType]
}

func diagnoseError(err error) (int, string) {
	if errors.Is(err, preprocess.ErrImageTooLarge) {
		return http.StatusRequestEntityTooLarge, "Image dimensions too large"
	}
	if errors.Is(err, preprocess.ErrDecode) || errors.Is(err, preprocess.ErrUnsupportedFormat) {
		return http.StatusBadRequest, "Invalid image format. Supported: JPEG, PNG"
	}
	return http.StatusInternalServerError, "Prediction failed"
}
