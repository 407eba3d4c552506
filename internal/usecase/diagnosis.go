package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/renal-scan/internal/logging"
	"github.com/Brownie44l1/renal-scan/internal/model"
	"github.com/Brownie44l1/renal-scan/internal/preprocess"
	"github.com/Brownie44l1/renal-scan/internal/repository"
)

var ErrHistoryDisabled = errors.New("prediction history is not enabled")

// Classifier runs inference on a preprocessed tensor.
type Classifier interface {
	Classify(ctx context.Context, tensor *preprocess.Tensor) (*model.Prediction, error)
}

// DiagnosisRepository defines the persistence operations needed by the use case.
type DiagnosisRepository interface {
	SaveLog(ctx context.Context, log *repository.DiagnosisLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.DiagnosisLog, error)
}

// Upload is one user submission.
type Upload struct {
	Filename string
	Data     []byte
}

// Diagnosis is the outcome rendered back to the user.
type Diagnosis struct {
	RequestID  string
	Prediction *model.Prediction
	Image      image.Image
	Format     string
	Hash       string
	Cached     bool
}

// DiagnosisUseCase chains preprocessing and classification. Cache and
// repository are optional and may be nil.
type DiagnosisUseCase struct {
	classifier     Classifier
	preprocessor   *preprocess.Preprocessor
	cache          Cache
	repo           DiagnosisRepository
	cacheTTL       time.Duration
	logger         *zap.Logger
	retry          retryPolicy
}

// NewDiagnosisUseCase constructs a new use case instance.
func NewDiagnosisUseCase(classifier Classifier, preprocessor *preprocess.Preprocessor, cache Cache, repo DiagnosisRepository, cacheTTL time.Duration, logger *zap.Logger) *DiagnosisUseCase {
	return &DiagnosisUseCase{
		classifier:     classifier,
		preprocessor:   preprocessor,
		cache:          cache,
		repo:           repo,
		cacheTTL:       cacheTTL,
		logger:         logger.Named("diagnosis_usecase"),
		retry:          defaultRetryPolicy,
	}
}

// Diagnose preprocesses the upload and classifies it.
func (uc *DiagnosisUseCase) Diagnose(ctx context.Context, upload Upload) (*Diagnosis, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.diagnose", requestID)

	processed, err := uc.preprocessor.Process(upload.Data)
	if err != nil {
		wrapped := logging.Wrap("usecase.preprocess", requestID, err)
		uc.logger.Info("upload rejected", append(logging.ErrorFields(wrapped), zap.String("filename", upload.Filename))...)
		return nil, wrapped
	}

	sum := sha1.Sum(upload.Data)
	hash := hex.EncodeToString(sum[:])

	diagnosis := &Diagnosis{
		RequestID: requestID,
		Image:     processed.Image,
		Format:    processed.Format,
		Hash:      hash,
	}

	if cached, ok := uc.lookupCache(ctx, requestID, hash); ok {
		diagnosis.Prediction = cached
		diagnosis.Cached = true
	} else {
		prediction, err := uc.classifier.Classify(ctx, processed.Tensor)
		if err != nil {
			wrapped := logging.Wrap("usecase.classify", requestID, err)
			uc.logger.Error("classification failed", logging.ErrorFields(wrapped)...)
			return nil, wrapped
		}
		diagnosis.Prediction = prediction
		uc.storeCache(ctx, requestID, hash, prediction)
	}

	uc.saveHistory(ctx, upload, diagnosis)

	opLogger.Info("diagnosis complete",
		zap.String("filename", upload.Filename),
		zap.String("format", processed.Format),
		zap.Int("class", diagnosis.Prediction.Class),
		zap.String("label", diagnosis.Prediction.Label),
		zap.Bool("cached", diagnosis.Cached))
	return diagnosis, nil
}

// ClassifyTensor classifies an already preprocessed tensor.
func (uc *DiagnosisUseCase) ClassifyTensor(ctx context.Context, tensor *preprocess.Tensor) (*model.Prediction, error) {
	requestID := uuid.NewString()
	prediction, err := uc.classifier.Classify(ctx, tensor)
	if err != nil {
		wrapped := logging.Wrap("usecase.classify_tensor", requestID, err)
		uc.logger.Error("classification failed", logging.ErrorFields(wrapped)...)
		return nil, wrapped
	}
	return prediction, nil
}

// GetResult loads a stored diagnosis.
func (uc *DiagnosisUseCase) GetResult(ctx context.Context, requestID string) (*repository.DiagnosisLog, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	return uc.repo.FindByRequestID(ctx, requestID)
}

func (uc *DiagnosisUseCase) lookupCache(ctx context.Context, requestID, hash string) (*model.Prediction, bool) {
	if uc.cache == nil {
		return nil, false
	}

	opLogger := logging.WithOperation(uc.logger, "cache.get", requestID)

	var value []byte
	err := uc.retry.do(ctx, opLogger, func() error {
		var err error
		value, err = uc.cache.Get(ctx, hash)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var prediction model.Prediction
	if err := json.Unmarshal(value, &prediction); err != nil {
		opLogger.Warn("failed to decode cached prediction", zap.Error(err))
		return nil, false
	}
	return &prediction, true
}

func (uc *DiagnosisUseCase) storeCache(ctx context.Context, requestID, hash string, prediction *model.Prediction) {
	if uc.cache == nil {
		return
	}

	opLogger := logging.WithOperation(uc.logger, "cache.set", requestID)

	serialized, err := json.Marshal(prediction)
	if err != nil {
		opLogger.Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	if err := uc.retry.do(ctx, opLogger, func() error {
		return uc.cache.Set(ctx, hash, serialized, uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache prediction", zap.Error(err))
	}
}

func (uc *DiagnosisUseCase) saveHistory(ctx context.Context, upload Upload, diagnosis *Diagnosis) {
	if uc.repo == nil {
		return
	}

	outputs, err := json.Marshal(diagnosis.Prediction.Outputs)
	if err != nil {
		outputs = []byte("[]")
	}
	log := &repository.DiagnosisLog{
		RequestID: diagnosis.RequestID,
		SHA1Hash:  diagnosis.Hash,
		Filename:  upload.Filename,
		Format:    diagnosis.Format,
		Class:     diagnosis.Prediction.Class,
		Label:     diagnosis.Prediction.Label,
		Rule:      diagnosis.Prediction.Rule,
		Outputs:   string(outputs),
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		uc.logger.Error("failed to persist diagnosis", logging.ErrorFields(logging.Wrap("usecase.save_log", diagnosis.RequestID, err))...)
	}
}
