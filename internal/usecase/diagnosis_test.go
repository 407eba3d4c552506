package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/renal-scan/internal/logging"
	"github.com/Brownie44l1/renal-scan/internal/model"
	"github.com/Brownie44l1/renal-scan/internal/preprocess"
	"github.com/Brownie44l1/renal-scan/internal/repository"
)

// meanClassifier scores the mean intensity with a single sigmoid-style output.
type meanClassifier struct {
	calls   int
	err     error
	tensors []*preprocess.Tensor
}

func (m *meanClassifier) Classify(ctx context.Context, tensor *preprocess.Tensor) (*model.Prediction, error) {
	m.calls++
	m.tensors = append(m.tensors, tensor)
	if m.err != nil {
		return nil, m.err
	}
	if err := model.CheckShape([]int64{1, 224, 224, 3}, tensor); err != nil {
		return nil, err
	}
	var sum float32
	for _, v := range tensor.Data {
		sum += v
	}
	return model.Decide(model.RuleThreshold, model.DefaultClasses, []float32{sum / float32(len(tensor.Data))})
}

type stubCache struct {
	values  map[string][]byte
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string][]byte{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) ([]byte, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return value, nil
}

type stubRepository struct {
	savedLogs []*repository.DiagnosisLog
	saveErr   error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.DiagnosisLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.DiagnosisLog, error) {
	for _, log := range s.savedLogs {
		if log.RequestID == requestID {
			return log, nil
		}
	}
	return nil, repository.ErrNotFound
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func scanPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func newUseCase(classifier Classifier, cache Cache, repo DiagnosisRepository) *DiagnosisUseCase {
	uc := NewDiagnosisUseCase(classifier, preprocess.New(224), cache, repo, time.Minute, zap.NewNop())
	uc.retry = fastPolicy(3)
	return uc
}

func TestDiagnoseBlackAndWhite(t *testing.T) {
	uc := newUseCase(&meanClassifier{}, nil, nil)

	black, err := uc.Diagnose(context.Background(), Upload{Filename: "black.png", Data: scanPNG(t, 64, 64, color.Black)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if black.Prediction.Class != model.ClassNoDisease {
		t.Fatalf("expected class 0 for black image, got %d", black.Prediction.Class)
	}

	white, err := uc.Diagnose(context.Background(), Upload{Filename: "white.png", Data: scanPNG(t, 512, 512, color.White)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if white.Prediction.Class != model.ClassDisease {
		t.Fatalf("expected class 1 for white image, got %d", white.Prediction.Class)
	}
	if white.RequestID == "" || white.RequestID == black.RequestID {
		t.Fatalf("expected distinct request ids, got %q and %q", black.RequestID, white.RequestID)
	}
}

func TestDiagnoseIsIdempotent(t *testing.T) {
	classifier := &meanClassifier{}
	uc := newUseCase(classifier, nil, nil)
	data := scanPNG(t, 300, 200, color.RGBA{R: 200, G: 120, B: 40, A: 255})

	first, err := uc.Diagnose(context.Background(), Upload{Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := uc.Diagnose(context.Background(), Upload{Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Prediction.Class != second.Prediction.Class {
		t.Fatalf("expected identical labels, got %d and %d", first.Prediction.Class, second.Prediction.Class)
	}
	if first.Hash != second.Hash {
		t.Fatalf("expected identical hashes")
	}
}

func TestDiagnoseRejectsNonImage(t *testing.T) {
	classifier := &meanClassifier{}
	uc := newUseCase(classifier, nil, nil)

	_, err := uc.Diagnose(context.Background(), Upload{Filename: "notes.txt", Data: []byte("not an image")})
	if !errors.Is(err, preprocess.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.preprocess" {
		t.Fatalf("expected preprocess OperationError, got %v", err)
	}
	if classifier.calls != 0 {
		t.Fatalf("classifier should not run on decode failure")
	}
}

func TestDiagnoseWrapsClassifierFailure(t *testing.T) {
	uc := newUseCase(&meanClassifier{err: model.ErrShapeMismatch}, nil, nil)

	_, err := uc.Diagnose(context.Background(), Upload{Data: scanPNG(t, 10, 10, color.White)})
	if !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestDiagnoseUsesCacheOnRepeat(t *testing.T) {
	classifier := &meanClassifier{}
	cache := newStubCache()
	uc := newUseCase(classifier, cache, nil)
	data := scanPNG(t, 32, 32, color.White)

	first, err := uc.Diagnose(context.Background(), Upload{Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := uc.Diagnose(context.Background(), Upload{Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if classifier.calls != 1 {
		t.Fatalf("expected one inference call, got %d", classifier.calls)
	}
	if first.Cached || !second.Cached {
		t.Fatalf("expected only the second diagnosis to be cached")
	}
	if second.Prediction.Class != first.Prediction.Class || second.Prediction.Label != first.Prediction.Label {
		t.Fatalf("cached prediction differs: %+v vs %+v", second.Prediction, first.Prediction)
	}

	var stored model.Prediction
	if err := json.Unmarshal(cache.values[first.Hash], &stored); err != nil {
		t.Fatalf("cached value is not json: %v", err)
	}
}

func TestDiagnoseRetriesTransientCacheErrors(t *testing.T) {
	classifier := &meanClassifier{}
	cache := newStubCache()
	cache.getErrs = []error{transientRedisError{}}
	cache.setErrs = []error{transientRedisError{}}
	uc := newUseCase(classifier, cache, nil)

	if _, err := uc.Diagnose(context.Background(), Upload{Data: scanPNG(t, 8, 8, color.Black)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cache.getKeys) != 2 {
		t.Fatalf("expected get to be retried once, got %d calls", len(cache.getKeys))
	}
	if len(cache.setKeys) != 2 {
		t.Fatalf("expected set to be retried once, got %d calls", len(cache.setKeys))
	}
}

func TestDiagnoseSurvivesCacheOutage(t *testing.T) {
	cache := newStubCache()
	cache.getErrs = []error{errors.New("connection refused")}
	cache.setErrs = []error{errors.New("connection refused")}
	uc := newUseCase(&meanClassifier{}, cache, nil)

	if _, err := uc.Diagnose(context.Background(), Upload{Data: scanPNG(t, 8, 8, color.Black)}); err != nil {
		t.Fatalf("cache failures should not fail the request: %v", err)
	}
}

func TestDiagnoseSavesHistory(t *testing.T) {
	repo := &stubRepository{}
	uc := newUseCase(&meanClassifier{}, nil, repo)

	diagnosis, err := uc.Diagnose(context.Background(), Upload{Filename: "scan.png", Data: scanPNG(t, 16, 16, color.White)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected one saved log, got %d", len(repo.savedLogs))
	}

	log, err := uc.GetResult(context.Background(), diagnosis.RequestID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Filename != "scan.png" || log.Class != diagnosis.Prediction.Class || log.Format != "png" {
		t.Fatalf("unexpected log %+v", log)
	}
}

func TestDiagnoseIgnoresHistoryFailure(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := newUseCase(&meanClassifier{}, nil, repo)

	if _, err := uc.Diagnose(context.Background(), Upload{Data: scanPNG(t, 16, 16, color.White)}); err != nil {
		t.Fatalf("history failures should not fail the request: %v", err)
	}
}

func TestGetResultWithoutHistory(t *testing.T) {
	uc := newUseCase(&meanClassifier{}, nil, nil)
	if _, err := uc.GetResult(context.Background(), "req"); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}

func TestClassifyTensor(t *testing.T) {
	uc := newUseCase(&meanClassifier{}, nil, nil)

	tensor := &preprocess.Tensor{Shape: []int64{1, 224, 224, 3}, Data: make([]float32, 224*224*3)}
	pred, err := uc.ClassifyTensor(context.Background(), tensor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pred.Class != model.ClassNoDisease {
		t.Fatalf("expected class 0, got %d", pred.Class)
	}

	_, err = uc.ClassifyTensor(context.Background(), &preprocess.Tensor{Shape: []int64{1, 2}, Data: []float32{0, 0}})
	if !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestDiagnoseDoesNotRetryCacheMiss(t *testing.T) {
	cache := newStubCache()
	uc := newUseCase(&meanClassifier{}, cache, nil)

	if _, err := uc.Diagnose(context.Background(), Upload{Data: scanPNG(t, 8, 8, color.White)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cache.getKeys) != 1 {
		t.Fatalf("a miss should be read once, got %d calls", len(cache.getKeys))
	}
}
