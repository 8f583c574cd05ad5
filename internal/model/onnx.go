package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdx-api/internal/tensor"
)

// ONNXConfig locates the model artifact and the ONNX Runtime library.
type ONNXConfig struct {
	ModelPath    string
	MetadataPath string
	// SharedLibraryPath overrides the platform default onnxruntime library.
	SharedLibraryPath string
	NumThreads        int
}

// ONNXLoader loads a classifier with ONNX Runtime.
type ONNXLoader struct {
	cfg    ONNXConfig
	logger *zap.Logger
}

func NewONNXLoader(cfg ONNXConfig, logger *zap.Logger) *ONNXLoader {
	return &ONNXLoader{cfg: cfg, logger: logger.Named("onnx")}
}

var envMu sync.Mutex

func initializeEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// Load opens the model and creates a session. The returned Model is safe for
// concurrent Run calls.
func (l *ONNXLoader) Load(ctx context.Context) (Model, error) {
	if l.cfg.ModelPath == "" {
		return nil, errors.New("empty model path")
	}
	if _, err := os.Stat(l.cfg.ModelPath); err != nil {
		return nil, err
	}

	var meta Metadata
	if l.cfg.MetadataPath != "" {
		m, err := LoadMetadata(l.cfg.MetadataPath)
		if err != nil {
			return nil, err
		}
		meta = m
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.logger.Info("loading model", zap.String("path", l.cfg.ModelPath))

	if err := initializeEnvironment(l.cfg.SharedLibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(l.cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model inputs: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}
	meta = mergeIOInfo(meta, inputs[0], outputs[0])

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			l.logger.Warn("failed to destroy session options", zap.Error(err))
		}
	}()
	if l.cfg.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(l.cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(l.cfg.ModelPath,
		[]string{meta.InputName}, []string{meta.OutputName}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxModel{session: session, meta: meta, logger: l.logger}, nil
}

// mergeIOInfo fills names and shapes the metadata file left out.
func mergeIOInfo(meta Metadata, in, out ort.InputOutputInfo) Metadata {
	if meta.InputName == "" {
		meta.InputName = in.Name
	}
	if meta.OutputName == "" {
		meta.OutputName = out.Name
	}
	if len(meta.InputShape) == 0 {
		meta.InputShape = append([]int64(nil), in.Dimensions...)
	}
	if len(meta.OutputShape) == 0 {
		meta.OutputShape = append([]int64(nil), out.Dimensions...)
	}
	return meta
}

type onnxModel struct {
	meta   Metadata
	logger *zap.Logger

	// mu is held shared by Run and exclusively by Close.
	mu      sync.RWMutex
	session *ort.DynamicAdvancedSession
}

func (m *onnxModel) Metadata() Metadata {
	return m.meta
}

func (m *onnxModel) Run(t *tensor.Tensor) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, errors.New("session closed")
	}

	input, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() {
		if err := input.Destroy(); err != nil {
			m.logger.Warn("failed to destroy input tensor", zap.Error(err))
		}
	}()

	outputs := []ort.ArbitraryTensor{nil}
	if err := m.session.Run([]ort.ArbitraryTensor{input}, outputs); err != nil {
		return nil, err
	}
	defer func() {
		for _, o := range outputs {
			if o == nil {
				continue
			}
			if err := o.Destroy(); err != nil {
				m.logger.Warn("failed to destroy output tensor", zap.Error(err))
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}

	scores := make([]float32, len(out.GetData()))
	copy(scores, out.GetData())
	return scores, nil
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		if destroyErr := ort.DestroyEnvironment(); destroyErr != nil && err == nil {
			err = destroyErr
		}
	}
	return err
}
