package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/uniform-check/internal/tensor"
)

// ONNXConfig describes the exported model.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	// InputShape is the full input shape including the batch axis.
	InputShape []int64
	NumLabels  int
	// IntraOpThreads limits threads per Run; 0 keeps the runtime default.
	IntraOpThreads int
}

// ONNXClassifier runs a single ONNX Runtime session. Sessions accept
// concurrent Run calls; each call gets its own input and output tensors.
type ONNXClassifier struct {
	cfg     ONNXConfig
	session *ort.DynamicAdvancedSession
	logger  *zap.Logger
}

// LoadONNX initializes the runtime environment and opens the model session.
func LoadONNX(cfg ONNXConfig, logger *zap.Logger) (*ONNXClassifier, error) {
	if cfg.NumLabels <= 0 {
		return nil, errors.New("onnx: number of labels must be positive")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("onnx model: %w", err)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("init onnxruntime: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			logger.Warn("failed to destroy session options", zap.Error(err))
		}
	}()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("session options: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, opts)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	c := &ONNXClassifier{cfg: cfg, session: session, logger: logger.Named("onnx")}
	if err := c.warmUp(); err != nil {
		c.Close()
		return nil, fmt.Errorf("warm up: %w", err)
	}
	return c, nil
}

// NumLabels implements Classifier.
func (c *ONNXClassifier) NumLabels() int {
	return c.cfg.NumLabels
}

// Classify implements Classifier. Runtime tensors are destroyed on every exit path.
func (c *ONNXClassifier) Classify(ctx context.Context, in *tensor.Tensor) ([]float32, error) {
	if err := CheckShape(in, c.cfg.InputShape); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.run(in.Data())
}

func (c *ONNXClassifier) run(data []float32) ([]float32, error) {
	input, err := ort.NewTensor(ort.NewShape(c.cfg.InputShape...), data)
	if err != nil {
		return nil, &InferenceError{Op: "input_tensor", Err: err}
	}
	defer c.destroy(input)

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(c.cfg.NumLabels)))
	if err != nil {
		return nil, &InferenceError{Op: "output_tensor", Err: err}
	}
	defer c.destroy(output)

	if err := c.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, &InferenceError{Op: "run", Err: err}
	}

	probs := make([]float32, c.cfg.NumLabels)
	copy(probs, output.GetData())
	return probs, nil
}

func (c *ONNXClassifier) warmUp() error {
	n := int64(1)
	for _, d := range c.cfg.InputShape {
		n *= d
	}
	_, err := c.run(make([]float32, n))
	return err
}

func (c *ONNXClassifier) destroy(t interface{ Destroy() error }) {
	if err := t.Destroy(); err != nil {
		c.logger.Warn("failed to destroy tensor", zap.Error(err))
	}
}

// Close destroys the session and the runtime environment.
func (c *ONNXClassifier) Close() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Destroy()
	c.session = nil
	if envErr := ort.DestroyEnvironment(); envErr != nil && err == nil {
		err = envErr
	}
	return err
}
