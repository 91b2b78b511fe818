package scan

import (
	"fmt"
	"os"
	"runtime"

	ort "github.com/getcharzp/onnxruntime_purego"
)

// ONNXConfig locates the ONNX Runtime shared library and model weights.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string // empty: DefaultLibraryPath()
	InputName   string // empty: "input"
	OutputName  string // empty: "output"
}

// ONNXClassifier runs the transient/bogus network through ONNX Runtime.
type ONNXClassifier struct {
	session *ort.Session
	input   string
	output  string
}

// NewONNXClassifier loads the runtime library and opens an inference
// session over the model at cfg.ModelPath.
func NewONNXClassifier(cfg ONNXConfig) (*ONNXClassifier, error) {
	lib := cfg.LibraryPath
	if lib == "" {
		lib = DefaultLibraryPath()
	}
	engine, err := ort.NewEngine(lib)
	if err != nil {
		return nil, fmt.Errorf("load onnxruntime library %s: %w", lib, err)
	}
	session, err := engine.NewSession(cfg.ModelPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open classifier model %s: %w", cfg.ModelPath, err)
	}
	c := &ONNXClassifier{session: session, input: cfg.InputName, output: cfg.OutputName}
	if c.input == "" {
		c.input = "input"
	}
	if c.output == "" {
		c.output = "output"
	}
	return c, nil
}

// Scores runs one forward pass over the batch.
func (c *ONNXClassifier) Scores(patches []Patch) ([]float64, error) {
	if len(patches) == 0 {
		return nil, nil
	}
	data := batchTensor(patches)
	shape := []int64{int64(len(patches)), 3, classifierInputSize, classifierInputSize}
	tensor, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("build input tensor: %w", err)
	}
	defer tensor.Destroy()

	outputs, err := c.session.Run(map[string]*ort.Value{c.input: tensor})
	if err != nil {
		return nil, fmt.Errorf("classifier inference: %w", err)
	}
	out, ok := outputs[c.output]
	if !ok {
		for _, v := range outputs {
			v.Destroy()
		}
		return nil, fmt.Errorf("classifier output %q missing", c.output)
	}
	defer out.Destroy()

	logits, err := ort.GetTensorData[float32](out)
	if err != nil {
		return nil, fmt.Errorf("read classifier output: %w", err)
	}
	if len(logits) != len(patches)*classifierClasses {
		return nil, fmt.Errorf("classifier returned %d values for %d patches", len(logits), len(patches))
	}

	scores := make([]float64, len(patches))
	for i := range patches {
		scores[i] = softmaxPositive(logits[i*classifierClasses : (i+1)*classifierClasses])
	}
	return scores, nil
}

// VerifyReady pushes one synthetic patch through preprocessing and the
// session, so model problems surface before any image is scanned.
func (c *ONNXClassifier) VerifyReady() error {
	p := Patch{Size: classifierInputSize}
	for i := range p.Planes {
		p.Planes[i] = make([]uint8, classifierInputSize*classifierInputSize)
	}
	if _, err := c.Scores([]Patch{p}); err != nil {
		return fmt.Errorf("classifier dry-run: %w", err)
	}
	return nil
}

// Close releases the inference session.
func (c *ONNXClassifier) Close() error {
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	return nil
}

// DefaultLibraryPath returns the expected onnxruntime shared-library
// location for the current platform. SCAN_ONNXRUNTIME_LIB overrides it.
func DefaultLibraryPath() string {
	if p := os.Getenv("SCAN_ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	base := "./lib/onnxruntime"
	switch runtime.GOOS {
	case "windows":
		return base + ".dll"
	case "darwin":
		return fmt.Sprintf("%s_%s.dylib", base, runtime.GOARCH)
	default:
		return fmt.Sprintf("%s_%s.so", base, runtime.GOARCH)
	}
}
