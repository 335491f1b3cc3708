package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/banshee-data/scenechange/internal/scene"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyConfig()

	if got := cfg.GetBeforeName(); got != "before" {
		t.Errorf("GetBeforeName() = %q, want before", got)
	}
	if got := cfg.GetMinIoU(); got != 0.5 {
		t.Errorf("GetMinIoU() = %v, want 0.5", got)
	}
	if got := cfg.GetDetectionLoader(); got != "yolo" {
		t.Errorf("GetDetectionLoader() = %q, want yolo", got)
	}
	if got := cfg.GetRefinementLoader(); got != "arkit_ue5" {
		t.Errorf("GetRefinementLoader() = %q, want arkit_ue5", got)
	}
	if got := cfg.GetLiftStrategy(); got != LiftStrategyCenter {
		t.Errorf("GetLiftStrategy() = %q, want center", got)
	}
	if got := cfg.GetWorkers(); got != runtime.NumCPU() {
		t.Errorf("GetWorkers() = %d, want %d", got, runtime.NumCPU())
	}
	if got := cfg.GetClusterMinSupport(); got != cfg.GetClusterMinSamples() {
		t.Errorf("GetClusterMinSupport() = %d, want min samples %d", got, cfg.GetClusterMinSamples())
	}
	if got := cfg.GetDBPath(); got != "" {
		t.Errorf("GetDBPath() = %q, want empty", got)
	}
	if w, h := cfg.GetImageSize(); w != 0 || h != 0 {
		t.Errorf("GetImageSize() = %d x %d, want 0 x 0", w, h)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "run.json")

	testJSON := `{
  "before_name": "visit1",
  "min_iou": 0.3,
  "workers": 2,
  "lift_strategy": "box",
  "cluster_eps": 0.2,
  "cluster_min_samples": 3
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetBeforeName() != "visit1" {
		t.Errorf("GetBeforeName() = %q, want visit1", cfg.GetBeforeName())
	}
	if cfg.GetMinIoU() != 0.3 {
		t.Errorf("GetMinIoU() = %v, want 0.3", cfg.GetMinIoU())
	}
	if cfg.GetWorkers() != 2 {
		t.Errorf("GetWorkers() = %d, want 2", cfg.GetWorkers())
	}
	if cfg.GetLiftStrategy() != LiftStrategyBox {
		t.Errorf("GetLiftStrategy() = %q, want box", cfg.GetLiftStrategy())
	}
	// Unset fields fall back to defaults.
	if cfg.GetBoxSampleStride() != 4 {
		t.Errorf("GetBoxSampleStride() = %d, want 4", cfg.GetBoxSampleStride())
	}
	if cfg.GetClusterMinSupport() != 3 {
		t.Errorf("GetClusterMinSupport() = %d, want 3 (min samples)", cfg.GetClusterMinSupport())
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name       string
		path       string
		wantConfig bool
	}{
		{"wrong extension", write("run.yaml", "{}"), true},
		{"missing file", filepath.Join(tmpDir, "missing.json"), false},
		{"bad json", write("bad.json", "{not json"), true},
		{"invalid value", write("invalid.json", `{"cluster_eps": -1}`), true},
		{"too large", write("large.json", `{"before_name":"`+strings.Repeat("x", 1024*1024)+`"}`), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, scene.ErrConfig); got != tt.wantConfig {
				t.Errorf("errors.Is(err, ErrConfig) = %v, want %v (err: %v)", got, tt.wantConfig, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"empty", EmptyConfig(), false},
		{"empty before name", &Config{BeforeName: ptrString("")}, true},
		{"min_iou above one", &Config{MinIoU: ptrFloat64(1.5)}, true},
		{"min_confidence negative", &Config{MinConfidence: ptrFloat64(-0.1)}, true},
		{"negative workers", &Config{Workers: ptrInt(-1)}, true},
		{"unknown strategy", &Config{LiftStrategy: ptrString("grid")}, true},
		{"zero stride", &Config{BoxSampleStride: ptrInt(0)}, true},
		{"zero eps", &Config{ClusterEps: ptrFloat64(0)}, true},
		{"zero min samples", &Config{ClusterMinSamples: ptrInt(0)}, true},
		{"zero min support", &Config{ClusterMinSupport: ptrInt(0)}, true},
		{"min support below min samples", &Config{ClusterMinSamples: ptrInt(4), ClusterMinSupport: ptrInt(3)}, true},
		{"min support below default min samples", &Config{ClusterMinSupport: ptrInt(5)}, true},
		{"min support above min samples", &Config{ClusterMinSamples: ptrInt(3), ClusterMinSupport: ptrInt(5)}, false},
		{"confidence out of range", &Config{MinDepthConfidence: ptrInt(300)}, true},
		{"valid overrides", &Config{MinIoU: ptrFloat64(0.9), ClusterEps: ptrFloat64(0.2), SeparateClasses: ptrBool(true)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, scene.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := &Config{BeforeName: ptrString("before"), MinIoU: ptrFloat64(0.5), Workers: ptrInt(4)}
	flags := &Config{MinIoU: ptrFloat64(0.7), SeparateClasses: ptrBool(true)}

	base.Merge(flags)

	if base.GetBeforeName() != "before" {
		t.Errorf("unset flag overwrote before_name: %q", base.GetBeforeName())
	}
	if base.GetMinIoU() != 0.7 {
		t.Errorf("GetMinIoU() = %v, want 0.7", base.GetMinIoU())
	}
	if base.GetWorkers() != 4 {
		t.Errorf("GetWorkers() = %d, want 4", base.GetWorkers())
	}
	if !base.GetSeparateClasses() {
		t.Error("expected separate_classes from flags")
	}

	// Merged values are copies.
	*flags.MinIoU = 0.1
	if base.GetMinIoU() != 0.7 {
		t.Error("Merge aliased the source pointer")
	}

	base.Merge(nil)
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.GetMinIoU() != 0.5 {
		t.Errorf("defaults min_iou = %v, want 0.5", cfg.GetMinIoU())
	}
	if cfg.GetClusterEps() != 0.5 || cfg.GetClusterMinSamples() != 10 {
		t.Errorf("defaults clustering = (%v, %d), want (0.5, 10)", cfg.GetClusterEps(), cfg.GetClusterMinSamples())
	}
	if cfg.GetDBPath() == "" {
		t.Error("defaults should enable the run ledger")
	}
}
