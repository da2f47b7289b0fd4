package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LearningRate != 0.0001 || cfg.NumEpochs != 18 || cfg.GradientAccSteps != 2 {
		t.Errorf("unexpected training defaults: %+v", cfg)
	}
	if cfg.Scheduler != "multistep" || cfg.Optimizer != "adam" || cfg.Gamma != 0.8 {
		t.Errorf("unexpected schedule defaults: %+v", cfg)
	}
	if cfg.PadTokenID != 0 || cfg.MaskTokenID != 103 {
		t.Errorf("unexpected token ids %d/%d", cfg.PadTokenID, cfg.MaskTokenID)
	}
	wantMilestones := []int{2, 4, 6, 8, 12, 15, 18, 20, 22, 24, 26, 30}
	if got := cfg.MilestoneList(); !reflect.DeepEqual(got, wantMilestones) {
		t.Errorf("milestones = %v, want %v", got, wantMilestones)
	}
	wantLayers := []string{"classifier", "pooler", "encoder.layer.11", "blanks_linear", "lm_linear", "cls"}
	if got := cfg.UnfrozenLayerList(); !reflect.DeepEqual(got, wantLayers) {
		t.Errorf("unfrozen layers = %v, want %v", got, wantLayers)
	}
	if cfg.DataDir != "./run_data/" {
		t.Errorf("DataDir = %q, want a directory outside the source packages", cfg.DataDir)
	}
	if cfg.PlotServiceURL != "" || cfg.ProgressionFile != "" {
		t.Error("optional outputs should be disabled by default")
	}
}

func TestLoadFileAndEnvPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"NUM_EPOCHS": 4, "LR": 0.01, "OPTIMIZER": "sgd", "MILESTONES": "1,3"}`)
	t.Setenv("LR", "0.05")
	t.Setenv("FP16", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NumEpochs != 4 {
		t.Errorf("NumEpochs = %d, want 4 from file", cfg.NumEpochs)
	}
	if cfg.LearningRate != 0.05 {
		t.Errorf("LearningRate = %v, want 0.05 from env", cfg.LearningRate)
	}
	if cfg.Optimizer != "sgd" || !cfg.FP16 {
		t.Errorf("Optimizer = %q FP16 = %v", cfg.Optimizer, cfg.FP16)
	}
	if got := cfg.MilestoneList(); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Errorf("milestones = %v", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"LR", "0"},
		{"NUM_EPOCHS", "-1"},
		{"GRADIENT_ACC_STEPS", "0"},
		{"GAMMA", "1.5"},
		{"SCHEDULER", "warmup"},
		{"OPTIMIZER", "lamb"},
		{"MILESTONES", "4,2"},
		{"MILESTONES", ""},
		{"PLATEAU_PATIENCE", "-1"},
		{"UNFROZEN_LAYERS", ","},
		{"CHECKPOINT_FORMAT", "onnx"},
		{"HISTORY_BACKEND", "redis"},
		{"DEVICE", "tpu"},
		{"MASK_TOKEN_ID", "0"},
		{"PLOT_SERVICE_URL", "not a url"},
		{"LOG_FORMAT", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(""); err == nil {
				t.Errorf("%s=%q should be rejected", tt.key, tt.value)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestSearchUpwardsForFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "config.json"), `{}`)
	chdir(t, nested)

	found, err := SearchUpwardsForFile("config.json")
	if err != nil {
		t.Fatalf("SearchUpwardsForFile failed: %v", err)
	}
	if filepath.Base(found) != "config.json" || filepath.Base(filepath.Dir(found)) != filepath.Base(root) {
		t.Errorf("found %s, want the file in %s", found, root)
	}

	if _, err := SearchUpwardsForFile("no-such-file.json"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestLoadConfigWithDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env.test"), "MODEL_NO=7\n")
	writeFile(t, filepath.Join(dir, "config.json"), `{"BATCH_SIZE": 4}`)
	chdir(t, dir)
	t.Cleanup(func() { os.Unsetenv("MODEL_NO") })

	cfg, err := LoadConfig(".env.test", "missing.json", "config.json")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ModelNo != 7 {
		t.Errorf("ModelNo = %d, want 7 from .env", cfg.ModelNo)
	}
	if cfg.BatchSize != 4 {
		t.Errorf("BatchSize = %d, want 4 from config.json", cfg.BatchSize)
	}
}

func TestLoadDotEnvMissingIsNotAnError(t *testing.T) {
	chdir(t, t.TempDir())
	if err := LoadDotEnv(".env.does-not-exist"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
