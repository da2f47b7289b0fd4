package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tsawler/go-mtb/validation"
)

var ErrFileNotFound = errors.New("file not found")

// Config contains every setting of a pretraining run. Keys are the same in
// the JSON config file and the environment.
type Config struct {
	ModelNo          int     `json:"MODEL_NO" koanf:"MODEL_NO" validate:"gte=0"`
	LearningRate     float64 `json:"LR" koanf:"LR" validate:"gt=0"`
	NumEpochs        int     `json:"NUM_EPOCHS" koanf:"NUM_EPOCHS" validate:"gt=0"`
	GradientAccSteps int     `json:"GRADIENT_ACC_STEPS" koanf:"GRADIENT_ACC_STEPS" validate:"gte=1"`
	MaxNorm          float64 `json:"MAX_NORM" koanf:"MAX_NORM" validate:"gt=0"`
	FP16             bool    `json:"FP16" koanf:"FP16"`
	BatchSize        int     `json:"BATCH_SIZE" koanf:"BATCH_SIZE" validate:"gt=0"`
	UpdateWindow     int     `json:"UPDATE_WINDOW" koanf:"UPDATE_WINDOW" validate:"gte=0"`

	Scheduler         string  `json:"SCHEDULER" koanf:"SCHEDULER" validate:"oneof=multistep step exponential cosine plateau constant"`
	Milestones        string  `json:"MILESTONES" koanf:"MILESTONES" validate:"required_if=Scheduler multistep,ascending_ints"`
	Gamma             float64 `json:"GAMMA" koanf:"GAMMA" validate:"gt=0,lte=1"`
	SchedulerStepSize int     `json:"SCHEDULER_STEP_SIZE" koanf:"SCHEDULER_STEP_SIZE" validate:"gte=1"`
	SchedulerTMax     int     `json:"SCHEDULER_T_MAX" koanf:"SCHEDULER_T_MAX" validate:"gte=1"`
	PlateauPatience   int     `json:"PLATEAU_PATIENCE" koanf:"PLATEAU_PATIENCE" validate:"gte=0"`
	Optimizer         string  `json:"OPTIMIZER" koanf:"OPTIMIZER" validate:"oneof=adam sgd"`
	UnfrozenLayers    string  `json:"UNFROZEN_LAYERS" koanf:"UNFROZEN_LAYERS" validate:"csv_nonempty"`

	DataDir          string `json:"DATA_DIR" koanf:"DATA_DIR" validate:"required"`
	PretrainData     string `json:"PRETRAIN_DATA" koanf:"PRETRAIN_DATA"`
	MaxSamples       int    `json:"MAX_SAMPLES" koanf:"MAX_SAMPLES" validate:"gte=0"`
	CheckpointFormat string `json:"CHECKPOINT_FORMAT" koanf:"CHECKPOINT_FORMAT" validate:"oneof=json proto"`
	HistoryBackend   string `json:"HISTORY_BACKEND" koanf:"HISTORY_BACKEND" validate:"oneof=file sqlite"`
	Device           string `json:"DEVICE" koanf:"DEVICE" validate:"oneof=cpu gpu"`

	PadTokenID  int32 `json:"PAD_TOKEN_ID" koanf:"PAD_TOKEN_ID" validate:"gte=0"`
	MaskTokenID int32 `json:"MASK_TOKEN_ID" koanf:"MASK_TOKEN_ID" validate:"gte=0,nefield=PadTokenID"`
	VocabSize   int   `json:"VOCAB_SIZE" koanf:"VOCAB_SIZE" validate:"gt=0"`
	HiddenSize  int   `json:"HIDDEN_SIZE" koanf:"HIDDEN_SIZE" validate:"gt=0"`
	Seed        int64 `json:"SEED" koanf:"SEED"`

	PlotServiceURL  string `json:"PLOT_SERVICE_URL" koanf:"PLOT_SERVICE_URL" validate:"omitempty,url"`
	ProgressionFile string `json:"PROGRESSION_FILE" koanf:"PROGRESSION_FILE"`

	LogLevel  string `json:"LOG_LEVEL" koanf:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	LogFormat string `json:"LOG_FORMAT" koanf:"LOG_FORMAT" validate:"oneof=console json"`
}

// Defaults returns the values used for keys absent from both the config
// file and the environment.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"MODEL_NO":            0,
		"LR":                  0.0001,
		"NUM_EPOCHS":          18,
		"GRADIENT_ACC_STEPS":  2,
		"MAX_NORM":            1.0,
		"FP16":                false,
		"BATCH_SIZE":          32,
		"UPDATE_WINDOW":       0,
		"SCHEDULER":           "multistep",
		"MILESTONES":          "2,4,6,8,12,15,18,20,22,24,26,30",
		"GAMMA":               0.8,
		"SCHEDULER_STEP_SIZE": 1,
		"SCHEDULER_T_MAX":     18,
		"PLATEAU_PATIENCE":    2,
		"OPTIMIZER":           "adam",
		"UNFROZEN_LAYERS":     "classifier,pooler,encoder.layer.11,blanks_linear,lm_linear,cls",
		"DATA_DIR":            "./run_data/",
		"PRETRAIN_DATA":       "",
		"MAX_SAMPLES":         0,
		"CHECKPOINT_FORMAT":   "json",
		"HISTORY_BACKEND":     "file",
		"DEVICE":              "cpu",
		"PAD_TOKEN_ID":        0,
		"MASK_TOKEN_ID":       103,
		"VOCAB_SIZE":          256,
		"HIDDEN_SIZE":         32,
		"SEED":                1,
		"PLOT_SERVICE_URL":    "",
		"PROGRESSION_FILE":    "",
		"LOG_LEVEL":           "info",
		"LOG_FORMAT":          "console",
	}
}

// MilestoneList parses MILESTONES. Validation guarantees it is well formed.
func (c Config) MilestoneList() []int {
	values, err := validation.ParseInts(c.Milestones)
	if err != nil {
		return nil
	}
	return values
}

func (c Config) UnfrozenLayerList() []string {
	return validation.SplitCSV(c.UnfrozenLayers)
}

// Load layers defaults, configFile (if any) and the environment, in
// increasing priority, and validates the result.
func Load(configFile string) (Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return Config{}, errors.Wrapf(err, "koanf: setting default %s", key)
		}
	}

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), json.Parser()); err != nil {
			return Config{}, errors.Wrapf(err, "koanf: error loading %s", configFile)
		}
		log.Info().Str("file", configFile).Msg("loaded configuration from file")
	}

	// Load from environment variables (higher priority)
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return Config{}, errors.Wrap(err, "koanf: error loading env")
	}

	config := Config{}
	if err := k.Unmarshal("", &config); err != nil {
		return Config{}, errors.Wrap(err, "koanf: error unmarshalling config")
	}

	if err := validation.Validate.Struct(config); err != nil {
		return Config{}, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}

func SearchUpwardsForFile(filename string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		file := filepath.Join(wd, filename)
		if _, err := os.Stat(file); err == nil {
			return file, nil
		}

		parent := filepath.Dir(wd)
		if parent == wd {
			return "", errors.Wrap(ErrFileNotFound, filename)
		}
		wd = parent
	}
}

// LoadDotEnv exports the variables of the nearest fileName found upwards
// from the working directory. A missing file is not an error.
func LoadDotEnv(fileName string) error {
	file, err := SearchUpwardsForFile(fileName)
	if err != nil {
		log.Debug().Err(err).Msgf("no %s file", fileName)
		return nil
	}

	if err := godotenv.Load(file); err != nil {
		return errors.Wrapf(err, "invalid env file %s", file)
	}

	log.Info().Msgf("loaded environment variables from %s", file)
	return nil
}

// LoadConfig is the main entry point for configuration loading. The first
// of configFiles found upwards from the working directory is used.
func LoadConfig(envFile string, configFiles ...string) (Config, error) {
	if envFile != "" {
		if err := LoadDotEnv(envFile); err != nil {
			return Config{}, err
		}
	}

	for _, configFile := range configFiles {
		foundFile, err := SearchUpwardsForFile(configFile)
		if err == nil {
			return Load(foundFile)
		}
	}

	// If no config file found, load from environment only
	return Load("")
}
