package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultFFmpegBinary  = "ffmpeg"
	defaultFFprobeBinary = "ffprobe"

	defaultFrameCount           = 16
	defaultSyntheticSize        = 224
	defaultDecodeTimeoutSeconds = 30

	defaultRuntimeURL         = "http://127.0.0.1:8000"
	defaultRuntimeTimeout     = 30
	defaultInitTimeoutSeconds = 10
	defaultRetryAttempts      = 2

	defaultDevice         = "cpu"
	defaultBackendWeight  = 1.0
	defaultCNNModel       = "resnet50_deepfake"
	defaultEmbeddingModel = "clip_vit_b32"
	defaultLAAModel       = "laa_net_efn4"
	defaultLAAConfigName  = "efn4_fpn_hm_adv.yaml"

	defaultThreshold   = 0.5
	defaultGranularity = "frame"
	defaultReduce      = "mean"

	defaultCalibrationMethod      = "agreement_strength"
	defaultCalibrationTemperature = 1.5

	defaultLowConfidenceFloor   = 0.5
	defaultAudioPolicy          = "auxiliary"
	defaultAudioConsistentAbove = 0.8

	defaultAudioSampleRate  = 16000
	defaultAudioMaxDuration = 300
	defaultAudioTimeout     = 60

	defaultRequestTimeoutSeconds = 300
	defaultWorkers               = 2
	defaultModelType             = "ensemble"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default CNN checkpoints, tried in order under the weights root.
var defaultCNNWeightNames = []string{"resnet_resnet50_final.pth", "resnet_resnet50_best.pth"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			CacheDir: defaultCacheDir(),
			LogDir:   filepath.Join(defaultStateDir(), "logs"),
			LockDir:  filepath.Join(defaultStateDir(), "locks"),
		},
		Tools: Tools{
			FFmpeg:  defaultFFmpegBinary,
			FFprobe: defaultFFprobeBinary,
		},
		Frames: Frames{
			Count:                defaultFrameCount,
			SyntheticWidth:       defaultSyntheticSize,
			SyntheticHeight:      defaultSyntheticSize,
			DecodeTimeoutSeconds: defaultDecodeTimeoutSeconds,
		},
		Runtime: Runtime{
			URL:                defaultRuntimeURL,
			TimeoutSeconds:     defaultRuntimeTimeout,
			InitTimeoutSeconds: defaultInitTimeoutSeconds,
			RetryAttempts:      defaultRetryAttempts,
		},
		Backends: Backends{
			WeightsRoot: defaultWeightsRoot(),
			CNN: Backend{
				Enabled:   true,
				Weight:    defaultBackendWeight,
				Device:    defaultDevice,
				ModelName: defaultCNNModel,
			},
			Embedding: Backend{
				Enabled:   true,
				Weight:    defaultBackendWeight,
				Device:    defaultDevice,
				ModelName: defaultEmbeddingModel,
			},
			LAA: LAABackend{
				Backend: Backend{
					Enabled:   true,
					Weight:    defaultBackendWeight,
					Device:    defaultDevice,
					ModelName: defaultLAAModel,
				},
				ConfigName: defaultLAAConfigName,
			},
		},
		Ensemble: Ensemble{
			Threshold:   defaultThreshold,
			Granularity: defaultGranularity,
			Reduce:      defaultReduce,
		},
		Calibration: Calibration{
			Method:      defaultCalibrationMethod,
			Temperature: defaultCalibrationTemperature,
		},
		Verdict: Verdict{
			LowConfidenceFloor:   defaultLowConfidenceFloor,
			AudioPolicy:          defaultAudioPolicy,
			AudioConsistentAbove: defaultAudioConsistentAbove,
		},
		Audio: Audio{
			Enabled:            true,
			SampleRate:         defaultAudioSampleRate,
			MaxDurationSeconds: defaultAudioMaxDuration,
			TimeoutSeconds:     defaultAudioTimeout,
		},
		Detection: Detection{
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
			Workers:               defaultWorkers,
			DefaultModel:          defaultModelType,
		},
		Cache: Cache{
			Enabled: true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "deepscan")
	}
	return "~/.cache/deepscan"
}

func defaultStateDir() string {
	if base, ok := os.LookupEnv("XDG_STATE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "deepscan")
	}
	return "~/.local/state/deepscan"
}

func defaultWeightsRoot() string {
	if base, ok := os.LookupEnv("XDG_DATA_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "deepscan", "models")
	}
	return "~/.local/share/deepscan/models"
}
