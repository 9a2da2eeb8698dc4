package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	PatchPolicyStrict     = "strict"
	PatchPolicyPermissive = "permissive"
)

// IngestTuning holds the hot-reloadable knobs of the batch upsert engine.
type IngestTuning struct {
	ChunkSize       int               `mapstructure:"chunkSize"`
	MaxSampleErrors int               `mapstructure:"maxSampleErrors"`
	PatchPolicy     map[string]string `mapstructure:"patchPolicy"`
}

func DefaultIngestTuning(cfg Config) IngestTuning {
	chunkSize := cfg.Ingest.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	maxSamples := cfg.Ingest.MaxSampleError
	if maxSamples < 0 {
		maxSamples = DefaultMaxSampleErrors
	}
	return IngestTuning{
		ChunkSize:       chunkSize,
		MaxSampleErrors: maxSamples,
		PatchPolicy:     map[string]string{},
	}
}

// PolicyFor returns the configured patch policy override for a dataset, or
// the empty string when none is set.
func (t IngestTuning) PolicyFor(dataset string) string {
	if t.PatchPolicy == nil {
		return ""
	}
	return t.PatchPolicy[strings.ToLower(strings.TrimSpace(dataset))]
}

type IngestTuningHolder struct {
	current atomic.Value // holds IngestTuning
}

// NewStaticIngestTuning returns a holder that never reloads.
func NewStaticIngestTuning(t IngestTuning) *IngestTuningHolder {
	holder := &IngestTuningHolder{}
	holder.current.Store(t)
	return holder
}

func NewIngestTuningHolder(cfg Config) (*IngestTuningHolder, error) {
	v := viper.New()

	v.SetConfigName("ingest")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/powercasting")
	v.AddConfigPath(".")

	v.SetEnvPrefix("POWERCASTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultIngestTuning(cfg)
	v.SetDefault("ingest.chunkSize", defaults.ChunkSize)
	v.SetDefault("ingest.maxSampleErrors", defaults.MaxSampleErrors)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfgTuning, err := readIngestTuning(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticIngestTuning(cfgTuning)

	if v.ConfigFileUsed() == "" {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := readIngestTuning(v)
		if err != nil {
			log.Printf("[ingest-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[ingest-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *IngestTuningHolder) Get() IngestTuning {
	return h.current.Load().(IngestTuning)
}

func readIngestTuning(v *viper.Viper) (IngestTuning, error) {
	var t IngestTuning
	if err := v.UnmarshalKey("ingest", &t); err != nil {
		return IngestTuning{}, err
	}
	normalized := make(map[string]string, len(t.PatchPolicy))
	for dataset, policy := range t.PatchPolicy {
		normalized[strings.ToLower(strings.TrimSpace(dataset))] = strings.ToLower(strings.TrimSpace(policy))
	}
	t.PatchPolicy = normalized
	if err := validateIngestTuning(t); err != nil {
		return IngestTuning{}, err
	}
	return t, nil
}

func validateIngestTuning(t IngestTuning) error {
	if t.ChunkSize <= 0 {
		return errors.New("ingest.chunkSize must be positive")
	}
	if t.MaxSampleErrors < 0 {
		return errors.New("ingest.maxSampleErrors cannot be negative")
	}
	for dataset, policy := range t.PatchPolicy {
		if policy != PatchPolicyStrict && policy != PatchPolicyPermissive {
			return fmt.Errorf("ingest.patchPolicy.%s: unknown policy %q", dataset, policy)
		}
	}
	return nil
}
