package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	StuckEventPolicyRetry = "retry"
	StuckEventPolicyFlag  = "flag"
)

// SweepPolicy controls how the recovery sweep treats events left mid-flight.
type SweepPolicy struct {
	Interval         time.Duration `mapstructure:"interval"`
	Staleness        time.Duration `mapstructure:"staleness"`
	BatchSize        int           `mapstructure:"batchSize"`
	StuckEventPolicy string        `mapstructure:"stuckEventPolicy"`
	MaxRetries       int           `mapstructure:"maxRetries"`
}

type PipelinePolicy struct {
	Sweep SweepPolicy `mapstructure:"sweep"`
}

func DefaultPipelinePolicy() PipelinePolicy {
	return PipelinePolicy{
		Sweep: SweepPolicy{
			Interval:         time.Minute,
			Staleness:        15 * time.Minute,
			BatchSize:        50,
			StuckEventPolicy: StuckEventPolicyRetry,
			MaxRetries:       5,
		},
	}
}

// PipelinePolicyHolder keeps the current policy and swaps it on file change,
// so a stuck-event policy flip does not require a restart.
type PipelinePolicyHolder struct {
	current atomic.Value // holds PipelinePolicy
}

func NewPipelinePolicyHolder() (*PipelinePolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("pipeline")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/quotely/config") // Volume-mounted config
	v.AddConfigPath("/etc/quotely")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	v.SetEnvPrefix("QUOTELY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultPipelinePolicy()
		v.SetDefault("sweep", defaults.Sweep)
	}

	var cfg PipelinePolicy
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validatePipelinePolicy(cfg); err != nil {
		return nil, err
	}

	holder := &PipelinePolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PipelinePolicy
		if err := v.Unmarshal(&updated); err != nil {
			log.Printf("[pipeline-config] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validatePipelinePolicy(updated); err != nil {
			log.Printf("[pipeline-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pipeline-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPipelinePolicyHolder pins the holder to a fixed policy. Tests and
// one-shot tools use it instead of the file-watching constructor.
func NewStaticPipelinePolicyHolder(p PipelinePolicy) *PipelinePolicyHolder {
	holder := &PipelinePolicyHolder{}
	holder.current.Store(p.withDefaults())
	return holder
}

func (h *PipelinePolicyHolder) Get() PipelinePolicy {
	return h.current.Load().(PipelinePolicy)
}

func (c PipelinePolicy) withDefaults() PipelinePolicy {
	defaults := DefaultPipelinePolicy()
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = defaults.Sweep.Interval
	}
	if c.Sweep.Staleness <= 0 {
		c.Sweep.Staleness = defaults.Sweep.Staleness
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = defaults.Sweep.BatchSize
	}
	if strings.TrimSpace(c.Sweep.StuckEventPolicy) == "" {
		c.Sweep.StuckEventPolicy = defaults.Sweep.StuckEventPolicy
	}
	c.Sweep.StuckEventPolicy = strings.ToLower(strings.TrimSpace(c.Sweep.StuckEventPolicy))
	if c.Sweep.MaxRetries <= 0 {
		c.Sweep.MaxRetries = defaults.Sweep.MaxRetries
	}
	return c
}

func validatePipelinePolicy(cfg PipelinePolicy) error {
	switch cfg.Sweep.StuckEventPolicy {
	case StuckEventPolicyRetry, StuckEventPolicyFlag:
		return nil
	default:
		return errors.New("sweep.stuckEventPolicy must be retry or flag")
	}
}
