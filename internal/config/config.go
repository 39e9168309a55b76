package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/sony/gobreaker"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"goflare.io/muninn/internal/filter"
	"goflare.io/muninn/pkg/serialization"
)

// Config 用於 Muninn 的配置
type Config struct {
	InitialSlotSize   int
	SlotIncrement     int
	EnableSorting     bool
	EnablePersistence bool

	Persistence      PersistenceConfig
	Background       BackgroundConfig
	Replication      ReplicationConfig
	ResilienceConfig ResilienceConfig
	Serialization    SerializationConfig
	Filter           filter.Service
	Logger           *zap.Logger
}

// PersistenceConfig 持久化相關配置
type PersistenceConfig struct {
	Directory   string
	BufferSize  int
	Parallelism int
	// Filesystem overrides the directory, e.g. with an in-memory filesystem
	Filesystem billy.Filesystem
}

// BackgroundConfig 背景任務配置
type BackgroundConfig struct {
	SizeCheckInterval     time.Duration
	LifetimeCheckInterval time.Duration
	GrowThreshold         int
	ShrinkThreshold       int
	SweepParallelism      int
}

// ReplicationConfig 複製佇列配置
type ReplicationConfig struct {
	QueueSize int
}

// ResilienceConfig 用於設置重試和熔斷器
type ResilienceConfig struct {
	CircuitBreaker      gobreaker.Settings
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// SerializationConfig 序列化相關配置
type SerializationConfig struct {
	Type  string
	Codec serialization.Codec
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrInvalidSlotSize  = errors.New("slot sizes must be greater than 0")
	ErrInvalidThreshold = errors.New("shrink threshold must be greater than grow threshold")
	ErrInvalidInterval  = errors.New("intervals must be greater than 0")
	ErrEmptyDirectory   = errors.New("persistence directory must not be empty")
)

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	defaultLogger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	codec, err := serialization.Lookup(serialization.JSONType)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		InitialSlotSize: 10_000,
		SlotIncrement:   1000,
		Persistence: PersistenceConfig{
			Directory:   "storage",
			BufferSize:  64 * 1024,
			Parallelism: 100,
		},
		Background: BackgroundConfig{
			SizeCheckInterval:     10 * time.Second,
			LifetimeCheckInterval: 10 * time.Second,
			GrowThreshold:         100,
			ShrinkThreshold:       1000,
			SweepParallelism:      100,
		},
		Replication: ReplicationConfig{
			QueueSize: 1024,
		},
		ResilienceConfig: ResilienceConfig{
			CircuitBreaker: gobreaker.Settings{
				Name:        "PersistenceCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
			MaxRetries:          3,
			InitialInterval:     100 * time.Millisecond,
			MaxInterval:         time.Second,
			Multiplier:          2,
			RandomizationFactor: 0.1,
		},
		Serialization: SerializationConfig{
			Type:  serialization.JSONType,
			Codec: codec,
		},
		Filter: filter.Nop{},
		Logger: defaultLogger,
	}

	// 應用所有選項
	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	// 最終檢查
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the invariants between fields.
func (c *Config) Validate() error {
	if c.InitialSlotSize <= 0 || c.SlotIncrement <= 0 {
		return ErrInvalidSlotSize
	}
	if c.Background.ShrinkThreshold <= c.Background.GrowThreshold {
		return ErrInvalidThreshold
	}
	if c.Background.SizeCheckInterval <= 0 || c.Background.LifetimeCheckInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.EnablePersistence && c.Persistence.Directory == "" && c.Persistence.Filesystem == nil {
		return ErrEmptyDirectory
	}
	return nil
}

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithSlotSize 設置槽位陣列的初始大小與增量
func WithSlotSize(initial, increment int) Option {
	return func(c *Config) error {
		if initial <= 0 || increment <= 0 {
			return ErrInvalidSlotSize
		}
		c.InitialSlotSize = initial
		c.SlotIncrement = increment
		return nil
	}
}

// WithSorting 啟用排序鏡像
func WithSorting(enabled bool) Option {
	return func(c *Config) error {
		c.EnableSorting = enabled
		return nil
	}
}

// WithPersistence 啟用持久化並設置目錄
func WithPersistence(directory string) Option {
	return func(c *Config) error {
		if directory == "" {
			return ErrEmptyDirectory
		}
		c.EnablePersistence = true
		c.Persistence.Directory = directory
		return nil
	}
}

// WithFilesystem 啟用持久化並使用指定的檔案系統
func WithFilesystem(fs billy.Filesystem) Option {
	return func(c *Config) error {
		if fs == nil {
			return errors.New("filesystem must not be nil")
		}
		c.EnablePersistence = true
		c.Persistence.Filesystem = fs
		return nil
	}
}

// WithFilterService 設置過濾服務
func WithFilterService(service filter.Service) Option {
	return func(c *Config) error {
		if service != nil {
			c.Filter = service
		}
		return nil
	}
}

// WithIntervals 設置背景任務間隔
func WithIntervals(sizeCheck, lifetimeCheck time.Duration) Option {
	return func(c *Config) error {
		if sizeCheck <= 0 || lifetimeCheck <= 0 {
			return ErrInvalidInterval
		}
		c.Background.SizeCheckInterval = sizeCheck
		c.Background.LifetimeCheckInterval = lifetimeCheck
		return nil
	}
}

// WithThresholds 設置擴容與縮容門檻
func WithThresholds(grow, shrink int) Option {
	return func(c *Config) error {
		if grow <= 0 || shrink <= grow {
			return ErrInvalidThreshold
		}
		c.Background.GrowThreshold = grow
		c.Background.ShrinkThreshold = shrink
		return nil
	}
}

// WithQueueSize 設置複製佇列容量
func WithQueueSize(size int) Option {
	return func(c *Config) error {
		if size <= 0 {
			return errors.New("queue size must be greater than 0")
		}
		c.Replication.QueueSize = size
		return nil
	}
}

// WithSerialization 設置序列化格式
func WithSerialization(serializerType string) Option {
	return func(c *Config) error {
		codec, err := serialization.Lookup(serializerType)
		if err != nil {
			return err
		}
		c.Serialization = SerializationConfig{Type: serializerType, Codec: codec}
		return nil
	}
}

// fileConfig is the JSONC file layout. Absent fields keep their current value.
type fileConfig struct {
	InitialSlotSize       *int    `json:"initial_slot_size"`
	SlotIncrement         *int    `json:"slot_increment"`
	Sort                  *bool   `json:"sort"`
	Persistent            *bool   `json:"persistent"`
	Directory             *string `json:"directory"`
	BufferSize            *int    `json:"buffer_size"`
	Parallelism           *int    `json:"parallelism"`
	SizeCheckInterval     *string `json:"size_check_interval"`
	LifetimeCheckInterval *string `json:"lifetime_check_interval"`
	GrowThreshold         *int    `json:"grow_threshold"`
	ShrinkThreshold       *int    `json:"shrink_threshold"`
	QueueSize             *int    `json:"queue_size"`
	Serialization         *string `json:"serialization"`
}

// FromFile 從 JSONC 檔案載入配置
func FromFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return c.apply(data)
	}
}

// apply merges a JSONC document into c.
func (c *Config) apply(data []byte) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	setInt(&c.InitialSlotSize, fc.InitialSlotSize)
	setInt(&c.SlotIncrement, fc.SlotIncrement)
	setInt(&c.Persistence.BufferSize, fc.BufferSize)
	setInt(&c.Persistence.Parallelism, fc.Parallelism)
	setInt(&c.Background.GrowThreshold, fc.GrowThreshold)
	setInt(&c.Background.ShrinkThreshold, fc.ShrinkThreshold)
	setInt(&c.Replication.QueueSize, fc.QueueSize)
	if fc.Sort != nil {
		c.EnableSorting = *fc.Sort
	}
	if fc.Persistent != nil {
		c.EnablePersistence = *fc.Persistent
	}
	if fc.Directory != nil {
		c.Persistence.Directory = *fc.Directory
	}
	if err := setDuration(&c.Background.SizeCheckInterval, fc.SizeCheckInterval); err != nil {
		return err
	}
	if err := setDuration(&c.Background.LifetimeCheckInterval, fc.LifetimeCheckInterval); err != nil {
		return err
	}
	if fc.Serialization != nil {
		return WithSerialization(*fc.Serialization)(c)
	}
	return nil
}

// EnvPrefix 環境變數前綴
const EnvPrefix = "MUNINN_"

// FromEnv 從環境變數覆蓋配置，例如 MUNINN_SORT=true、MUNINN_DIRECTORY=/var/lib/muninn
func FromEnv(environ []string) Option {
	return func(c *Config) error {
		for _, kv := range environ {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			name, ok = strings.CutPrefix(name, EnvPrefix)
			if !ok {
				continue
			}
			if err := c.setEnv(strings.ToLower(name), value); err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
		}
		return nil
	}
}

func (c *Config) setEnv(name, value string) error {
	var err error
	switch name {
	case "initial_slot_size":
		c.InitialSlotSize, err = strconv.Atoi(value)
	case "slot_increment":
		c.SlotIncrement, err = strconv.Atoi(value)
	case "sort":
		c.EnableSorting, err = strconv.ParseBool(value)
	case "persistent":
		c.EnablePersistence, err = strconv.ParseBool(value)
	case "directory":
		c.Persistence.Directory = value
	case "buffer_size":
		c.Persistence.BufferSize, err = strconv.Atoi(value)
	case "parallelism":
		c.Persistence.Parallelism, err = strconv.Atoi(value)
	case "size_check_interval":
		c.Background.SizeCheckInterval, err = time.ParseDuration(value)
	case "lifetime_check_interval":
		c.Background.LifetimeCheckInterval, err = time.ParseDuration(value)
	case "grow_threshold":
		c.Background.GrowThreshold, err = strconv.Atoi(value)
	case "shrink_threshold":
		c.Background.ShrinkThreshold, err = strconv.Atoi(value)
	case "queue_size":
		c.Replication.QueueSize, err = strconv.Atoi(value)
	case "serialization":
		err = WithSerialization(value)(c)
	}
	return err
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", *src, err)
	}
	*dst = d
	return nil
}
