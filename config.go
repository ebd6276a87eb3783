package pcfd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pcfd/internal/checkpoint"
	"pkt.systems/pcfd/internal/queue"
)

const (
	// DefaultListen is the default TCP endpoint the broker binds to.
	DefaultListen = ":9475"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the broker at the in-memory backend when no store
	// is provided.
	DefaultStore = "mem://"
	// DefaultQueueMoniker namespaces all queue and history objects in the
	// backing store, so several broker environments can share a bucket.
	DefaultQueueMoniker = "pcq"
	// DefaultJSONMaxBytes bounds incoming JSON request bodies.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultDrainGrace is the grace period granted before HTTP shutdown
	// begins.
	DefaultDrainGrace = 5 * time.Second
	// DefaultShutdownTimeout caps the total shutdown time (drain + HTTP
	// server + telemetry).
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultMaxConcurrentStreams sets the HTTP/2 MaxConcurrentStreams when
	// not explicitly configured.
	DefaultMaxConcurrentStreams = 256
	// DefaultDeleteWorkers sizes the background pool executing deferred
	// queue deletes.
	DefaultDeleteWorkers = 4
)

// Config describes a broker instance. The zero value plus a Store DSN and an
// agent map is a working development configuration; Validate applies the
// Default* values for everything left unset.
type Config struct {
	// Listen is the TCP address of the checkpoint protocol listener.
	Listen string
	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// PprofListen exposes debug/pprof endpoints when non-empty.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus
	// endpoint. Requires MetricsListen.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export when non-empty. Accepts
	// grpc://host:port, grpcs://, http://, https:// or a bare host[:port]
	// (treated as insecure gRPC).
	OTLPEndpoint string
	// HTTPTracing wraps every protocol endpoint in a server span. Only
	// meaningful together with OTLPEndpoint.
	HTTPTracing bool

	// Store selects the storage backend: mem://,
	// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix]?region=..,
	// azure://account/container[/prefix].
	Store string
	// QueueMoniker namespaces this broker's objects inside the store.
	QueueMoniker string

	// AgentMapPath is the YAML file describing agents and their asset
	// groups. Required unless a map is injected with WithAgentMap.
	AgentMapPath string
	// AuthTokensPath is the YAML file mapping bearer tokens to agents.
	// Required unless an authorizer is injected with WithAuthorizer.
	AuthTokensPath string
	// ThrottleRulesPath points at the live-reloaded admission rules file.
	// Empty runs without admission control.
	ThrottleRulesPath string

	// JSONMaxBytes bounds incoming JSON request bodies.
	JSONMaxBytes int64
	// MaxCommandsPerPop caps one getcommands response. Zero defers to the
	// queue's pop batch size.
	MaxCommandsPerPop int

	// DefaultLeaseDuration applies when a pop requests no lease duration.
	DefaultLeaseDuration time.Duration
	// MaxLeaseDuration caps a requested pop lease.
	MaxLeaseDuration time.Duration
	// HighPriorityBudget is the minimum time getcommands spends draining
	// high-priority sub-queues before touching low-priority ones.
	HighPriorityBudget time.Duration

	// MaxBatchSize bounds batch checkpoint requests.
	MaxBatchSize int
	// DisableDeferredDeletes forces completion deletes inline instead of
	// spreading them over the remaining lease.
	DisableDeferredDeletes bool
	// DeleteWorkers sizes the deferred-delete worker pool.
	DeleteWorkers int

	// SLA ceilings and lifetime boundaries, in days from command creation.
	ExportAADSLADays    int
	ExportNonAADSLADays int
	NonExportSLADays    int
	CommandTTLDays      int
	AccountCloseTTLDays int
	// AgeOutMaxLeaseExtension caps a single age-out lease extension.
	AgeOutMaxLeaseExtension time.Duration

	// HTTP2MaxConcurrentStreams tunes the HTTP/2 server. Zero uses the
	// default; negative is rejected.
	HTTP2MaxConcurrentStreams int

	// DrainGrace delays shutdown so load balancers stop routing first.
	DrainGrace time.Duration
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate normalizes cfg in place and reports configuration errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory", "s3", "aws", "azure":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if strings.TrimSpace(c.QueueMoniker) == "" {
		c.QueueMoniker = DefaultQueueMoniker
	}
	if c.JSONMaxBytes < 0 {
		return fmt.Errorf("config: json max bytes must be >= 0")
	}
	if c.JSONMaxBytes == 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.MaxCommandsPerPop < 0 {
		return fmt.Errorf("config: max commands per pop must be >= 0")
	}
	if c.DefaultLeaseDuration < 0 || c.MaxLeaseDuration < 0 || c.HighPriorityBudget < 0 {
		return fmt.Errorf("config: lease durations must be >= 0")
	}
	if c.DefaultLeaseDuration == 0 {
		c.DefaultLeaseDuration = queue.DefaultLeaseDuration
	}
	if c.MaxLeaseDuration == 0 {
		c.MaxLeaseDuration = queue.DefaultMaxLeaseDuration
	}
	if c.MaxLeaseDuration < c.DefaultLeaseDuration {
		return fmt.Errorf("config: max lease duration must be >= default lease duration")
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("config: max batch size must be >= 0")
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = checkpoint.DefaultMaxBatchSize
	}
	if c.DeleteWorkers < 0 {
		return fmt.Errorf("config: delete workers must be >= 0")
	}
	if c.DeleteWorkers == 0 {
		c.DeleteWorkers = DefaultDeleteWorkers
	}
	if c.ExportAADSLADays < 0 || c.ExportNonAADSLADays < 0 || c.NonExportSLADays < 0 ||
		c.CommandTTLDays < 0 || c.AccountCloseTTLDays < 0 {
		return fmt.Errorf("config: sla days must be >= 0")
	}
	if c.AgeOutMaxLeaseExtension < 0 {
		return fmt.Errorf("config: age-out max lease extension must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.DrainGrace < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timings must be >= 0")
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

func (c *Config) queueConfig() queue.Config {
	return queue.Config{
		DefaultLeaseDuration: c.DefaultLeaseDuration,
		MaxLeaseDuration:     c.MaxLeaseDuration,
		PopBatchSize:         c.MaxCommandsPerPop,
		HighPriorityBudget:   c.HighPriorityBudget,
	}
}

func (c *Config) engineConfig() checkpoint.Config {
	return checkpoint.Config{
		SLA: checkpoint.SLAConfig{
			ExportAADSLADays:        c.ExportAADSLADays,
			ExportNonAADSLADays:     c.ExportNonAADSLADays,
			NonExportSLADays:        c.NonExportSLADays,
			DefaultCommandTTLDays:   c.CommandTTLDays,
			AccountCloseTTLDays:     c.AccountCloseTTLDays,
			AgeOutMaxLeaseExtension: c.AgeOutMaxLeaseExtension,
		},
		MaxBatchSize:           c.MaxBatchSize,
		DisableDeferredDeletes: c.DisableDeferredDeletes,
	}
}
