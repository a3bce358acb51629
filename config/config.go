package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/searchktools/nio-server/core"
)

// EnvPrefix prefixes every environment override, e.g. NIO_IDLE_TIMEOUT
const EnvPrefix = "NIO_"

// Config holds all application configuration. The config tag is the key
// used by JSON files and environment variables; flags use the same key
// with dots replaced by dashes.
type Config struct {
	Addrs     []string `config:"addrs"`
	Workers   int      `config:"workers"`
	Balance   string   `config:"balance"`
	ReusePort bool     `config:"reuse.port"`

	HandoffQueue     int           `config:"handoff.queue"`
	ReadBuffer       int           `config:"read.buffer"`
	MaxBufferedBytes int           `config:"max.buffered.bytes"`
	MaxHeaderBytes   int           `config:"max.header.bytes"`
	MaxBodyBytes     int           `config:"max.body.bytes"`
	IdleTimeout      time.Duration `config:"idle.timeout"`
	Framing          string        `config:"framing"`

	// AsyncWorkers > 0 runs handlers on a worker pool of that size
	AsyncWorkers int `config:"async.workers"`

	// AccessLog logs every response; RateLimit > 0 caps requests per second
	AccessLog bool `config:"access.log"`
	RateLimit int  `config:"rate.limit"`

	AdminAddr       string        `config:"admin.addr"`
	ShutdownTimeout time.Duration `config:"shutdown.timeout"`

	GCPercent   int   `config:"gc.percent"`
	MemoryLimit int64 `config:"memory.limit"`

	Debug bool   `config:"debug"`
	Env   string `config:"env"`
}

// Default returns the built-in configuration
func Default() *Config {
	opts := core.DefaultOptions()
	return &Config{
		Addrs:            opts.Addrs,
		Workers:          opts.Workers,
		Balance:          opts.Balance.String(),
		HandoffQueue:     opts.HandoffQueue,
		ReadBuffer:       opts.ReadBuffer,
		MaxBufferedBytes: opts.MaxBufferedBytes,
		MaxHeaderBytes:   opts.MaxHeaderBytes,
		IdleTimeout:      opts.IdleTimeout,
		Framing:          opts.Framing.String(),
		ShutdownTimeout:  10 * time.Second,
		Env:              "development",
	}
}

// New loads configuration from the command line, exiting on error
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Load builds the configuration from defaults, then the JSON file named by
// -config or NIO_CONFIG, then NIO_* environment variables, then flags that
// were set explicitly.
func Load(args []string) (*Config, error) {
	flagged := Default()
	var file string

	fs := flag.NewFlagSet("nio-server", flag.ContinueOnError)
	fs.StringVar(&file, "config", os.Getenv(EnvPrefix+"CONFIG"), "JSON config file")
	fs.Var((*listValue)(&flagged.Addrs), "addrs", "Comma-separated listen addresses")
	fs.IntVar(&flagged.Workers, "workers", flagged.Workers, "Worker loops")
	fs.StringVar(&flagged.Balance, "balance", flagged.Balance, "Loop selection (round-robin/least-loaded)")
	fs.BoolVar(&flagged.ReusePort, "reuse-port", flagged.ReusePort, "Set SO_REUSEPORT on listeners")
	fs.IntVar(&flagged.HandoffQueue, "handoff-queue", flagged.HandoffQueue, "Per-loop handoff queue capacity")
	fs.IntVar(&flagged.ReadBuffer, "read-buffer", flagged.ReadBuffer, "Per-loop read buffer (bytes)")
	fs.IntVar(&flagged.MaxBufferedBytes, "max-buffered-bytes", flagged.MaxBufferedBytes, "Unparsed bytes allowed per connection")
	fs.IntVar(&flagged.MaxHeaderBytes, "max-header-bytes", flagged.MaxHeaderBytes, "Request line plus headers limit")
	fs.IntVar(&flagged.MaxBodyBytes, "max-body-bytes", flagged.MaxBodyBytes, "Body limit (0 = unlimited)")
	fs.DurationVar(&flagged.IdleTimeout, "idle-timeout", flagged.IdleTimeout, "Close connections idle this long (0 = never)")
	fs.StringVar(&flagged.Framing, "framing", flagged.Framing, "Body framing (content-length/legacy)")
	fs.IntVar(&flagged.AsyncWorkers, "async-workers", flagged.AsyncWorkers, "Run handlers on a worker pool of this size")
	fs.BoolVar(&flagged.AccessLog, "access-log", flagged.AccessLog, "Log every response")
	fs.IntVar(&flagged.RateLimit, "rate-limit", flagged.RateLimit, "Requests per second across all connections (0 = unlimited)")
	fs.StringVar(&flagged.AdminAddr, "admin-addr", flagged.AdminAddr, "Statistics endpoint address (empty = off)")
	fs.DurationVar(&flagged.ShutdownTimeout, "shutdown-timeout", flagged.ShutdownTimeout, "Graceful shutdown limit")
	fs.IntVar(&flagged.GCPercent, "gc-percent", flagged.GCPercent, "GOGC override (0 = runtime default)")
	fs.Int64Var(&flagged.MemoryLimit, "memory-limit", flagged.MemoryLimit, "Soft memory limit in bytes (0 = none)")
	fs.BoolVar(&flagged.Debug, "debug", flagged.Debug, "Debug logging")
	fs.StringVar(&flagged.Env, "env", flagged.Env, "Environment (development/production)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if file != "" {
		if err := m.LoadFromJSON(file); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)

	cfg := Default()
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		if err == nil && f.Name != "config" {
			err = copyField(cfg, flagged, strings.ReplaceAll(f.Name, "-", "."))
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot start with
func (c *Config) Validate() error {
	if len(c.Addrs) == 0 {
		return fmt.Errorf("no listen addresses")
	}
	if c.Workers < 0 || c.AsyncWorkers < 0 {
		return fmt.Errorf("negative worker count")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("negative rate limit %d", c.RateLimit)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("negative idle timeout %v", c.IdleTimeout)
	}
	return nil
}

// copyField copies the field tagged key from src to dst
func copyField(dst, src *Config, key string) error {
	dv := reflect.ValueOf(dst).Elem()
	sv := reflect.ValueOf(src).Elem()
	t := dv.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("config") == key {
			dv.Field(i).Set(sv.Field(i))
			return nil
		}
	}
	return fmt.Errorf("flag %q has no config field", key)
}

// listValue is a comma-separated flag
type listValue []string

func (l *listValue) String() string { return strings.Join(*l, ",") }

func (l *listValue) Set(s string) error {
	*l = splitList(s)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
