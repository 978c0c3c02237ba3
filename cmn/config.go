package cmn

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

// Config is the full set of options recognized on the command line / config
// file (spec §6 "Environment / CLI"). Field names mirror the snake_case
// option names from the spec; JSON tags keep the on-disk file readable.
type Config struct {
	DataThreadCount                  int           `json:"data_thread_count"`
	BindAddr                         string        `json:"bind_addr"`
	ServicePort                      int           `json:"service_port"`
	ClusterPort                      int           `json:"cluster_port"`
	ReplicaPort                      int           `json:"replica_port"`
	FileBlockSize                    int64         `json:"file_block_size"`
	ReplicaChannelsBetweenTwoServers int           `json:"replica_channels_between_two_servers"`
	IdempotencyChannelReserveInterval time.Duration `json:"idempotency_channel_reserve_interval"`
	MaxChannelCount                  int           `json:"max_channel_count"`
	ThreadStackSize                  int64         `json:"thread_stack_size"`

	// IdleTimeout closes a client connection that sends no frames for this
	// long, unless the connection joined with FlagKeepalive set.
	IdleTimeout time.Duration `json:"idle_timeout"`

	DataDir string `json:"data_dir"`
	LogDir  string `json:"log_dir"`
}

// DefaultConfig mirrors the teacher's habit of a conservative, always-valid
// zero-config fallback (see cmn.GCO defaults in the teacher codebase).
func DefaultConfig() *Config {
	return &Config{
		DataThreadCount:                    8,
		BindAddr:                           "0.0.0.0",
		ServicePort:                        6800,
		ClusterPort:                        6801,
		ReplicaPort:                        6802,
		FileBlockSize:                      4 << 20, // 4MiB
		ReplicaChannelsBetweenTwoServers:   2,
		IdempotencyChannelReserveInterval:  time.Hour,
		MaxChannelCount:                    10000,
		ThreadStackSize:                    1 << 20,
		IdleTimeout:                        10 * time.Minute,
	}
}

// LoadConfig reads a JSON config file over DefaultConfig(): a field the
// file omits keeps its default, while a field the file sets explicitly
// (even to zero) takes the file's value. A missing file is not an error —
// callers get DefaultConfig().
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, NewError(KindInvalid, "reading config %q: %v", path, err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, NewError(KindInvalid, "parsing config %q: %v", path, err)
	}
	return cfg, nil
}

// globalConfigOwner (exposed as GCO) is an atomically-swapped pointer, the same
// pattern as the teacher's `cmn.GCO.Get()` used throughout reb/global.go.
type globalConfigOwner struct {
	p atomic.Value
}

func (g *globalConfigOwner) Get() *Config {
	v := g.p.Load()
	if v == nil {
		return DefaultConfig()
	}
	return v.(*Config)
}

func (g *globalConfigOwner) Put(cfg *Config) {
	g.p.Store(cfg)
}

var GCO = &globalConfigOwner{}

func init() {
	GCO.Put(DefaultConfig())
}
