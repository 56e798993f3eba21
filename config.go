package evfiber

import (
	"os"

	"gopkg.in/yaml.v3"
)

// defaultBufferFilePattern is BUFFER_FILE_PATTERN's fallback (spec.md §6).
const defaultBufferFilePattern = "/dev/shm/evfiber-vrb-XXXXXX"

// Config holds the knobs the runtime needs beyond what the spec's
// per-operation arguments carry: default stack size, the scheduler's call
// stack bound, the pending-run queue's soft warning threshold, and the VRB's
// backing-file pattern. Adapted from the teacher's Config/DefaultConfig
// constructor idiom (pawscript.go).
type Config struct {
	// DefaultStackSize is the hint recorded on a fiber created without an
	// explicit stack size (spec.md §4.1 default 64 KiB).
	DefaultStackSize int `yaml:"default_stack_size"`

	// CallStackDepth bounds the scheduler's transfer call stack (spec.md
	// §3, §5: "fixed upper bound (16)").
	CallStackDepth int `yaml:"call_stack_depth"`

	// PendingQueueWarnThreshold is the soft warning threshold for the
	// pending-run queue length (spec.md §9, "the source uses 1000").
	PendingQueueWarnThreshold int `yaml:"pending_queue_warn_threshold"`

	// BufferFilePattern comes from BUFFER_FILE_PATTERN (spec.md §6). NewVRB
	// passes it verbatim as the name of the memfd backing the VRB; the
	// XXXXXX template is not expanded and no file is created at that path.
	BufferFilePattern string `yaml:"buffer_file_pattern"`

	// Debug enables debug-level logging by default.
	Debug bool `yaml:"debug"`

	// Logger receives runtime diagnostics; if nil, New fills in a
	// default Logger built from Debug.
	Logger *Logger `yaml:"-"`
}

// DefaultConfig returns the runtime's default configuration, reading
// BUFFER_FILE_PATTERN from the environment per spec.md §6.
func DefaultConfig() *Config {
	pattern := os.Getenv("BUFFER_FILE_PATTERN")
	if pattern == "" {
		pattern = defaultBufferFilePattern
	}
	return &Config{
		DefaultStackSize:          64 * 1024,
		CallStackDepth:            16,
		PendingQueueWarnThreshold: 1000,
		BufferFilePattern:         pattern,
	}
}

// LoadConfig reads a YAML configuration file, filling any zero-valued field
// from DefaultConfig. A missing file is not an error; DefaultConfig is
// returned unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, systemErr("LoadConfig", err)
	}

	overlay := &Config{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, invalidf("LoadConfig", "parse %s: %v", path, err)
	}

	if overlay.DefaultStackSize > 0 {
		cfg.DefaultStackSize = overlay.DefaultStackSize
	}
	if overlay.CallStackDepth > 0 {
		cfg.CallStackDepth = overlay.CallStackDepth
	}
	if overlay.PendingQueueWarnThreshold > 0 {
		cfg.PendingQueueWarnThreshold = overlay.PendingQueueWarnThreshold
	}
	if overlay.BufferFilePattern != "" {
		cfg.BufferFilePattern = overlay.BufferFilePattern
	}
	cfg.Debug = overlay.Debug

	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.DefaultStackSize <= 0 {
		c.DefaultStackSize = d.DefaultStackSize
	}
	if c.CallStackDepth <= 0 {
		c.CallStackDepth = d.CallStackDepth
	}
	if c.PendingQueueWarnThreshold <= 0 {
		c.PendingQueueWarnThreshold = d.PendingQueueWarnThreshold
	}
	if c.BufferFilePattern == "" {
		c.BufferFilePattern = d.BufferFilePattern
	}
	if c.Logger == nil {
		c.Logger = NewLogger(c.Debug)
	}
}
