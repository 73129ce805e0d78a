package system

import (
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	KeyMaxProcs    = "runtime.maxprocs"
	KeyGCPercent   = "runtime.gc_percent"
	KeyMemoryLimit = "runtime.memory_limit_mb"
)

// Settings holds the runtime tuning knobs of the process. A zero value
// leaves the Go default in place.
type Settings struct {
	MaxProcs    int
	GCPercent   int
	MemoryLimit int // in MB
	logger      *logrus.Entry
}

// LoadFromViper loads settings from v
func LoadFromViper(v *viper.Viper) *Settings {
	return &Settings{
		MaxProcs:    v.GetInt(KeyMaxProcs),
		GCPercent:   v.GetInt(KeyGCPercent),
		MemoryLimit: v.GetInt(KeyMemoryLimit),
		logger:      logrus.WithField("component", "system_settings"),
	}
}

// Apply configures the runtime and returns the settings that were changed.
func (s *Settings) Apply() []string {
	var applied []string

	if s.MaxProcs > 0 {
		runtime.GOMAXPROCS(s.MaxProcs)
		s.logger.Infof("GOMAXPROCS set to %d", s.MaxProcs)
		applied = append(applied, KeyMaxProcs)
	}

	if s.GCPercent != 0 {
		debug.SetGCPercent(s.GCPercent)
		s.logger.Infof("GC percent set to %d", s.GCPercent)
		applied = append(applied, KeyGCPercent)
	}

	if s.MemoryLimit > 0 {
		debug.SetMemoryLimit(int64(s.MemoryLimit) * 1024 * 1024)
		s.logger.Infof("Memory limit set to %dMB", s.MemoryLimit)
		applied = append(applied, KeyMemoryLimit)
	}

	return applied
}
