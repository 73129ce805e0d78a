package system

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_Apply(t *testing.T) {
	prevProcs := runtime.GOMAXPROCS(0)
	prevGC := debug.SetGCPercent(100)
	t.Cleanup(func() {
		runtime.GOMAXPROCS(prevProcs)
		debug.SetGCPercent(prevGC)
	})

	v := viper.New()
	v.Set(KeyMaxProcs, 1)
	v.Set(KeyGCPercent, 50)

	applied := LoadFromViper(v).Apply()

	assert.Equal(t, []string{KeyMaxProcs, KeyGCPercent}, applied)
	assert.Equal(t, 1, runtime.GOMAXPROCS(0))
	assert.Equal(t, 50, debug.SetGCPercent(100))
}

func TestSettings_ZeroValuesKeepDefaults(t *testing.T) {
	assert.Empty(t, LoadFromViper(viper.New()).Apply())
}

func TestStartProfiling(t *testing.T) {
	dir := t.TempDir()
	cpu := filepath.Join(dir, "cpu.prof")
	mem := filepath.Join(dir, "mem.prof")

	stop, err := StartProfiling(cpu, mem)
	require.NoError(t, err)
	require.NoError(t, stop())

	for _, path := range []string{cpu, mem} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestStartProfiling_Disabled(t *testing.T) {
	stop, err := StartProfiling("", "")
	require.NoError(t, err)
	assert.NoError(t, stop())
}
