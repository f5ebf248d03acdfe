package onnx

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGPUConfig(t *testing.T) {
	config := DefaultGPUConfig()
	assert.False(t, config.UseGPU)
	assert.Equal(t, 0, config.DeviceID)
	assert.Equal(t, "kNextPowerOfTwo", config.ArenaExtendStrategy)
	assert.Equal(t, "DEFAULT", config.CUDNNConvAlgoSearch)
	assert.True(t, config.DoCopyInDefaultStream)
}

func TestValidateGPUConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  GPUConfig
		wantErr bool
	}{
		{name: "cpu config", config: DefaultGPUConfig()},
		{name: "gpu config", config: GPUConfig{UseGPU: true, ArenaExtendStrategy: "kSameAsRequested", CUDNNConvAlgoSearch: "HEURISTIC"}},
		{name: "negative device", config: GPUConfig{UseGPU: true, DeviceID: -1}, wantErr: true},
		{name: "bad arena", config: GPUConfig{UseGPU: true, ArenaExtendStrategy: "grow"}, wantErr: true},
		{name: "bad algo", config: GPUConfig{UseGPU: true, CUDNNConvAlgoSearch: "FAST"}, wantErr: true},
		{name: "invalid values ignored on cpu", config: GPUConfig{DeviceID: -5, ArenaExtendStrategy: "grow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGPUConfig(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCudaSettings(t *testing.T) {
	s := cudaSettings(GPUConfig{UseGPU: true, DeviceID: 2, GPUMemLimit: 1024, DoCopyInDefaultStream: false})
	assert.Equal(t, "2", s["device_id"])
	assert.Equal(t, "1024", s["gpu_mem_limit"])
	assert.Equal(t, "0", s["do_copy_in_default_stream"])
	_, hasArena := s["arena_extend_strategy"]
	assert.False(t, hasArena)

	s = cudaSettings(DefaultGPUConfig())
	assert.Equal(t, "1", s["do_copy_in_default_stream"])
	assert.Equal(t, "kNextPowerOfTwo", s["arena_extend_strategy"])
}

func TestGetSystemLibraryPaths(t *testing.T) {
	gpu := getSystemLibraryPaths(true)
	cpu := getSystemLibraryPaths(false)
	require.NotEmpty(t, gpu)
	require.NotEmpty(t, cpu)
	assert.Contains(t, gpu[0], "gpu")
	assert.Greater(t, len(gpu), len(cpu))
}

func TestGetLibraryName(t *testing.T) {
	name, err := getLibraryName()
	switch runtime.GOOS {
	case osLinux:
		assert.Equal(t, libLinux, name)
	case osDarwin:
		assert.Equal(t, libDarwin, name)
	case osWindows:
		assert.Equal(t, libWindows, name)
	default:
		assert.Error(t, err)
		return
	}
	assert.NoError(t, err)
}

func TestResolveLibraryPath_Explicit(t *testing.T) {
	libPath := filepath.Join(t.TempDir(), "libonnxruntime.so")
	require.NoError(t, os.WriteFile(libPath, []byte("fake library"), 0o600))

	got, err := ResolveLibraryPath(libPath, false)
	require.NoError(t, err)
	assert.Equal(t, libPath, got)
}

func TestResolveLibraryPath_Env(t *testing.T) {
	libPath := filepath.Join(t.TempDir(), "libonnxruntime.so")
	require.NoError(t, os.WriteFile(libPath, []byte("fake library"), 0o600))
	t.Setenv(EnvLibraryPath, libPath)

	got, err := ResolveLibraryPath(filepath.Join(t.TempDir(), "missing.so"), false)
	require.NoError(t, err)
	assert.Equal(t, libPath, got)
}

func TestResolveLibraryPath_ProjectRoot(t *testing.T) {
	if runtime.GOOS != osLinux {
		t.Skip("project layout test uses the linux library name")
	}
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "go.mod"), []byte("module test\n"), 0o600))
	libDir := filepath.Join(projectDir, "onnxruntime", "lib")
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, libLinux), []byte("fake"), 0o600))

	t.Chdir(projectDir)

	got, err := ResolveLibraryPath("", false)
	require.NoError(t, err)
	// A system-wide install wins over the project copy.
	assert.FileExists(t, got)
}
