package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteAndRead(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))

	require.NoError(t, pf.WriteInfo(Info{PID: 12345, Port: 8080}))

	info, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, Info{PID: 12345, Port: 8080}, info)
}

func TestPIDFile_Write_CreatesDirectory(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "state", "nested", "serve.pid"))

	require.NoError(t, pf.Write(9090))

	info, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, 9090, info.Port)
}

func TestPIDFile_Read_PIDOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0o644))

	info, err := NewPIDFile(path).Read()
	require.NoError(t, err)
	assert.Equal(t, Info{PID: 4242}, info)
}

func TestPIDFile_Read_Invalid(t *testing.T) {
	tests := map[string]string{
		"not a number": "not-a-number\n",
		"bad port":     "12 http\n",
		"empty":        "\n",
		"extra fields": "1 2 3\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "serve.pid")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, err := NewPIDFile(path).Read()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid PID file content")
		})
	}
}

func TestPIDFile_Read_MissingFile(t *testing.T) {
	_, err := NewPIDFile(filepath.Join(t.TempDir(), "nonexistent.pid")).Read()
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	pf := NewPIDFile(path)
	require.NoError(t, pf.WriteInfo(Info{PID: 1}))

	require.NoError(t, pf.Remove())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_IsRunning(t *testing.T) {
	dir := t.TempDir()

	live := NewPIDFile(filepath.Join(dir, "live.pid"))
	require.NoError(t, live.Write(8080))
	info, running := live.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), info.PID)

	// A very high PID that almost certainly doesn't exist.
	dead := NewPIDFile(filepath.Join(dir, "dead.pid"))
	require.NoError(t, dead.WriteInfo(Info{PID: 999999, Port: 8080}))
	info, running = dead.IsRunning()
	assert.False(t, running)
	assert.Equal(t, 999999, info.PID)

	missing := NewPIDFile(filepath.Join(dir, "missing.pid"))
	info, running = missing.IsRunning()
	assert.False(t, running)
	assert.Zero(t, info)
}

func TestPIDFile_Signal(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))
	require.NoError(t, pf.Write(8080))

	assert.NoError(t, pf.Signal(syscall.Signal(0)))
}

func TestPIDFile_Signal_NoFile(t *testing.T) {
	err := NewPIDFile(filepath.Join(t.TempDir(), "nonexistent.pid")).Signal(syscall.Signal(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read PID file")
}

func TestPIDFile_Stop_NotRunning(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))
	require.NoError(t, pf.WriteInfo(Info{PID: 999999}))

	_, err := pf.Stop(0)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestShutdownSignals(t *testing.T) {
	assert.NotEmpty(t, ShutdownSignals())
}
