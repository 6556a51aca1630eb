package infra

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
)

func newTestStateFile(t *testing.T) (*StateFile, string, *Cryptor) {
	t.Helper()
	c := newTestCryptor(t)
	path := filepath.Join(t.TempDir(), "state.bin")
	return NewStateFile(path, c, zap.NewNop()), path, c
}

func TestStateFile_SaveLoadRoundTrip(t *testing.T) {
	f, _, _ := newTestStateFile(t)

	state := domain.AgentState{
		Version: 1,
		Protocols: []domain.ProtocolDefinition{
			{ID: "p1", Name: "baseline", ForwardToRemote: true},
		},
		RunningIDs:         []string{"p1"},
		HealthTestInterval: time.Hour,
		HealthTestCount:    7,
		TestsPerReport:     4,
	}
	require.NoError(t, f.Save(state))

	got := f.Load()
	assert.Equal(t, state, got)
}

func TestStateFile_MissingFileLoadsDefaults(t *testing.T) {
	f, _, _ := newTestStateFile(t)
	assert.Equal(t, DefaultAgentState(), f.Load())
}

func TestStateFile_CorruptBlobLoadsDefaults(t *testing.T) {
	f, path, _ := newTestStateFile(t)
	require.NoError(t, f.Save(domain.AgentState{Version: 1}))
	require.NoError(t, os.WriteFile(path, []byte("not an encrypted blob"), 0600))

	assert.Equal(t, DefaultAgentState(), f.Load())
}

func TestStateFile_WrongKeyLoadsDefaults(t *testing.T) {
	f, path, _ := newTestStateFile(t)
	require.NoError(t, f.Save(domain.AgentState{Version: 1, HealthTestCount: 3}))

	other := NewStateFile(path, newTestCryptor(t), zap.NewNop())
	assert.Equal(t, DefaultAgentState(), other.Load())
}

func TestStateFile_OnDiskBlobIsOpaque(t *testing.T) {
	f, path, _ := newTestStateFile(t)
	state := DefaultAgentState()
	state.Protocols = []domain.ProtocolDefinition{{Name: "secret-protocol-name"}}
	require.NoError(t, f.Save(state))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-protocol-name")
	assert.NotContains(t, string(raw), "protocols")
}

func TestSaveLoadDefinition_LocalPath(t *testing.T) {
	c := newTestCryptor(t)
	path := filepath.Join(t.TempDir(), "export.bin")
	def := domain.ProtocolDefinition{
		ID:     "serialized-id",
		Name:   "baseline",
		Probes: []domain.ProbeDefinition{{Kind: "cpu", Enabled: true}},
	}

	require.NoError(t, SaveDefinition(path, def, c))

	got, err := LoadDefinition(path, c)
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestLoadDefinition_HTTPSource(t *testing.T) {
	c := newTestCryptor(t)
	path := filepath.Join(t.TempDir(), "export.bin")
	def := domain.ProtocolDefinition{Name: "remote-import"}
	require.NoError(t, SaveDefinition(path, def, c))
	blob, err := os.ReadFile(path)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(blob)
	}))
	defer srv.Close()

	got, err := LoadDefinition(srv.URL, c)
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestLoadDefinition_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := LoadDefinition(srv.URL, newTestCryptor(t))
	assert.Error(t, err)
}

func TestLoadDefinition_WrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.bin")
	require.NoError(t, SaveDefinition(path, domain.ProtocolDefinition{Name: "x"}, newTestCryptor(t)))

	_, err := LoadDefinition(path, newTestCryptor(t))
	assert.Error(t, err)
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	require.NoError(t, atomicWrite(path, []byte("data"), 0600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.bin", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
