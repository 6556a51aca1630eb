package infra

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
)

// StateFile persists the supervisor's AgentState as an encrypted blob,
// rewritten on every mutation that must survive a restart.
type StateFile struct {
	path    string
	cryptor *Cryptor
	logger  *zap.Logger
}

// NewStateFile creates a state file at path, encrypted with cryptor.
func NewStateFile(path string, cryptor *Cryptor, logger *zap.Logger) *StateFile {
	return &StateFile{path: path, cryptor: cryptor, logger: logger}
}

// Save serializes, encrypts and atomically writes the state. A failure
// leaves the prior on-disk state intact.
func (f *StateFile) Save(state domain.AgentState) error {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	blob, err := f.cryptor.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}
	if err := atomicWrite(f.path, blob, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Load reads and decrypts the state. A missing, undecryptable or corrupted
// file falls back to a fresh default state rather than failing.
func (f *StateFile) Load() domain.AgentState {
	blob, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("failed to read state file, using defaults", zap.Error(err))
		}
		return DefaultAgentState()
	}

	plaintext, err := f.cryptor.Open(blob)
	if err != nil {
		f.logger.Warn("failed to decrypt state file, using defaults", zap.Error(err))
		return DefaultAgentState()
	}

	var state domain.AgentState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		f.logger.Warn("failed to parse state file, using defaults", zap.Error(err))
		return DefaultAgentState()
	}
	return state
}

// DefaultAgentState returns the state a fresh installation starts with.
func DefaultAgentState() domain.AgentState {
	return domain.AgentState{
		Version:            1,
		HealthTestInterval: 6 * time.Hour,
		TestsPerReport:     4,
	}
}

// SaveDefinition encrypts and writes a protocol definition blob to path.
func SaveDefinition(path string, def domain.ProtocolDefinition, cryptor *Cryptor) error {
	plaintext, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to serialize definition: %w", err)
	}
	blob, err := cryptor.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt definition: %w", err)
	}
	if err := atomicWrite(path, blob, 0600); err != nil {
		return fmt.Errorf("failed to write definition: %w", err)
	}
	return nil
}

// LoadDefinition fetches an encrypted protocol definition from a local path
// or an HTTP(S) URL and decrypts it. The caller materializes it with a
// fresh id and storage directory; the serialized ones are never reused.
func LoadDefinition(source string, cryptor *Cryptor) (domain.ProtocolDefinition, error) {
	var def domain.ProtocolDefinition

	blob, err := fetchBlob(source)
	if err != nil {
		return def, err
	}

	plaintext, err := cryptor.Open(blob)
	if err != nil {
		return def, fmt.Errorf("failed to decrypt definition: %w", err)
	}
	if err := json.Unmarshal(plaintext, &def); err != nil {
		return def, fmt.Errorf("failed to parse definition: %w", err)
	}
	return def, nil
}

func fetchBlob(source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Get(source)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch definition: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch definition: %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}

	blob, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	return blob, nil
}

// atomicWrite writes to a temp file in the target directory, syncs, then
// renames into place so a crash cannot leave a torn file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".sensd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
