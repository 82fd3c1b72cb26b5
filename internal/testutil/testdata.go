package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

// Path returns the absolute path of a fixture stored next to this file
func Path(filename string) string {
	_, currentFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(currentFile), filename)
}

// LoadFile returns the raw bytes of a fixture
func LoadFile(filename string) ([]byte, error) {
	return os.ReadFile(Path(filename))
}

// LoadJSON reads and unmarshals a JSON fixture. If target is provided, it also unmarshals the JSON into the target.
func LoadJSON(filename string, target ...any) (map[string]any, error) {
	var result map[string]any

	data, err := LoadFile(filename)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if len(target) > 0 && target[0] != nil {
		if err := json.Unmarshal(data, target[0]); err != nil {
			return nil, err
		}
	}

	return result, nil
}
