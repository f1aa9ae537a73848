package storage

import (
	"fmt"
	"os"

	"github.com/nbx-labs/neurec/pkg/neural"
)

// ReadRecordsFile loads a data file and decodes it into records.
// Intended for offline inspection of recorded sessions.
func ReadRecordsFile(path string) ([]neural.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	recs, err := neural.DecodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}
