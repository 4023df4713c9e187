package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/zip"
)

// DataBundle packages the wide-format table and its codebook into a single
// zip download. Member names carry the experiment ID so unzipped files from
// different experiments do not collide.
func DataBundle(experimentID string, dataCSV, codebookCSV []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	now := time.Now().UTC()

	members := []struct {
		name string
		body []byte
	}{
		{fmt.Sprintf("data_%s.csv", experimentID), dataCSV},
		{fmt.Sprintf("codebook_%s.csv", experimentID), codebookCSV},
	}
	for _, m := range members {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     m.name,
			Method:   zip.Deflate,
			Modified: now,
		})
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("failed to create zip member %s: %w", m.name, err)
		}
		if _, err := fw.Write(m.body); err != nil {
			zw.Close()
			return nil, fmt.Errorf("failed to write zip member %s: %w", m.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize zip archive: %w", err)
	}
	return buf.Bytes(), nil
}
