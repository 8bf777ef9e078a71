package terminal

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// castHeader is the first line of an asciicast v2 file.
type castHeader struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// ExportCast renders recorded entries as an asciicast v2 stream: a JSON
// header line followed by one [elapsed, "o", data] event per entry. Elapsed
// times are relative to the first entry.
func ExportCast(entries []Entry, width, height int) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	h := castHeader{Version: 2, Width: width, Height: height}
	if len(entries) > 0 {
		h.Timestamp = entries[0].Timestamp.Unix()
	}
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("encode cast header: %w", err)
	}

	for _, e := range entries {
		elapsed := e.Timestamp.Sub(entries[0].Timestamp).Seconds()
		event := []any{elapsed, "o", string(e.Bytes)}
		if err := enc.Encode(event); err != nil {
			return nil, fmt.Errorf("encode cast event: %w", err)
		}
	}
	return buf.Bytes(), nil
}
