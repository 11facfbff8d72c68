package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseSink writes frames as server-sent events: data: <json>\n\n, flushed
// per frame so slow consumers see progress as it happens.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
