package local

import (
	"bytes"
	"fmt"
	"io"
)

const diagnosticContentType = "text/plain; version=0.0.4; charset=utf-8"

// writeDiagnostic answers a request that is not a proxy request with the
// local traffic counters in the prometheus text format.
func (s *Server) writeDiagnostic(w io.Writer) error {
	var body bytes.Buffer
	if err := s.metrics.WriteText(&body); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		diagnosticContentType, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}
