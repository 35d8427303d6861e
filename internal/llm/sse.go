package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseReader pulls Server-Sent Event payloads off a response body.
// Only the data field matters for chat completions; event names, ids
// and comments are skipped. Multi-line data is joined with "\n".
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the data of the next event. It returns io.EOF once the
// body ends with no pending event.
func (s *sseReader) next() (string, error) {
	var data []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
}
