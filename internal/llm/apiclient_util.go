package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 2048

// serverSentEventScanner reads the data lines of a Server-Sent Events stream.
type serverSentEventScanner struct {
	scanner *bufio.Scanner
	data    string
}

func newServerSentEventScanner(r io.Reader) *serverSentEventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &serverSentEventScanner{scanner: sc}
}

// Scan advances to the next "data:" line, skipping event names, comments and
// blank separators.
func (s *serverSentEventScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		s.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		return true
	}
	return false
}

// Data returns the payload of the last data line.
func (s *serverSentEventScanner) Data() string { return s.data }

func (s *serverSentEventScanner) Err() error { return s.scanner.Err() }

// providerError builds a ProviderError from a non-200 response.
func providerError(provider string, resp *http.Response) *ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	// Both providers wrap the reason in {"error": ...}; prefer it when present.
	var wrapped struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && len(wrapped.Error) > 0 {
		var s string
		var obj struct {
			Message string `json:"message"`
		}
		switch {
		case json.Unmarshal(wrapped.Error, &s) == nil && s != "":
			msg = s
		case json.Unmarshal(wrapped.Error, &obj) == nil && obj.Message != "":
			msg = obj.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &ProviderError{Provider: provider, Message: msg, Code: resp.StatusCode}
}

// emit sends ev unless ctx is done, reporting whether it was delivered.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
