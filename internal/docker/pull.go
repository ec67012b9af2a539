package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type pullMessage struct {
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    errorDetail    `json:"errorDetail"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m pullMessage) errorMessage() string {
	if s := strings.TrimSpace(m.Error); s != "" {
		return s
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

// pullPhase is the coarse phase a pull stream is in.
type pullPhase int

const (
	phaseDownloading pullPhase = iota
	phaseExtracting
)

// pullTracker folds per-layer progress into totals.
type pullTracker struct {
	layers map[string]progressDetail
}

func newPullTracker() *pullTracker {
	return &pullTracker{layers: make(map[string]progressDetail)}
}

func (t *pullTracker) observe(m pullMessage) pullPhase {
	status := strings.ToLower(m.Status)
	if m.ID != "" && strings.HasPrefix(status, "downloading") {
		t.layers[m.ID] = m.ProgressDetail
	}
	if m.ID != "" && (status == "download complete" || status == "already exists") {
		if d, ok := t.layers[m.ID]; ok && d.Total > 0 {
			t.layers[m.ID] = progressDetail{Current: d.Total, Total: d.Total}
		}
	}
	if strings.HasPrefix(status, "extracting") || status == "pull complete" || strings.HasPrefix(status, "verifying") {
		return phaseExtracting
	}
	return phaseDownloading
}

func (t *pullTracker) totals() (current, total int64) {
	for _, d := range t.layers {
		current += d.Current
		total += d.Total
	}
	return current, total
}

// pullError carries the daemon-reported failure of a pull.
type pullError struct {
	Code    int
	Message string
}

func (e *pullError) Error() string { return "image pull: " + e.Message }

// decodePull reads a pull stream, calling fn for every message, and returns
// the first error the daemon reported.
func decodePull(r io.Reader, fn func(pullMessage)) error {
	dec := json.NewDecoder(r)
	for {
		var msg pullMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if e := msg.errorMessage(); e != "" {
			return &pullError{Code: msg.ErrorDetail.Code, Message: e}
		}
		fn(msg)
	}
}
