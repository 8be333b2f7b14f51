package output

import (
	"encoding/json"

	"github.com/pacerhq/pacer/internal/core"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatBurst renders a burst report as JSON.
func (f *JSONFormatter) FormatBurst(report *core.BurstReport) (string, error) {
	if report == nil {
		return "", nil
	}
	return f.marshal(report)
}

// FormatStates renders limiter snapshots as a JSON array.
func (f *JSONFormatter) FormatStates(states []*core.RateLimitState) (string, error) {
	if states == nil {
		states = []*core.RateLimitState{}
	}
	return f.marshal(states)
}

func (f *JSONFormatter) marshal(v any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
