package framework

import "encoding/json"

// CommandResult is returned by every completed tool command.
type CommandResult struct {
	Success bool               `json:"success"`
	Output  string             `json:"output,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
	// Raw is the tool's own JSON response, verbatim, when it emitted one.
	Raw json.RawMessage `json:"raw,omitempty"`
	// ProcessID identifies the record that served the command.
	ProcessID string `json:"process_id,omitempty"`
}

// Structured reports whether the tool answered with a JSON object.
func (r *CommandResult) Structured() bool {
	return r != nil && len(r.Raw) > 0
}

// Decode unmarshals the raw response into v.
func (r *CommandResult) Decode(v any) error {
	if !r.Structured() {
		return ErrNotStructured
	}
	return json.Unmarshal(r.Raw, v)
}
