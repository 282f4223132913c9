package tools

// Mode says where a client's process comes from.
type Mode string

const (
	// ModeExternal runs the engine's own server script from its install
	// directory.
	ModeExternal Mode = "external"
	// ModeLocal re-executes this binary as the in-repo tool host.
	ModeLocal Mode = "local"
)

// ProcessMetadata describes the process configuration behind a client.
type ProcessMetadata struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Mode      Mode     `json:"mode"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	ProcessID string   `json:"process_id,omitempty"`
}

// ProcessMetadataProvider exposes metadata for the hosting process.
type ProcessMetadataProvider interface {
	ProcessMetadata() ProcessMetadata
}
