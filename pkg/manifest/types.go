package manifest

// Manifest lists the extension modules the bridge loads at startup.
type Manifest struct {
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Extensions  []ExtensionEntry `json:"extensions"`
}

// ExtensionEntry describes one extension module on disk.
type ExtensionEntry struct {
	// Path is the shared-object path passed to the loader.
	Path string `json:"path"`
	// ChannelCapacity overrides the default per-direction bus capacity.
	ChannelCapacity int `json:"channelCapacity,omitempty"`
	// InitTimeoutMs overrides the default initializer deadline.
	InitTimeoutMs int `json:"initTimeoutMs,omitempty"`
	// Disabled skips the entry without removing it from the file.
	Disabled bool `json:"disabled,omitempty"`
}
