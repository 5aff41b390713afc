package domain

import "fmt"

// Artifact is a non-text payload produced by a capability, such as a generated
// file. It travels to the side-effect sink, never into model-facing text.
type Artifact struct {
	Kind     string `json:"kind"` // "file" | "image" | "audio" | ...
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Summary is a short human-readable description used in place of the payload.
func (a Artifact) Summary() string {
	name := a.Name
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("%s %q (%d bytes) delivered", a.Kind, name, len(a.Data))
}
