package models

// ProbeResult is the metadata gathered about a remote image.
// Fields the upstream did not disclose are nil and omitted from JSON.
type ProbeResult struct {
	Size      *int64  `json:"size,omitempty"`
	MimeType  *string `json:"mimeType,omitempty"`
	Extension *string `json:"extension,omitempty"`
	Width     *int    `json:"width,omitempty"`
	Height    *int    `json:"height,omitempty"`
}

// HasDimensions reports whether both width and height are known
func (r *ProbeResult) HasDimensions() bool {
	return r != nil && r.Width != nil && r.Height != nil
}
