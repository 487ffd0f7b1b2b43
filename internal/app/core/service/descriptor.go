package service

// Layer describes where a service sits in the strategy layer.
type Layer string

const (
	// LayerRegistry owns strategy records.
	LayerRegistry Layer = "registry"
	// LayerToken owns access tokens and their lifecycle.
	LayerToken Layer = "token"
	// LayerEngine runs energy accounting.
	LayerEngine Layer = "engine"
)

// Descriptor advertises a service's placement and the operations it serves.
// It does not change runtime behavior; the API lists descriptors so operators
// can see what a node exposes.
type Descriptor struct {
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	Layer        Layer    `json:"layer"`
	Capabilities []string `json:"capabilities,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
