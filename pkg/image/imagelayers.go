package image

// ImageLayers is an ordered, deduplicated sequence of Layer values
// (spec.md §3 "ImageLayers"). Adding a layer whose compressed digest is
// already present is a no-op; iteration order is insertion order.
type ImageLayers struct {
	layers []Layer
	seen   map[string]struct{}
}

// NewImageLayers returns an empty ImageLayers collection.
func NewImageLayers() *ImageLayers {
	return &ImageLayers{seen: make(map[string]struct{})}
}

// Add appends layer unless a layer with the same compressed digest is
// already present. Unwritten layers (no digest assigned yet) are always
// appended since there is nothing yet to dedup against.
func (l *ImageLayers) Add(layer Layer) {
	d, err := layer.CompressedDigest()
	if err != nil {
		l.layers = append(l.layers, layer)
		return
	}
	key := d.String()
	if _, ok := l.seen[key]; ok {
		return
	}
	l.seen[key] = struct{}{}
	l.layers = append(l.layers, layer)
}

// Layers returns the layers in insertion order. The returned slice must
// not be mutated by the caller.
func (l *ImageLayers) Layers() []Layer {
	return l.layers
}

// Len reports how many layers are present.
func (l *ImageLayers) Len() int {
	return len(l.layers)
}
