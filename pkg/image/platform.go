package image

import (
	"github.com/containerbuild/engine/pkg/buildkind"
	"github.com/containerbuild/engine/pkg/digest"
)

// SelectPlatform resolves the manifest digest in idx matching platform
// (spec.md §4.F "selects the entry matching the target platform"). If no
// entry matches, returns InvalidInput naming the requested platform.
func SelectPlatform(idx *IndexTemplate, platform Platform) (digest.Digest, error) {
	for _, m := range idx.Raw.Manifests {
		if m.Platform == nil {
			continue
		}
		if platform.matches(*m.Platform) {
			return digest.Parse(m.Digest.String())
		}
	}
	return digest.Digest{}, &buildkind.InvalidInput{
		Reason: "no manifest in index matches platform " + platform.OS + "/" + platform.Architecture,
	}
}
