package orchestrator

import (
	godigest "github.com/opencontainers/go-digest"

	"github.com/containerbuild/engine/pkg/digest"
)

func mustOCIDigest(d digest.Digest) godigest.Digest {
	return godigest.Digest(d.String())
}
