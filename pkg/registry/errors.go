package registry

import (
	"encoding/json"

	"github.com/containerbuild/engine/pkg/buildkind"
)

// distributionErrorEnvelope is the OCI Distribution spec's error body
// shape: {"errors": [{"code", "message", "detail"}, ...]}.
type distributionErrorEnvelope struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	} `json:"errors"`
}

// parseRegistryError turns a non-2xx response into a *buildkind.RegistryError,
// parsing the Distribution error envelope when present and falling back to
// an empty reason list for registries that don't send one.
func parseRegistryError(statusCode int, body []byte) error {
	var env distributionErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Errors) == 0 {
		return &buildkind.RegistryError{StatusCode: statusCode}
	}
	reasons := make([]buildkind.RegistryErrorDetail, 0, len(env.Errors))
	for _, e := range env.Errors {
		detail := ""
		if e.Detail != nil {
			if b, err := json.Marshal(e.Detail); err == nil {
				detail = string(b)
			}
		}
		reasons = append(reasons, buildkind.RegistryErrorDetail{
			Code:    e.Code,
			Message: e.Message,
			Detail:  detail,
		})
	}
	return &buildkind.RegistryError{
		StatusCode: statusCode,
		Code:       env.Errors[0].Code,
		Reasons:    reasons,
	}
}
