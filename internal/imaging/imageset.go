package imaging

import "strings"

// ImageSetIDFromOutputURI recovers the image-set identifier from a job's
// output location when the provider does not return it as a structured field.
// The provider writes results under <output-prefix>/<image-set-id>/, so the
// identifier is the last non-empty path segment.
//
// TODO: drop this once GetDICOMImportJob exposes the image-set id directly;
// today only the output URI is available on the job properties.
func ImageSetIDFromOutputURI(outputURI string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(outputURI), "/")
	if trimmed == "" {
		return ""
	}
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if strings.Contains(trimmed, ":") {
		// Scheme-only URI like "s3://bucket" has no usable segment.
		return ""
	}
	return trimmed
}
