package audio

// FallbackMimeType is used when neither the encoder nor the negotiation
// produced a container type.
const FallbackMimeType = "audio/webm"

// DefaultMimePreferences lists encodings in order of preference.
var DefaultMimePreferences = []string{
	"audio/mp4",              // Safari / AAC capable runtimes
	"audio/webm;codecs=opus", // Opus in WebM
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/aac",
}

// NegotiateMimeType returns the first candidate the runtime reports as
// supported. An empty result means "let the platform default decide".
func NegotiateMimeType(candidates []string, supported func(string) bool) string {
	if supported == nil {
		return ""
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if supported(candidate) {
			return candidate
		}
	}
	return ""
}

// resolveMimeType picks the artifact type: encoder report, then the
// negotiated type, then the fallback.
func resolveMimeType(reported, negotiated, fallback string) string {
	switch {
	case reported != "":
		return reported
	case negotiated != "":
		return negotiated
	case fallback != "":
		return fallback
	default:
		return FallbackMimeType
	}
}
