package tts

// VoiceProfile describes a TTS voice configuration for the agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Settings tunes how the voice is rendered. The zero value means
	// "provider defaults"; use DefaultVoiceSettings for an explicit baseline.
	Settings VoiceSettings

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// VoiceSettings mirrors the synthesis tuning knobs shared by modern TTS
// services. Values outside a provider's accepted range are clamped by the
// provider.
type VoiceSettings struct {
	// Stability trades consistency for expressiveness (0.0–1.0).
	Stability float64

	// SimilarityBoost controls adherence to the original voice (0.0–1.0).
	SimilarityBoost float64

	// Style exaggerates the speaking style of the voice (0.0–1.0).
	Style float64

	// UseSpeakerBoost enables additional similarity processing at a small
	// latency cost.
	UseSpeakerBoost bool

	// Speed adjusts speaking rate (0.7–1.2, 1.0 = default). Slightly slower
	// values tend to land better with older listeners on a phone line.
	Speed float64
}

// DefaultVoiceSettings returns the baseline tuning used when the
// configuration does not override individual values.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0.0,
		UseSpeakerBoost: true,
		Speed:           1.0,
	}
}
