package elevenlabs

// Config contains ElevenLabs text-to-speech settings.
//   - APIKey: sent as the xi-api-key header
//   - BaseURL: API root
//   - DefaultVoice: voice used when a request does not name one
//   - Timeout: HTTP timeout in seconds
type Config struct {
	APIKey       string `env:"ELEVENLABS_API_KEY"`
	BaseURL      string `env:"ELEVENLABS_BASE_URL"      envDefault:"https://api.elevenlabs.io/v1"`
	DefaultVoice string `env:"ELEVENLABS_DEFAULT_VOICE" envDefault:"21m00Tcm4TlvDq8ikWAM"`
	Timeout      int    `env:"ELEVENLABS_TIMEOUT"       envDefault:"60"`
}
