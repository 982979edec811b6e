package openrt

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/voicewire/openrt-go/tool"
)

const (
	ApiKeyEnvVarNameShort = "OPENAI_KEY"
	ApiKeyEnvVarNameLong  = "OPENAI_API_KEY"

	// NamespaceSession is the full speech-to-speech session namespace;
	// NamespaceTranscription is the transcription-only variant. The value
	// prefixes the created/updated handshake event types.
	NamespaceSession       = "session"
	NamespaceTranscription = "transcription_session"

	// DefaultInputSampleRate is what appended PCM is normalized to;
	// DefaultOutputSampleRate is the rate of synthesized audio coming back.
	DefaultInputSampleRate  = 16_000
	DefaultOutputSampleRate = 24_000
)

type clientConfig struct {
	endpoint         string
	model            string
	apiKey           string
	namespace        string
	instruction      string
	language         string
	voice            string
	temperature      float64
	speed            float64
	inputSampleRate  int
	outputSampleRate int
	latencyMS        int
	handshakeTimeout time.Duration
	updateTimeout    time.Duration
	requestTimeout   time.Duration
	commitTimeout    time.Duration
	responseTimeout  time.Duration
	logger           *slog.Logger
	tools            []tool.Tool
	autoUpdate       bool
}

func (c *clientConfig) latency() time.Duration {
	return time.Duration(c.latencyMS) * time.Millisecond
}

func (c *clientConfig) url() string {
	return fmt.Sprintf("%s?model=%s", c.endpoint, c.model)
}

func (c *clientConfig) validate() error {
	if c.apiKey == "" {
		return fmt.Errorf("missing api key")
	}
	if c.endpoint == "" {
		return fmt.Errorf("missing endpoint")
	}
	return nil
}

type ClientOption func(*clientConfig)

func WithEndpoint(endpoint string) ClientOption {
	return func(config *clientConfig) {
		config.endpoint = endpoint
	}
}

func WithModel(model string) ClientOption {
	return func(o *clientConfig) {
		o.model = model
	}
}

func WithKey(apiKey string) ClientOption {
	return func(o *clientConfig) {
		o.apiKey = apiKey
	}
}

func WithEnvKey(vars ...string) ClientOption {
	return func(o *clientConfig) {
		for _, envVarName := range vars {
			if k := os.Getenv(envVarName); k != "" {
				o.apiKey = k
				return
			}
		}
	}
}

// WithDotEnv loads a .env file into the process environment before the key
// lookup runs. A missing file is not an error.
func WithDotEnv(files ...string) ClientOption {
	return func(o *clientConfig) {
		_ = godotenv.Load(files...)
		WithEnvKey(ApiKeyEnvVarNameShort, ApiKeyEnvVarNameLong)(o)
	}
}

// WithNamespace selects the session event namespace, e.g.
// NamespaceTranscription for transcription-only sessions.
func WithNamespace(ns string) ClientOption {
	return func(o *clientConfig) {
		o.namespace = ns
	}
}

func WithTools(tools ...tool.Tool) ClientOption {
	return func(config *clientConfig) {
		config.tools = tools
	}
}

func WithVoice(voice string) ClientOption {
	return func(config *clientConfig) {
		config.voice = voice
	}
}

func WithSpeed(speed float64) ClientOption {
	return func(config *clientConfig) {
		config.speed = speed
	}
}

func WithInputSampleRate(sr int) ClientOption {
	return func(config *clientConfig) {
		config.inputSampleRate = sr
	}
}

func WithOutputSampleRate(sr int) ClientOption {
	return func(config *clientConfig) {
		config.outputSampleRate = sr
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientConfig) {
		o.logger = logger
	}
}

func WithDefaultLogger() ClientOption {
	return WithLogger(slog.Default())
}

func WithTemperature(temperature float64) ClientOption {
	return func(o *clientConfig) {
		o.temperature = temperature
	}
}

func WithLanguage(language string) ClientOption {
	return func(o *clientConfig) {
		o.language = language
	}
}

func WithInstruction(instruction string) ClientOption {
	return func(o *clientConfig) {
		o.instruction = instruction
	}
}

// WithLatency sets the audio input chunking latency in milliseconds.
func WithLatency(latencyMS int) ClientOption {
	return func(o *clientConfig) {
		o.latencyMS = latencyMS
	}
}

func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.handshakeTimeout = d
	}
}

func WithUpdateTimeout(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.updateTimeout = d
	}
}

// WithRequestTimeout bounds single-acknowledgement operations: append,
// clear, item retrieve/delete, item create.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.requestTimeout = d
	}
}

func WithCommitTimeout(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.commitTimeout = d
	}
}

func WithResponseTimeout(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.responseTimeout = d
	}
}

// WithAutoSessionUpdate sends the configured session settings right after the
// created handshake, so Connect returns with the session fully negotiated.
func WithAutoSessionUpdate(enabled bool) ClientOption {
	return func(o *clientConfig) {
		o.autoUpdate = enabled
	}
}

func WithOptions(opts ...ClientOption) ClientOption {
	return func(o *clientConfig) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

func withDefaults() ClientOption {
	return WithOptions(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEndpoint("wss://api.openai.com/v1/realtime"),
		WithNamespace(NamespaceSession),
		WithLanguage("en"),
		WithVoice("coral"),
		WithTemperature(0.7),
		WithInputSampleRate(DefaultInputSampleRate),
		WithOutputSampleRate(DefaultOutputSampleRate),
		WithLatency(200),
		WithSpeed(1.0),
		WithModel("gpt-4o-realtime-preview"),
		WithHandshakeTimeout(10*time.Second),
		WithUpdateTimeout(10*time.Second),
		WithRequestTimeout(10*time.Second),
		WithCommitTimeout(10*time.Second),
		WithResponseTimeout(60*time.Second),
		WithEnvKey(ApiKeyEnvVarNameShort, ApiKeyEnvVarNameLong),
	)
}
