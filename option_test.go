package openrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	config := &clientConfig{}
	withDefaults()(config)

	require.Equal(t, NamespaceSession, config.namespace)
	require.Equal(t, DefaultInputSampleRate, config.inputSampleRate)
	require.Equal(t, DefaultOutputSampleRate, config.outputSampleRate)
	require.Equal(t, 10*time.Second, config.handshakeTimeout)
	require.Equal(t, 60*time.Second, config.responseTimeout)
}

func TestConfigEnvKey(t *testing.T) {
	t.Setenv(ApiKeyEnvVarNameLong, "from-env")

	config := &clientConfig{}
	withDefaults()(config)
	require.Equal(t, "from-env", config.apiKey)
}

func TestConfigURL(t *testing.T) {
	config := &clientConfig{}
	withDefaults()(config)
	WithEndpoint("wss://example.test/v1/realtime")(config)
	WithModel("gpt-4o-realtime-preview")(config)

	require.Equal(t, "wss://example.test/v1/realtime?model=gpt-4o-realtime-preview", config.url())
}

func TestConfigValidate(t *testing.T) {
	config := &clientConfig{}
	withDefaults()(config)
	WithKey("")(config)
	require.Error(t, config.validate())

	WithKey("k")(config)
	require.NoError(t, config.validate())
}

func TestNamespaceOption(t *testing.T) {
	config := &clientConfig{}
	withDefaults()(config)
	WithNamespace(NamespaceTranscription)(config)
	require.Equal(t, "transcription_session", config.namespace)
}
