package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenKeysAbsent(t *testing.T) {
	prefs, err := Load([]byte("[client]\n"))
	require.NoError(t, err)
	assert.Equal(t, 80, prefs.DefaultPort)
	assert.Equal(t, []string{"http-tcp", "http"}, prefs.TransportOrder)
	assert.Equal(t, 128, prefs.MaxAbandonGaps)
}

func TestLoadOverridesFromFile(t *testing.T) {
	raw := []byte(`
[client]
default_host = jpip.example.org
default_port = 8080
cache_dir = /var/cache/jpip

[transport]
order = http-udp,http-tcp,http
min_usecs_per_byte = 1.5
max_abandon_gaps = 64
`)
	prefs, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, "jpip.example.org", prefs.DefaultHost)
	assert.Equal(t, 8080, prefs.DefaultPort)
	assert.Equal(t, "/var/cache/jpip", prefs.CacheDir)
	assert.Equal(t, []string{"http-udp", "http-tcp", "http"}, prefs.TransportOrder)
	assert.InDelta(t, 1.5, prefs.MinUsecsPerByte, 0.0001)
	assert.Equal(t, 64, prefs.MaxAbandonGaps)
}

func TestLoadRejectsMalformedPort(t *testing.T) {
	_, err := Load([]byte("[client]\ndefault_port = not-a-number\n"))
	assert.Error(t, err)
}
