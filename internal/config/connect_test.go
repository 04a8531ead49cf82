package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnect(t *testing.T) {
	opts, err := ParseConnect([]string{"host=broker1", "PORT=1883", "qos=1"})
	require.NoError(t, err)

	v, ok := opts.Get("host")
	assert.True(t, ok)
	assert.Equal(t, "broker1", v)

	// Keys are normalized to lowercase.
	v, ok = opts.Get("port")
	assert.True(t, ok)
	assert.Equal(t, "1883", v)

	assert.Equal(t, []string{"host", "port", "qos"}, opts.Keys())
}

func TestParseConnectLaterValueOverrides(t *testing.T) {
	opts, err := ParseConnect([]string{"host=a", "host=b"})
	require.NoError(t, err)

	v, _ := opts.Get("host")
	assert.Equal(t, "b", v)
	assert.Equal(t, []string{"host"}, opts.Keys())
}

func TestParseConnectRejectsMalformedTokens(t *testing.T) {
	_, err := ParseConnect([]string{"justakey"})
	assert.Error(t, err)

	_, err = ParseConnect([]string{"=value"})
	assert.Error(t, err)
}

func TestParseConnectAllowsEmptyValue(t *testing.T) {
	opts, err := ParseConnect([]string{"password="})
	require.NoError(t, err)
	v, ok := opts.Get("password")
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestUnknownKeys(t *testing.T) {
	opts, err := ParseConnect([]string{"host=h", "bogus=1", "extra=2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bogus", "extra"}, opts.Unknown([]string{"host", "port"}))
}

func TestGetDefault(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, "fallback", opts.GetDefault("missing", "fallback"))
	opts.Set("present", "v")
	assert.Equal(t, "v", opts.GetDefault("present", "fallback"))
}
