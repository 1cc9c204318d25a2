package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeymapPreservesOrder(t *testing.T) {
	got := parseKeymap("0=REST,1=TASK,2=OTHER")
	require.Len(t, got, 3)
	assert.Equal(t, "REST", got[0].Label)
	assert.Equal(t, "OTHER", got[2].Label)
}

func TestParseKeymapSkipsMalformedEntries(t *testing.T) {
	got := parseKeymap("0=REST,garbage,1=TASK")
	assert.Len(t, got, 2)
}

func TestGetEnvBoolDefaultsOnUnset(t *testing.T) {
	assert.True(t, getEnvBool("BIOSYNC_TEST_UNSET_BOOL", true))
}

func TestGetEnvBoolAcceptsCommonSpellings(t *testing.T) {
	t.Setenv("BIOSYNC_TEST_BOOL", "off")
	assert.False(t, getEnvBool("BIOSYNC_TEST_BOOL", true))
}

func TestGetEnvFloatParsesValue(t *testing.T) {
	t.Setenv("BIOSYNC_TEST_FLOAT", "12.5")
	assert.Equal(t, 12.5, getEnvFloat("BIOSYNC_TEST_FLOAT", 0))
}
