package baseline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/pkg/fusion"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer("correct horse battery staple")
	require.NoError(t, err)

	in := map[string]fusion.FeatureStat{
		"typing_speed":  {Mean: 5, Std: 1},
		"dwell_mean_ms": {Mean: 120, Std: 20},
	}
	sealed, err := sealer.Seal(in)
	require.NoError(t, err)

	// The envelope is JSON, tagged with the scheme, and never leaks the
	// feature names.
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(sealed, &env))
	assert.Equal(t, sealAlgorithm, env["algorithm"])
	assert.NotContains(t, string(sealed), "typing_speed")

	var out map[string]fusion.FeatureStat
	require.NoError(t, sealer.Open(sealed, &out))
	assert.Equal(t, in, out)
}

func TestSealerWrongPassphrase(t *testing.T) {
	sealer, err := NewSealer("the right one")
	require.NoError(t, err)
	sealed, err := sealer.Seal(map[string]fusion.FeatureStat{"typing_speed": {Mean: 5, Std: 1}})
	require.NoError(t, err)

	other, err := NewSealer("the wrong one")
	require.NoError(t, err)
	var out map[string]fusion.FeatureStat
	assert.Error(t, other.Open(sealed, &out))
}

func TestSealerDetectsTampering(t *testing.T) {
	sealer, err := NewSealer("seal me")
	require.NoError(t, err)
	sealed, err := sealer.Seal(map[string]fusion.FeatureStat{"typing_speed": {Mean: 5, Std: 1}})
	require.NoError(t, err)

	var env sealedPayload
	require.NoError(t, json.Unmarshal(sealed, &env))
	flipped := []byte(env.Ciphertext)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	env.Ciphertext = string(flipped)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	var out map[string]fusion.FeatureStat
	assert.Error(t, sealer.Open(tampered, &out))
}

func TestSealerRejectsEmptyPassphrase(t *testing.T) {
	_, err := NewSealer("")
	assert.Error(t, err)
}

func TestSealerRejectsForeignEnvelope(t *testing.T) {
	sealer, err := NewSealer("seal me")
	require.NoError(t, err)

	var out map[string]fusion.FeatureStat
	assert.Error(t, sealer.Open([]byte(`{"algorithm":"rot13","nonce":"","ciphertext":""}`), &out))
	assert.Error(t, sealer.Open([]byte(`not json`), &out))
}
