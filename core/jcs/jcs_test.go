package jcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAndNormalizesNumbers(t *testing.T) {
	canonical, err := Canonicalize([]byte(`{ "skill": {"version":"1.2.0", "name":"deploy"}, "attempt": 1.0, "cost": 1e2 }`))
	require.NoError(t, err)
	assert.Equal(t, `{"attempt":1,"cost":100,"skill":{"name":"deploy","version":"1.2.0"}}`, string(canonical))
}

func TestDigestJCSKnownVector(t *testing.T) {
	digest, err := DigestJCS([]byte(`{ "b":2, "a":1 }`))
	require.NoError(t, err)
	assert.Equal(t, "43258cff783fe7036d8a43033f830adfc60ec037382473548ac742b888292777", digest)
}

func TestDigestValueMatchesDigestJCS(t *testing.T) {
	fromValue, err := DigestValue(map[string]any{"status": "succeeded", "execution_id": "exec-1"})
	require.NoError(t, err)
	fromDocument, err := DigestJCS([]byte(`{"execution_id":"exec-1","status":"succeeded"}`))
	require.NoError(t, err)
	assert.Equal(t, fromDocument, fromValue)
	assert.Len(t, fromValue, 64)
}

func TestInvalidInput(t *testing.T) {
	_, err := Canonicalize([]byte(`{"plan_id":`))
	assert.Error(t, err)
	_, err = DigestJCS([]byte(`[1,`))
	assert.Error(t, err)
	_, err = DigestValue(map[string]any{"fn": func() {}})
	assert.Error(t, err)
}
