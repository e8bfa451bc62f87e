package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    Policy
		wantErr bool
	}{
		{"strict", PolicyStrict, false},
		{"strip", PolicyStrip, false},
		{"permissive", PolicyPermissive, false},
		{"", PolicyPermissive, false},
		{"bogus", PolicyPermissive, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateStrict(t *testing.T) {
	v := NewValidator(PolicyStrict, nil)

	t.Run("known namespaces pass", func(t *testing.T) {
		out, err := v.Validate(map[string]interface{}{
			"anthropic": map[string]interface{}{"top_k": 50},
			"proxy":     map[string]interface{}{"route": "fast"},
		})
		require.NoError(t, err)
		assert.Equal(t, 50, out["anthropic"].(map[string]interface{})["top_k"])
	})

	t.Run("unknown namespace rejected", func(t *testing.T) {
		_, err := v.Validate(map[string]interface{}{
			"gemini": map[string]interface{}{},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gemini")
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := v.Validate(map[string]interface{}{
			"anthropic": map[string]interface{}{"banana": 1},
		})
		require.Error(t, err)
	})

	t.Run("non-object namespace rejected", func(t *testing.T) {
		_, err := v.Validate(map[string]interface{}{
			"anthropic": "not-a-map",
		})
		require.Error(t, err)
	})
}

func TestValidateStrip(t *testing.T) {
	v := NewValidator(PolicyStrip, nil)

	out, err := v.Validate(map[string]interface{}{
		"anthropic": map[string]interface{}{"top_p": 0.9, "banana": 1},
		"pi":        map[string]interface{}{"thinkingLevel": "high"},
		"ollama":    map[string]interface{}{"num_ctx": 4096},
	})
	require.NoError(t, err)

	// Top-level keys are a subset of the known namespaces.
	for key := range out {
		assert.True(t, IsKnownNamespace(key), "unexpected key %q", key)
	}
	assert.NotContains(t, out["anthropic"], "banana")
	assert.Contains(t, out["anthropic"], "top_p")
}

func TestValidatePermissiveKeepsUnknown(t *testing.T) {
	v := NewValidator(PolicyPermissive, nil)

	out, err := v.Validate(map[string]interface{}{
		"pi":        map[string]interface{}{"thinkingLevel": "high"},
		"anthropic": map[string]interface{}{"top_k": 50, "banana": 1},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "pi")
	assert.Contains(t, out["anthropic"], "banana")
}

func TestValidatePiNamespaceSurvives(t *testing.T) {
	in := map[string]interface{}{
		"pi": map[string]interface{}{
			"thinkingLevel":   "high",
			"originalCommand": "prompt",
			"model":           map[string]interface{}{"provider": "anthropic", "modelId": "x"},
		},
	}

	for _, policy := range []Policy{PolicyStrict, PolicyStrip, PolicyPermissive} {
		t.Run(string(policy), func(t *testing.T) {
			out, err := NewValidator(policy, nil).Validate(in)
			require.NoError(t, err)
			pi, ok := out["pi"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "high", pi["thinkingLevel"])
			assert.Equal(t, "prompt", pi["originalCommand"])
			assert.Contains(t, pi, "model")
		})
	}
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	v := NewValidator(PolicyStrip, nil)
	in := map[string]interface{}{
		"anthropic": map[string]interface{}{"banana": 1},
	}
	_, err := v.Validate(in)
	require.NoError(t, err)
	assert.Contains(t, in["anthropic"], "banana")
}

func TestValidateNil(t *testing.T) {
	v := NewValidator(PolicyStrict, nil)
	out, err := v.Validate(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestMergeRightBiased(t *testing.T) {
	a := map[string]interface{}{
		"anthropic": map[string]interface{}{"model": "a-model", "top_k": 50},
		"proxy":     map[string]interface{}{"route": "slow"},
	}
	b := map[string]interface{}{
		"anthropic": map[string]interface{}{"model": "b-model"},
	}

	out := Merge(a, b)
	assert.Equal(t, "b-model", out["anthropic"].(map[string]interface{})["model"])
	assert.Equal(t, 50, out["anthropic"].(map[string]interface{})["top_k"])
	assert.Equal(t, "slow", out["proxy"].(map[string]interface{})["route"])
}

func TestMergeEdgeCases(t *testing.T) {
	assert.Nil(t, Merge(nil, nil))

	b := map[string]interface{}{"proxy": map[string]interface{}{"route": "x"}}
	out := Merge(nil, b)
	assert.Equal(t, "x", out["proxy"].(map[string]interface{})["route"])

	// Unknown namespaces are replaced wholesale, not merged.
	out = Merge(
		map[string]interface{}{"custom": map[string]interface{}{"a": 1}},
		map[string]interface{}{"custom": map[string]interface{}{"b": 2}},
	)
	assert.NotContains(t, out["custom"], "a")
}

func TestGetAndNamespace(t *testing.T) {
	m := map[string]interface{}{
		"anthropic": map[string]interface{}{"model": "m"},
	}

	v, ok := Get(m, "anthropic", "model")
	require.True(t, ok)
	assert.Equal(t, "m", v)

	_, ok = Get(m, "anthropic", "missing")
	assert.False(t, ok)
	_, ok = Get(nil, "anthropic", "model")
	assert.False(t, ok)

	assert.NotNil(t, Namespace(m, "anthropic"))
	assert.Nil(t, Namespace(m, "openai"))
}
