package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAndEval(t *testing.T) {
	env, err := EventEnv()
	require.NoError(t, err)

	prg, err := Compile(env, `metadata.disposition == "interested" && event_type == "call_disposition"`)
	require.NoError(t, err)

	ok, err := EvalBool(prg, EventAttributes("call_disposition", map[string]any{"disposition": "interested"}))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvalBool(prg, EventAttributes("call_disposition", map[string]any{"disposition": "no_answer"}))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejects(t *testing.T) {
	env, err := EventEnv()
	require.NoError(t, err)

	_, err = Compile(env, `metadata.score + `)
	require.Error(t, err)

	_, err = Compile(env, `event_type`)
	require.ErrorContains(t, err, "must return bool")
}
