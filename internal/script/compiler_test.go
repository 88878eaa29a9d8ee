package script

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompiler_Compile(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"ok.lua": `state.answer = 40 + 2`,
	})

	artifact, err := env.compiler.Compile(env.path("ok.lua"))
	require.NoError(t, err)
	assert.NotEmpty(t, artifact)

	unit, err := env.compiler.LoadArtifact(env.path("ok.lua"), artifact)
	require.NoError(t, err)

	interp, err := env.engine.NewInterpreter(InterpreterOptions{ContextID: GlobalContextID})
	require.NoError(t, err)
	require.NoError(t, interp.Execute(context.Background(), unit))

	answer := interp.(*tengoInterpreter).state.Value["answer"]
	require.NotNil(t, answer)
	assert.Equal(t, "42", answer.String())
}

func TestCompiler_CompileErrors(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"syntax.lua":     `state.x = (`,
		"unresolved.lua": `state.x = undefined_variable`,
	})

	testCases := []struct {
		name     string
		file     string
		expected ErrorType
	}{
		{"syntax error", "syntax.lua", ErrorTypeInvalidSyntax},
		{"unresolved reference", "unresolved.lua", ErrorTypeCompilation},
		{"missing file", "missing.lua", ErrorTypeCompilation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			artifact, err := env.compiler.Compile(env.path(tc.file))
			require.Error(t, err)
			assert.Nil(t, artifact)

			var scriptErr *ScriptError
			require.ErrorAs(t, err, &scriptErr)
			assert.Equal(t, tc.expected, scriptErr.Type)
			assert.Equal(t, env.path(tc.file), scriptErr.Path)
		})
	}
}

func TestCompiler_CompileToBytecodeReports(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"bad.lua": `state.x = (`,
	})

	artifact, ok := env.compiler.CompileToBytecode(env.path("bad.lua"))
	assert.False(t, ok)
	assert.Nil(t, artifact)

	summary := env.reporter.GetErrorSummary()
	assert.Equal(t, 1, summary.ErrorsByType[ErrorTypeInvalidSyntax])
}

func TestCompiler_LoadSource(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"a.lua":    `state.a = 1`,
		"lib.moon": `-- not runnable`,
	})

	unit, err := env.compiler.LoadSource(env.path("a.lua"))
	require.NoError(t, err)
	assert.Equal(t, LanguageTengo, unit.Language)

	// Precompiled artifacts are decoded rather than compiled.
	artifact, err := env.compiler.Compile(env.path("a.lua"))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(env.fs, env.path("pre.out"), artifact, 0o644))

	unit, err = env.compiler.LoadSource(env.path("pre.out"))
	require.NoError(t, err)
	assert.NotNil(t, unit)

	_, err = env.compiler.LoadSource(env.path("lib.moon"))
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, ErrorTypeNotFound, scriptErr.Type)

	_, err = env.compiler.LoadSource(env.path("notes.txt"))
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, ErrorTypeNotFound, scriptErr.Type)
}

func TestCompiler_LoadArtifactRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.compiler.LoadArtifact(env.path("a.lua"), []byte("not bytecode"))
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, ErrorTypeCompilation, scriptErr.Type)

	_, err = env.compiler.LoadArtifact(env.path("a.lua"), nil)
	assert.Error(t, err)
}
