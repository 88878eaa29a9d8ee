package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_CreateEngine_Tengo(t *testing.T) {
	factory := NewFactory()

	engine, err := factory.CreateEngine(LanguageTengo)
	require.NoError(t, err)

	_, ok := engine.(*TengoEngine)
	assert.True(t, ok, "Expected TengoEngine instance")

	other, err := factory.CreateEngine(LanguageTengo)
	require.NoError(t, err)
	assert.NotSame(t, engine, other, "each call builds a new engine")
}

func TestFactory_CreateEngine_UnsupportedLanguage(t *testing.T) {
	factory := NewFactory()

	engine, err := factory.CreateEngine(ScriptLanguage("lua"))
	assert.Error(t, err)
	assert.Nil(t, engine)
	assert.Contains(t, err.Error(), "unsupported script language")
}

func TestFactory_Register(t *testing.T) {
	factory := NewFactory()
	custom := ScriptLanguage("custom")

	factory.Register(custom, func() LanguageEngine { return NewTengoEngine() })

	assert.Equal(t, []ScriptLanguage{custom, LanguageTengo}, factory.SupportedLanguages())

	engine, err := factory.CreateEngine(custom)
	require.NoError(t, err)
	assert.NotNil(t, engine)
}

func TestFactory_SupportedLanguagesReturnsCopy(t *testing.T) {
	factory := NewFactory()

	languages := factory.SupportedLanguages()
	languages[0] = ScriptLanguage("changed")

	assert.Equal(t, []ScriptLanguage{LanguageTengo}, factory.SupportedLanguages())
}
