package script

import (
	"fmt"
	"sort"
	"sync"
)

// EngineConstructor builds a fresh engine instance.
type EngineConstructor func() LanguageEngine

// Factory creates engines for the languages registered with it. Every
// interpreter context gets its own engine so security limits and module maps
// are never shared.
type Factory struct {
	mu           sync.RWMutex
	constructors map[ScriptLanguage]EngineConstructor
}

// NewFactory creates a factory with the Tengo engine registered.
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[ScriptLanguage]EngineConstructor)}
	f.Register(LanguageTengo, func() LanguageEngine { return NewTengoEngine() })
	return f
}

// Register adds or replaces the constructor for language.
func (f *Factory) Register(language ScriptLanguage, build EngineConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[language] = build
}

// CreateEngine returns an engine for the specified language
func (f *Factory) CreateEngine(language ScriptLanguage) (LanguageEngine, error) {
	f.mu.RLock()
	build, ok := f.constructors[language]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported script language: %s", language)
	}
	return build(), nil
}

// SupportedLanguages returns the registered languages in sorted order.
func (f *Factory) SupportedLanguages() []ScriptLanguage {
	f.mu.RLock()
	defer f.mu.RUnlock()

	languages := make([]ScriptLanguage, 0, len(f.constructors))
	for language := range f.constructors {
		languages = append(languages, language)
	}
	sort.Slice(languages, func(i, j int) bool { return languages[i] < languages[j] })
	return languages
}
