package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dmdzco/donna2/pkg/provider/embeddings"
	"github.com/dmdzco/donna2/pkg/provider/llm"
	"github.com/dmdzco/donna2/pkg/provider/stt"
	"github.com/dmdzco/donna2/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when a config entry names a provider
// no factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an LLM provider from a config entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// STTFactory builds a speech-to-text provider from a config entry.
type STTFactory func(ProviderEntry) (stt.Provider, error)

// TTSFactory builds a text-to-speech provider from a config entry.
type TTSFactory func(ProviderEntry) (tts.Provider, error)

// EmbeddingsFactory builds an embeddings provider from a config entry.
type EmbeddingsFactory func(ProviderEntry) (embeddings.Provider, error)

// Registry maps provider names to factories, one namespace per provider
// kind. cmd/donna registers the builtins at startup; tests register mocks.
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]LLMFactory
	stt        map[string]STTFactory
	tts        map[string]TTSFactory
	embeddings map[string]EmbeddingsFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]LLMFactory),
		stt:        make(map[string]STTFactory),
		tts:        make(map[string]TTSFactory),
		embeddings: make(map[string]EmbeddingsFactory),
	}
}

// RegisterLLM registers an LLM factory under name, replacing any previous
// registration.
func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// RegisterSTT registers a speech-to-text factory under name.
func (r *Registry) RegisterSTT(name string, f STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = f
}

// RegisterTTS registers a text-to-speech factory under name.
func (r *Registry) RegisterTTS(name string, f TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = f
}

// RegisterEmbeddings registers an embeddings factory under name.
func (r *Registry) RegisterEmbeddings(name string, f EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = f
}

// CreateLLM builds the LLM provider the entry names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateSTT builds the speech-to-text provider the entry names.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateTTS builds the text-to-speech provider the entry names.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	f, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateEmbeddings builds the embeddings provider the entry names.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	f, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}
