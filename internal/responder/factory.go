package responder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PromptDesk/internal/genai"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultFactoryCacheSize bounds how many API keys keep a live client.
const DefaultFactoryCacheSize = 8

// ClientBuilder creates a generation client for an API key.
type ClientBuilder func(apiKey string) (genai.ClientInterface, error)

// Factory hands out Responders keyed by API key, so rotating the key in the
// settings switches clients without mutating any shared one.
type Factory struct {
	build     ClientBuilder
	cache     *lru.Cache
	onFailure func(err error)
}

// NewFactory creates a Factory. extra options are applied to every genai client.
func NewFactory(onFailure func(err error), extra ...genai.Option) (*Factory, error) {
	build := func(apiKey string) (genai.ClientInterface, error) {
		opts := append([]genai.Option{genai.WithAPIKey(apiKey)}, extra...)
		return genai.NewClient(opts...)
	}
	return NewFactoryWithBuilder(build, onFailure)
}

// NewFactoryWithBuilder creates a Factory with a custom client builder.
func NewFactoryWithBuilder(build ClientBuilder, onFailure func(err error)) (*Factory, error) {
	cache, err := lru.New(DefaultFactoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create responder cache: %w", err)
	}
	return &Factory{build: build, cache: cache, onFailure: onFailure}, nil
}

// ForAPIKey returns the Responder for apiKey, building its client on first use.
func (f *Factory) ForAPIKey(apiKey string) (Responder, error) {
	key := fingerprint(apiKey)
	if r, ok := f.cache.Get(key); ok {
		return r.(Responder), nil
	}
	client, err := f.build(apiKey)
	if err != nil {
		return nil, err
	}
	r := NewAIResponder(client)
	r.OnFailure = f.onFailure
	f.cache.Add(key, r)
	slog.Debug("Factory.ForAPIKey: responder client created", "cached", f.cache.Len())
	return r, nil
}

// fingerprint keeps raw keys out of the cache.
func fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
