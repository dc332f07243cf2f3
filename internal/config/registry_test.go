package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/dmdzco/donna2/internal/config"
	"github.com/dmdzco/donna2/pkg/provider/llm"
	llmmock "github.com/dmdzco/donna2/pkg/provider/llm/mock"
	"github.com/dmdzco/donna2/pkg/provider/stt"
	sttmock "github.com/dmdzco/donna2/pkg/provider/stt/mock"
)

func TestRegistryCreatesRegisteredProvider(t *testing.T) {
	r := config.NewRegistry()

	var gotEntry config.ProviderEntry
	r.RegisterLLM("mockllm", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "mockllm", APIKey: "key", Model: "m1"}
	p, err := r.CreateLLM(entry)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p == nil {
		t.Fatal("nil provider")
	}
	if gotEntry.Model != "m1" || gotEntry.APIKey != "key" {
		t.Errorf("factory received %+v", gotEntry)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := config.NewRegistry()
	_, err := r.CreateTTS(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if err == nil || !strings.Contains(err.Error(), `tts/"nope"`) {
		t.Errorf("error does not name the kind and provider: %v", err)
	}
}

func TestRegistryNamespacesAreIndependent(t *testing.T) {
	r := config.NewRegistry()
	r.RegisterSTT("shared", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	if _, err := r.CreateSTT(config.ProviderEntry{Name: "shared"}); err != nil {
		t.Fatalf("stt create: %v", err)
	}
	if _, err := r.CreateLLM(config.ProviderEntry{Name: "shared"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("llm namespace leaked: %v", err)
	}
}

func TestRegistryFactoryErrorPropagates(t *testing.T) {
	r := config.NewRegistry()
	boom := errors.New("bad api key")
	r.RegisterLLM("failing", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, boom
	})

	if _, err := r.CreateLLM(config.ProviderEntry{Name: "failing"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}
