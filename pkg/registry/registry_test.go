package registry_test

import (
	"testing"

	"github.com/mon-mesh/pkg/registry"
)

func TestRegisterAndLookup(t *testing.T) {
	registry.Register("test", "Lookup", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})

	h, ok := registry.Lookup("test::Lookup")
	if !ok {
		t.Fatalf("expected handler for test::Lookup")
	}
	result, err := h(nil, nil)
	if err != nil || result != "ok" {
		t.Fatalf("handler: got %v, %v", result, err)
	}
}

func TestLookupMissingIsNotAnError(t *testing.T) {
	if _, ok := registry.Lookup("test::DoesNotExist"); ok {
		t.Fatalf("expected no handler")
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	registry.Register("test", "Duplicate", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		return nil, nil
	})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	registry.Register("test", "Duplicate", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		return nil, nil
	})
}
