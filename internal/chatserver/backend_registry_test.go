package chatserver

import "testing"

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	var gotDSN string
	RegisterStateBackendFactory(" StateTestCustom ", func(dsn string) (StateBackend, error) {
		gotDSN = dsn
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered state backend factory")
	}
	if gotDSN != scheme+"://example" {
		t.Fatalf("factory received dsn %q", gotDSN)
	}
}

func TestRegisterStateBackendFactoryIgnoresBlank(t *testing.T) {
	RegisterStateBackendFactory("", func(string) (StateBackend, error) { return nil, nil })
	RegisterStateBackendFactory("nilfactory", nil)
	if _, ok := lookupStateBackendFactory(""); ok {
		t.Fatalf("blank scheme should not register")
	}
	if _, ok := lookupStateBackendFactory("nilfactory"); ok {
		t.Fatalf("nil factory should not register")
	}
}
