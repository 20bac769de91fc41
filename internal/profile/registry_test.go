package profile

import "testing"

func TestRegistryRegisterResolve(t *testing.T) {
	reg := newRegistry()
	meta := Metadata{Key: "Flutter", BuildMarker: "flutterBuild"}
	if err := reg.register(meta); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok := reg.resolve("flutter"); !ok {
		t.Fatalf("resolve should be case-insensitive")
	}
	if err := reg.register(Metadata{Key: "flutter", BuildMarker: "x"}); err == nil {
		t.Fatalf("duplicate key should fail")
	}
}

func TestRegistryRequiresBuildMarker(t *testing.T) {
	reg := newRegistry()
	if err := reg.register(Metadata{Key: "empty"}); err == nil {
		t.Fatalf("missing build marker should fail")
	}
}

func TestBuiltinProfiles(t *testing.T) {
	meta, ok := Resolve(DefaultKey())
	if !ok {
		t.Fatalf("default profile must be registered")
	}
	if meta.BootstrapSuffix != ".nocache.js" {
		t.Fatalf("unexpected bootstrap suffix %q", meta.BootstrapSuffix)
	}
	keys := Keys()
	if len(keys) < 2 || keys[0] != "generic" || keys[1] != "webfx" {
		t.Fatalf("expected sorted builtin keys, got %v", keys)
	}
}
