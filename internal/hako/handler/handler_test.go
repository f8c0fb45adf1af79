package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bdobrica/Hosuto/common/spec/bundle"
)

func buildHandler(t *testing.T, name string, ep bundle.Entrypoint) Handler {
	t.Helper()
	factory, ok := Lookup(name)
	if !ok {
		t.Fatalf("handler %q not registered", name)
	}
	h, err := factory(ep, "")
	if err != nil {
		t.Fatalf("build %q: %v", name, err)
	}
	return h
}

func TestLookup_Unknown(t *testing.T) {
	if _, ok := Lookup("no-such-handler"); ok {
		t.Error("expected miss for unknown handler")
	}
}

func TestNames_ContainsBuiltins(t *testing.T) {
	names := Names()
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["echo"] || !found["transform"] {
		t.Errorf("Names() = %v, want echo and transform", names)
	}
}

func TestEcho(t *testing.T) {
	h := buildHandler(t, "echo", bundle.Entrypoint{Handler: "echo"})

	in := json.RawMessage(`{"a":1}`)
	out, err := h.Invoke(context.Background(), in)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("output = %s, want %s", out, in)
	}
}

func TestEcho_EmptyInput(t *testing.T) {
	h := buildHandler(t, "echo", bundle.Entrypoint{Handler: "echo"})

	out, err := h.Invoke(context.Background(), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != "null" {
		t.Errorf("output = %s, want null", out)
	}
}

func TestTransform_DefaultPrefix(t *testing.T) {
	h := buildHandler(t, "transform", bundle.Entrypoint{Handler: "transform"})

	out, err := h.Invoke(context.Background(), json.RawMessage(`"hello"`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var res struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Result != "Processed: hello" {
		t.Errorf("result = %q, want %q", res.Result, "Processed: hello")
	}
}

func TestTransform_ConfiguredPrefix(t *testing.T) {
	h := buildHandler(t, "transform", bundle.Entrypoint{
		Handler: "transform",
		Config:  map[string]string{"prefix": "Hi, "},
	})

	out, err := h.Invoke(context.Background(), json.RawMessage(`"there"`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var res struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Result != "Hi, there" {
		t.Errorf("result = %q, want %q", res.Result, "Hi, there")
	}
}

func TestTransform_NonStringInput(t *testing.T) {
	h := buildHandler(t, "transform", bundle.Entrypoint{Handler: "transform"})

	out, err := h.Invoke(context.Background(), json.RawMessage(`{"n":42}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var res struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Result != `Processed: {"n":42}` {
		t.Errorf("result = %q, want %q", res.Result, `Processed: {"n":42}`)
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	Register("echo", func(_ bundle.Entrypoint, _ string) (Handler, error) { return nil, nil })
}
