package backend

import (
	"context"
	"testing"

	"github.com/mbekkel/taskmill/internal/model"
)

type stubRuntime struct {
	name string
}

func (s *stubRuntime) Ensure(context.Context, model.Deployment) (Instance, error) {
	return nil, nil
}
func (s *stubRuntime) BindAttempt(string, string)         {}
func (s *stubRuntime) Stop(context.Context, string) error { return nil }
func (s *stubRuntime) Capabilities() Capabilities         { return Capabilities{Name: s.name} }

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	local := &stubRuntime{name: RuntimeLocal}
	r.Register(RuntimeLocal, local)

	got, err := r.Resolve(RuntimeLocal)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != local {
		t.Error("resolved wrong runtime")
	}

	if _, err := r.Resolve(RuntimeFirecracker); err == nil {
		t.Error("Resolve succeeded for unregistered runtime")
	}
}

func TestRegistryAutoPrefersStrongestIsolation(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Resolve(RuntimeAuto); err == nil {
		t.Error("auto resolution succeeded with nothing registered")
	}

	local := &stubRuntime{name: RuntimeLocal}
	r.Register(RuntimeLocal, local)

	got, err := r.Resolve(RuntimeAuto)
	if err != nil {
		t.Fatalf("Resolve auto: %v", err)
	}
	if got != local {
		t.Error("auto did not fall back to local")
	}

	fc := &stubRuntime{name: RuntimeFirecracker}
	r.Register(RuntimeFirecracker, fc)

	got, err = r.Resolve(RuntimeAuto)
	if err != nil {
		t.Fatalf("Resolve auto: %v", err)
	}
	if got != fc {
		t.Error("auto did not prefer firecracker once registered")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(RuntimeLocal, &stubRuntime{name: RuntimeLocal})
	r.Register(RuntimeFirecracker, &stubRuntime{name: RuntimeFirecracker})

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("List returned %d entries", len(infos))
	}
	if infos[0].Name != RuntimeFirecracker || infos[1].Name != RuntimeLocal {
		t.Errorf("List order = %q, %q", infos[0].Name, infos[1].Name)
	}
}
