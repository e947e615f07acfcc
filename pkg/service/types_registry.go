package service

import (
	"reflect"
	"sync"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
)

// TypeRegistry maps a declared parameter/return type name (as carried in
// an Endpoint's ParamTypes/ReturnType) to its Go reflect.Type, so the
// dispatch pipeline can allocate and unmarshal into the right shape without
// compile-time codegen (§9: "reflection over tagged struct fields is
// acceptable").
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTypeRegistry returns an empty TypeRegistry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register associates name with the type of zero (a nil or zero-value
// instance of the target type, e.g. ChargeRequest{}).
func (r *TypeRegistry) Register(name string, zero any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = reflect.TypeOf(zero)
}

// New allocates a new addressable zero value for name, returning a pointer
// (reflect.Value of kind Ptr) suitable for json.Unmarshal.
func (r *TypeRegistry) New(name string) (reflect.Value, error) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return reflect.Value{}, svcerrors.New(svcerrors.Internal, "unknown parameter type: "+name)
	}
	return reflect.New(t), nil
}
