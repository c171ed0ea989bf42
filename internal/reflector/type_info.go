// Package reflector derives stable storage names from Go types.
package reflector

import (
	"reflect"
	"sync"
)

// TypeInfo names a Go type the way events and messages are keyed in storage.
type TypeInfo struct {
	// Name is the package path qualified type name, e.g. "example.com/bank.Deposited".
	Name string
	// Type is the named type with all pointers removed.
	Type reflect.Type
}

var infos sync.Map // reflect.Type -> TypeInfo

func TypeInfoOf(x any) TypeInfo { return TypeInfoForType(reflect.TypeOf(x)) }

func TypeInfoFor[T any]() TypeInfo { return TypeInfoForType(reflect.TypeFor[T]()) }

// TypeInfoForType dereferences pointers so *Foo and Foo share one name.
// Unnamed and builtin types are named by their kind.
func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	if ti, ok := infos.Load(t); ok {
		return ti.(TypeInfo)
	}

	named := t
	for named.Kind() == reflect.Pointer {
		named = named.Elem()
	}

	ti := TypeInfo{Type: named, Name: named.String()}
	if pkg := named.PkgPath(); pkg != "" && named.Name() != "" {
		ti.Name = pkg + "." + named.Name()
	}

	actual, _ := infos.LoadOrStore(t, ti)
	return actual.(TypeInfo)
}
