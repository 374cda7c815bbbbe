// Package reflector provides type reflection utilities with caching.
// It extracts and caches type metadata for efficient repeated lookups.
package reflector

import (
	"reflect"
	"sync"
)

// maxCacheSize bounds the type cache. The number of distinct types
// touched by a running program is small and fixed, so this is rarely
// hit; when it is, the cache is simply cleared.
const maxCacheSize = 1024

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo holds metadata about a reflected type.
type TypeInfo struct {
	Name string       // fully qualified name: "pkg/path.TypeName"
	Type reflect.Type // the underlying reflect.Type
}

// TypeInfoOf returns TypeInfo for the dynamic type of x.
// The result is cached for subsequent lookups.
func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

// TypeInfoFor returns TypeInfo for type parameter T.
// The result is cached for subsequent lookups.
func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

// TypeInfoForType returns TypeInfo for the given reflect.Type.
// For pointer types, returns info about the element type.
// Safe for concurrent use.
func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}

	// unwrap pointer before the cache lookup so keys stay consistent
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	ti = TypeInfo{
		Name: t.PkgPath() + "." + t.Name(),
		Type: t,
	}

	muCache.Lock()
	if existing, ok := cache[t]; ok {
		muCache.Unlock()
		return existing
	}
	if len(cache) >= maxCacheSize {
		cache = make(map[reflect.Type]TypeInfo)
	}
	cache[t] = ti
	muCache.Unlock()

	return ti
}
