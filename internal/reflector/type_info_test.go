package reflector

import "testing"

type testStruct struct {
	Name string
}

type anotherStruct struct {
	Value int
}

func TestTypeInfoOf(t *testing.T) {
	ts := testStruct{Name: "test"}
	ti := TypeInfoOf(ts)

	if ti.Name != "github.com/nordlight-io/cqres/internal/reflector.testStruct" {
		t.Errorf("unexpected Name: %s", ti.Name)
	}
	if ti.Type.Name() != "testStruct" {
		t.Errorf("unexpected Type.Name(): %s", ti.Type.Name())
	}
}

func TestTypeInfoOf_Pointer(t *testing.T) {
	ts := &testStruct{Name: "test"}
	ti := TypeInfoOf(ts)

	if ti.Type.Name() != "testStruct" {
		t.Errorf("unexpected Type.Name(): %s", ti.Type.Name())
	}
}

func TestTypeInfoFor(t *testing.T) {
	ti := TypeInfoFor[anotherStruct]()

	if ti.Name != "github.com/nordlight-io/cqres/internal/reflector.anotherStruct" {
		t.Errorf("unexpected Name: %s", ti.Name)
	}
}

func TestTypeInfoOf_SameTypeCached(t *testing.T) {
	a := TypeInfoOf(testStruct{})
	b := TypeInfoOf(testStruct{})

	if a.Type != b.Type {
		t.Errorf("expected cached TypeInfo to share the same reflect.Type")
	}
}
