package storage

import "testing"

func TestMemoryAdapterSetGetDelete(t *testing.T) {
	a := NewMemoryAdapter()
	if err := a.Init(); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := a.Get("k"); err != nil || ok {
		t.Fatalf("expected absent, got ok=%v err=%v", ok, err)
	}
	if err := a.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := a.Get("k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("expected v, got %q ok=%v err=%v", v, ok, err)
	}
	if err := a.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := a.Get("k"); ok {
		t.Fatal("expected absent after delete")
	}
}

func TestMemoryAdapterListSorted(t *testing.T) {
	a := NewMemoryAdapter()
	a.Set("b", []byte("2"))
	a.Set("a", []byte("1"))
	keys, err := a.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected sorted [a b], got %v", keys)
	}
}

func TestMemoryAdapterClear(t *testing.T) {
	a := NewMemoryAdapter()
	a.Set("k", []byte("v"))
	if err := a.Clear(); err != nil {
		t.Fatal(err)
	}
	keys, _ := a.List()
	if len(keys) != 0 {
		t.Fatalf("expected empty after clear, got %v", keys)
	}
}

func TestMemoryAdapterGetReturnsCopy(t *testing.T) {
	a := NewMemoryAdapter()
	a.Set("k", []byte("v"))
	v, _, _ := a.Get("k")
	v[0] = 'x'
	v2, _, _ := a.Get("k")
	if string(v2) != "v" {
		t.Fatalf("expected internal state untouched by caller mutation, got %q", v2)
	}
}
