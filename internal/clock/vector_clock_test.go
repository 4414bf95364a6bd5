package clock

import (
	"testing"
)

func TestIncrement(t *testing.T) {
	clock := NewVectorClock()
	clock = Increment(clock, "peer1")
	if clock["peer1"] != 1 {
		t.Errorf("Expected 1, got %d", clock["peer1"])
	}
	clock = Increment(clock, "peer1")
	if clock["peer1"] != 2 {
		t.Errorf("Expected 2, got %d", clock["peer1"])
	}
}

func TestIncrementNil(t *testing.T) {
	var clock VectorClock
	clock = Increment(clock, "peer1")
	if clock["peer1"] != 1 {
		t.Errorf("Expected 1, got %d", clock["peer1"])
	}
}

func TestMerge(t *testing.T) {
	clock1 := VectorClock{"a": 1, "b": 2}
	clock2 := VectorClock{"a": 3, "c": 4}
	merged := Merge(clock1, clock2)
	if merged["a"] != 3 || merged["b"] != 2 || merged["c"] != 4 {
		t.Errorf("Merge failed: %v", merged)
	}
}

func TestCompare(t *testing.T) {
	clock1 := VectorClock{"a": 1, "b": 2}
	clock2 := VectorClock{"a": 1, "b": 2}
	if Compare(clock1, clock2) != Equal {
		t.Error("Expected Equal")
	}

	clock3 := VectorClock{"a": 2, "b": 2}
	if Compare(clock1, clock3) != Before {
		t.Error("Expected Before")
	}

	clock4 := VectorClock{"a": 0, "b": 2}
	if Compare(clock1, clock4) != After {
		t.Error("Expected After")
	}

	clock5 := VectorClock{"a": 2, "b": 1}
	if Compare(clock1, clock5) != Concurrent {
		t.Error("Expected Concurrent")
	}
}

func TestHappensBefore(t *testing.T) {
	clock1 := VectorClock{"a": 1, "b": 2}
	clock2 := VectorClock{"a": 1, "b": 2}
	if !HappensBefore(clock1, clock2) {
		t.Error("Equal should happen before")
	}

	clock3 := VectorClock{"a": 2, "b": 2}
	if !HappensBefore(clock1, clock3) {
		t.Error("Before should happen before")
	}

	clock4 := VectorClock{"a": 0, "b": 2}
	if HappensBefore(clock1, clock4) {
		t.Error("After should not happen before")
	}
}

func TestClone(t *testing.T) {
	clock := VectorClock{"a": 1, "b": 2}
	cloned := Clone(clock)
	if cloned["a"] != 1 || cloned["b"] != 2 {
		t.Errorf("Clone failed: %v", cloned)
	}
	cloned["a"] = 3
	if clock["a"] != 1 {
		t.Error("Clone should be independent")
	}
}

func TestCloneNil(t *testing.T) {
	var clock VectorClock
	cloned := Clone(clock)
	if cloned != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestIncrementDoesNotMutateInput(t *testing.T) {
	clock := VectorClock{"a": 1}
	next := Increment(clock, "a")
	if clock["a"] != 1 {
		t.Errorf("Increment mutated its input: %v", clock)
	}
	if next["a"] != 2 {
		t.Errorf("expected ticked clock to be 2, got %d", next["a"])
	}
}

func TestTickMonotonic(t *testing.T) {
	c := NewVectorClock()
	c = c.Tick("r")
	if c.Get("r") != 1 {
		t.Fatalf("expected 1, got %d", c.Get("r"))
	}
	c2 := c.Tick("r")
	if c2.Get("r") <= c.Get("r") {
		t.Fatalf("tick must be strictly monotonic: %d -> %d", c.Get("r"), c2.Get("r"))
	}
}

func TestGetMissingIsZero(t *testing.T) {
	c := VectorClock{"a": 5}
	if c.Get("b") != 0 {
		t.Errorf("expected 0 for missing key, got %d", c.Get("b"))
	}
}

func TestConcurrentAndEqualTo(t *testing.T) {
	a := VectorClock{"x": 1, "y": 2}
	b := VectorClock{"x": 2, "y": 1}
	if !a.Concurrent(b) {
		t.Error("expected concurrent clocks")
	}
	if a.EqualTo(b) {
		t.Error("concurrent clocks should not be EqualTo")
	}
	c := Clone(a)
	if !a.EqualTo(c) {
		t.Error("a clock should be EqualTo its own clone")
	}
}

func TestMergeCommutativeAssociativeIdempotent(t *testing.T) {
	a := VectorClock{"a": 1, "b": 3}
	b := VectorClock{"a": 2, "c": 1}
	c := VectorClock{"b": 1, "c": 4}

	ab := a.Merge(b)
	ba := b.Merge(a)
	if !ab.EqualTo(ba) {
		t.Error("merge must be commutative")
	}

	abc1 := a.Merge(b).Merge(c)
	abc2 := a.Merge(b.Merge(c))
	if !abc1.EqualTo(abc2) {
		t.Error("merge must be associative")
	}

	idem := a.Merge(a)
	if !idem.EqualTo(a) {
		t.Error("merge must be idempotent")
	}
}