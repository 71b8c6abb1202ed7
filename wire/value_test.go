package wire

import (
	"encoding/json"
	"testing"
)

func TestObjectPreservesInsertionOrder(t *testing.T) {
	obj := NewObject()
	obj.SetString("zebra", "z")
	obj.SetString("apple", "a")
	obj.SetRaw("mango", 3)

	out, err := obj.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"zebra":"z","apple":"a","mango":3}`
	if string(out) != want {
		t.Errorf("marshal = %s, want %s", out, want)
	}
}

func TestObjectRoundTripKeepsWireOrder(t *testing.T) {
	raw := `{"b":1,"a":2,"c":{"y":true,"x":false}}`
	var v Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatal(err)
	}
	out, err := v.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != raw {
		t.Errorf("round trip = %s, want %s", out, raw)
	}
}

func TestObjectSetOverwritesWithoutReordering(t *testing.T) {
	obj := NewObject()
	obj.SetRaw("1", true)
	obj.SetRaw("2", 10)
	obj.SetRaw("1", false)

	out, _ := obj.MarshalJSON()
	if string(out) != `{"1":false,"2":10}` {
		t.Errorf("marshal = %s", out)
	}
}

func TestObjectDelete(t *testing.T) {
	obj := NewObject()
	obj.SetString("gwId", "G")
	obj.SetString("devId", "D")
	obj.Delete("gwId")
	obj.Delete("missing")

	if obj.Len() != 1 {
		t.Fatalf("Len = %d, want 1", obj.Len())
	}
	out, _ := obj.MarshalJSON()
	if string(out) != `{"devId":"D"}` {
		t.Errorf("marshal = %s", out)
	}
}

func TestValueNullSentinel(t *testing.T) {
	if !Null.IsNull() {
		t.Error("Null should report IsNull")
	}
	var zero Value
	if zero.IsNull() {
		t.Error("zero Value is not the JSON null literal")
	}

	msg := Message{Data: Null}
	if msg.HasData() {
		t.Error("null data should report HasData false")
	}
	msg.Data = ValueFromString("x")
	if !msg.HasData() {
		t.Error("non-null data should report HasData true")
	}
}

func TestValueAccessors(t *testing.T) {
	if s, ok := ValueFromString("hello").String(); !ok || s != "hello" {
		t.Errorf("String = %q, %v", s, ok)
	}
	if b, ok := ValueFromRaw(true).Bool(); !ok || !b {
		t.Errorf("Bool = %v, %v", b, ok)
	}
	if f, ok := ValueFromRaw(500).Float64(); !ok || f != 500 {
		t.Errorf("Float64 = %v, %v", f, ok)
	}
	if _, ok := ValueFromString("nan").Float64(); ok {
		t.Error("string should not decode as number")
	}
	if _, ok := ValueFromRaw(1).Object(); ok {
		t.Error("number should not present an object view")
	}
}
