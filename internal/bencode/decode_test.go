package bencode

import (
	"reflect"
	"testing"
)

func TestDecodeBasicTypes(t *testing.T) {
	v, err := DecodeAll([]byte("i42e"))
	if err != nil || v.(int64) != 42 {
		t.Fatalf("int decode failed: %v %v", v, err)
	}
	v, err = DecodeAll([]byte("4:spam"))
	if err != nil || string(v.([]byte)) != "spam" {
		t.Fatalf("string decode failed: %v %v", v, err)
	}
	v, err = DecodeAll([]byte("l4:spam4:eggse"))
	if err != nil {
		t.Fatal(err)
	}
	list := v.([]interface{})
	if len(list) != 2 || string(list[0].([]byte)) != "spam" {
		t.Fatalf("list decode failed: %v", list)
	}
	v, err = DecodeAll([]byte("d3:cow3:moo4:spam4:eggse"))
	if err != nil {
		t.Fatal(err)
	}
	d := v.(map[string]interface{})
	if string(d["cow"].([]byte)) != "moo" {
		t.Fatalf("dict decode failed: %v", d)
	}
}

func TestDecodeErrorKinds(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
	}{
		{"i e", KindExpectedDigit},
		{"3spam", KindExpectedColon},
		{"99999999999999999999999:x", KindOverflow},
		{"i99999999999999999999999e", KindOverflow},
	}
	for _, c := range cases {
		_, _, err := Decode([]byte(c.in))
		if err == nil {
			t.Fatalf("%q: expected error", c.in)
		}
		kind, ok := ErrKind(err)
		if !ok || kind != c.kind {
			t.Fatalf("%q: expected kind %s, got %v (%v)", c.in, c.kind, kind, err)
		}
	}
}

func TestDepthExceeded(t *testing.T) {
	deep := make([]byte, 0, (MaxDepth+10)*1)
	for i := 0; i < MaxDepth+10; i++ {
		deep = append(deep, 'l')
	}
	_, _, err := Decode(deep)
	if err == nil {
		t.Fatal("expected depth_exceeded error")
	}
	kind, _ := ErrKind(err)
	if kind != KindDepthExceeded {
		t.Fatalf("expected depth_exceeded, got %v", kind)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := []byte("d3:bar4:spam3:fooi42ee")
	v, err := DecodeAll(orig)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, orig) {
		t.Fatalf("roundtrip mismatch: got %q want %q", out, orig)
	}
}
