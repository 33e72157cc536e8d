package bencode

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeNested(t *testing.T) {
	x := []any{"b", "a", []any{"c", Dict{"0": []any{int64(1), "d"}}}}
	got, err := Encode(x)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("l1:b1:al1:cd1:0li1e1:deeee")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	back, err := Decode(got)
	if err != nil {
		t.Fatal(err)
	}
	reenc, err := Encode(back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reenc, want) {
		t.Fatalf("round trip mismatch: got %q, want %q", reenc, want)
	}
}

func TestEncodeDictSorted(t *testing.T) {
	got, err := Encode(Dict{"c": int64(3), "a": int64(1), "b": int64(2)})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("d1:ai1e1:bi2e1:ci3ee")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDecodeTrailingBytesIsError(t *testing.T) {
	_, err := Decode([]byte("i1ee"))
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		"",
		"i",
		"ie",
		"5:ab",
		"l1:a",
		"d1:a",
		"d1:ai1e",
		"x",
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c)); !errors.Is(err, ErrInvalidEncoding) {
			t.Errorf("Decode(%q): expected ErrInvalidEncoding, got %v", c, err)
		}
	}
}

func TestDecodePrefixReturnsOffset(t *testing.T) {
	buf := []byte("i42eextra")
	v, pos, err := DecodePrefix(buf)
	if err != nil {
		t.Fatal(err)
	}
	if v.(int64) != 42 {
		t.Fatalf("got %v, want 42", v)
	}
	if pos != 4 {
		t.Fatalf("got pos %d, want 4", pos)
	}
}

func TestRoundTripCanonical(t *testing.T) {
	x := Dict{
		"t": "aa",
		"y": "q",
		"q": "ping",
		"a": Dict{"id": "abcdefghij0123456789"},
	}
	enc, err := Encode(x)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	reenc, err := Encode(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(enc, reenc) {
		t.Fatalf("encode(decode(encode(x))) != encode(x): %q vs %q", reenc, enc)
	}
}

func TestDictAccessors(t *testing.T) {
	d := Dict{"id": "abc", "port": int64(6881), "nodes": []any{"x"}}
	if s, err := d.GetString("id"); err != nil || s != "abc" {
		t.Fatalf("GetString: %v %v", s, err)
	}
	if n, err := d.GetInt("port"); err != nil || n != 6881 {
		t.Fatalf("GetInt: %v %v", n, err)
	}
	if l, err := d.GetList("nodes"); err != nil || len(l) != 1 {
		t.Fatalf("GetList: %v %v", l, err)
	}
	if _, err := d.GetString("missing"); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
	if _, err := d.GetInt("id"); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding for wrong type, got %v", err)
	}
}
