package bencode

import "testing"

func FuzzDecode(f *testing.F) {
	f.Add([]byte("i42e"))
	f.Add([]byte("4:spam"))
	f.Add([]byte("l4:spam4:eggse"))
	f.Add([]byte("d3:cow3:moo4:spam4:eggse"))
	f.Add([]byte(""))
	f.Add([]byte("d1:ai1e"))
	f.Add([]byte("l1:a"))
	f.Add([]byte("9999999999999999999999:x"))

	f.Fuzz(func(t *testing.T, buf []byte) {
		// Must not panic on any input, valid or not.
		Decode(buf)
	})
}
