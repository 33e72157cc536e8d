package wire

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestEncodeDecodeEndpoint(t *testing.T) {
	e := Endpoint{Addr: netip.MustParseAddr("67.43.190.198"), Port: 6881}
	buf, err := EncodeEndpoint(e)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != EndpointLen {
		t.Fatalf("got %d bytes, want %d", len(buf), EndpointLen)
	}
	back, err := DecodeEndpoint(buf)
	if err != nil {
		t.Fatal(err)
	}
	if back != e {
		t.Fatalf("got %+v, want %+v", back, e)
	}
}

func TestEncodeEndpointRejectsIPv6(t *testing.T) {
	e := Endpoint{Addr: netip.MustParseAddr("::1"), Port: 1}
	if _, err := EncodeEndpoint(e); err == nil {
		t.Fatal("expected error for IPv6 address")
	}
}

func TestDecodeEndpointWrongLength(t *testing.T) {
	if _, err := DecodeEndpoint([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestEncodeDecodeNode(t *testing.T) {
	var id [20]byte
	for i := range id {
		id[i] = byte(i)
	}
	n := Node{ID: id, Endpoint: Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 6881}}
	buf, err := EncodeNode(n)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != NodeLen {
		t.Fatalf("got %d bytes, want %d", len(buf), NodeLen)
	}

	nodes := DecodeNodes(buf)
	if len(nodes) != 1 || nodes[0] != n {
		t.Fatalf("got %+v, want [%+v]", nodes, n)
	}
}

func TestDecodeNodesFiltersLowPorts(t *testing.T) {
	var id [20]byte
	lo := Node{ID: id, Endpoint: Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80}}
	hi := Node{ID: id, Endpoint: Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 6881}}
	buf := EncodeNodes([]Node{lo, hi})

	nodes := DecodeNodes(buf)
	if len(nodes) != 1 || nodes[0].Endpoint.Port != 6881 {
		t.Fatalf("expected only the high-port node to survive, got %+v", nodes)
	}
}

func TestDecodeNodesIgnoresTrailingBytes(t *testing.T) {
	var id [20]byte
	n := Node{ID: id, Endpoint: Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 6881}}
	buf := EncodeNodes([]Node{n})
	buf = append(buf, 1, 2, 3)

	nodes := DecodeNodes(buf)
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(nodes))
	}
}

func TestPutUint16Uint32RoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	PutUint32(buf, 0xdeadbeef)
	if Uint32(buf) != 0xdeadbeef {
		t.Fatalf("got %x", Uint32(buf))
	}
	PutUint16(buf[:2], 0x1234)
	if Uint16(buf[:2]) != 0x1234 {
		t.Fatalf("got %x", Uint16(buf[:2]))
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 80}
	if got, want := e.String(), "1.2.3.4:80"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncodeNodesSkipsInvalid(t *testing.T) {
	var id [20]byte
	valid := Node{ID: id, Endpoint: Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 6881}}
	invalid := Node{ID: id, Endpoint: Endpoint{Addr: netip.MustParseAddr("::1"), Port: 6881}}
	buf := EncodeNodes([]Node{invalid, valid})
	if !bytes.Equal(buf, mustEncodeNode(t, valid)) {
		t.Fatalf("expected only the valid node encoded")
	}
}

func mustEncodeNode(t *testing.T, n Node) []byte {
	t.Helper()
	buf, err := EncodeNode(n)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}
