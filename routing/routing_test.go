package routing

import (
	"net/netip"
	"testing"

	"github.com/ncruces/dhtnode/wire"
)

func testEndpoint(t *testing.T, host string, port uint16) wire.Endpoint {
	t.Helper()
	return wire.Endpoint{Addr: netip.MustParseAddr(host), Port: port}
}

func TestRegisterIdempotent(t *testing.T) {
	tbl := New(DefaultConfig(), nil)
	ep := testEndpoint(t, "10.0.0.1", 6881)
	var id [20]byte
	id[0] = 1

	n1 := tbl.Register(ep, id, nil)
	n2 := tbl.Register(ep, id, nil)
	if n1 != n2 {
		t.Fatal("expected the same Node on repeated registration of (endpoint, id)")
	}

	all, err := tbl.Query(QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d entries, want 1", len(all))
	}
}

func TestRegisterFiltersLowPorts(t *testing.T) {
	tbl := New(DefaultConfig(), nil)
	ep := testEndpoint(t, "10.0.0.1", 80)
	var id [20]byte
	if n := tbl.Register(ep, id, nil); n != nil {
		t.Fatal("expected nil for sub-1024 port")
	}
}

func TestRegisterRejectsBlacklisted(t *testing.T) {
	tbl := New(DefaultConfig(), nil)
	ep := testEndpoint(t, "10.0.0.1", 6881)
	var id [20]byte
	id[0] = 1

	n := tbl.Register(ep, id, nil)
	for i := 0; i < attemptThresholdInvalid+1; i++ {
		tbl.Remove(n, false)
	}

	if got := tbl.Register(ep, id, nil); got != nil {
		t.Fatal("expected registration of a blacklisted endpoint to fail")
	}
}

func TestRemoveRequiresExceedingThreshold(t *testing.T) {
	tbl := New(DefaultConfig(), nil)
	ep := testEndpoint(t, "10.0.0.1", 6881)
	var id [20]byte
	id[0] = 1

	n := tbl.Register(ep, id, nil)
	for i := 0; i < attemptThresholdInvalid; i++ {
		tbl.Remove(n, false)
	}
	all, err := tbl.Query(QueryOptions{})
	if err != nil || len(all) != 1 {
		t.Fatalf("expected node to survive below threshold, got %v %v", all, err)
	}

	tbl.Remove(n, false)
	if _, err := tbl.Query(QueryOptions{}); err != ErrEmpty {
		t.Fatalf("expected table empty after exceeding threshold, got err=%v", err)
	}
}

func TestForceRemoveDoesNotBlacklist(t *testing.T) {
	tbl := New(DefaultConfig(), nil)
	ep := testEndpoint(t, "10.0.0.1", 6881)
	var id [20]byte
	id[0] = 1

	n := tbl.Register(ep, id, nil)
	tbl.Remove(n, true)

	if got := tbl.Register(ep, id, nil); got == nil {
		t.Fatal("expected re-registration after a forced (non-blacklisting) removal to succeed")
	}
}

func TestProtectedNodeSurvivesThreshold(t *testing.T) {
	tbl := New(DefaultConfig(), nil)
	ep := testEndpoint(t, "10.0.0.1", 6881)
	var id [20]byte
	id[0] = 1

	n := tbl.Register(ep, id, nil)
	tbl.Protect(id)
	for i := 0; i < attemptThresholdInvalid+5; i++ {
		tbl.Remove(n, false)
	}

	all, err := tbl.Query(QueryOptions{})
	if err != nil || len(all) != 1 {
		t.Fatalf("expected protected node to survive repeated removal attempts, got %v %v", all, err)
	}
}

func TestEmptyTableQuery(t *testing.T) {
	tbl := New(DefaultConfig(), nil)
	if _, err := tbl.Query(QueryOptions{}); err != ErrEmpty {
		t.Fatalf("got %v, want ErrEmpty", err)
	}
}

func TestQueryLimitAndRank(t *testing.T) {
	tbl := New(DefaultConfig(), nil)
	for i := 0; i < 10; i++ {
		var id [20]byte
		id[0] = byte(9 - i)
		tbl.Register(testEndpoint(t, "10.0.0.1", uint16(2000+i)), id, nil)
	}

	all, err := tbl.Query(QueryOptions{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID[0] > all[i].ID[0] {
			t.Fatalf("results not ascending by id: %v", all)
		}
	}
}
