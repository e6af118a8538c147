package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

func shard(v int16) pgtype.Int2 { return pgtype.Int2{Int16: v, Valid: true} }

func TestCache_AbsentIsNotZero(t *testing.T) {
	c := New(DefaultConfig())

	if id, ok := c.GetParameterNameID("family"); ok || id != 0 {
		t.Errorf("GetParameterNameID on empty cache = (%d, %v)", id, ok)
	}
	if _, ok := c.GetCodeSystemID("http://loinc.org"); ok {
		t.Error("GetCodeSystemID on empty cache reported a hit")
	}
	if _, ok := c.GetCommonTokenValueID(CommonTokenValueKey{CodeSystem: "s", TokenValue: "v"}); ok {
		t.Error("GetCommonTokenValueID on empty cache reported a hit")
	}

	// id 0 is a legitimate id once stored
	if err := c.AddParameterName("_id", 0); err != nil {
		t.Fatalf("AddParameterName: %v", err)
	}
	if id, ok := c.GetParameterNameID("_id"); !ok || id != 0 {
		t.Errorf("GetParameterNameID(_id) = (%d, %v), want (0, true)", id, ok)
	}
}

func TestCache_AddThenGet(t *testing.T) {
	c := New(DefaultConfig())
	key := CommonTokenValueKey{ShardKey: shard(11463), CodeSystem: "http://loinc.org", TokenValue: "1234-5"}

	if err := c.AddParameterName("code", 7); err != nil {
		t.Fatal(err)
	}
	if err := c.AddCodeSystem("http://loinc.org", 3); err != nil {
		t.Fatal(err)
	}
	if err := c.AddCommonTokenValue(key, 99); err != nil {
		t.Fatal(err)
	}
	if err := c.AddCanonical(CanonicalKey{URL: "http://example.org/p"}, 5); err != nil {
		t.Fatal(err)
	}

	if id, _ := c.GetParameterNameID("code"); id != 7 {
		t.Errorf("parameter name id = %d, want 7", id)
	}
	if id, _ := c.GetCodeSystemID("http://loinc.org"); id != 3 {
		t.Errorf("code system id = %d, want 3", id)
	}
	if id, _ := c.GetCommonTokenValueID(key); id != 99 {
		t.Errorf("token value id = %d, want 99", id)
	}
	if id, _ := c.GetCanonicalID(CanonicalKey{URL: "http://example.org/p"}); id != 5 {
		t.Errorf("canonical id = %d, want 5", id)
	}
}

func TestCache_ShardIsPartOfTokenKey(t *testing.T) {
	c := New(DefaultConfig())
	a := CommonTokenValueKey{ShardKey: shard(1), CodeSystem: "s", TokenValue: "v"}
	b := CommonTokenValueKey{ShardKey: shard(2), CodeSystem: "s", TokenValue: "v"}
	unsharded := CommonTokenValueKey{CodeSystem: "s", TokenValue: "v"}

	if err := c.AddCommonTokenValue(a, 10); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetCommonTokenValueID(b); ok {
		t.Error("token on another shard hit the cache")
	}
	if _, ok := c.GetCommonTokenValueID(unsharded); ok {
		t.Error("unsharded token hit the cache")
	}
	if err := c.AddCommonTokenValue(b, 20); err != nil {
		t.Errorf("same token on another shard: %v", err)
	}
}

func TestCache_ConflictingIDs(t *testing.T) {
	c := New(DefaultConfig())

	tests := []struct {
		name   string
		first  func() error
		second func() error
	}{
		{"parameter name",
			func() error { return c.AddParameterName("name", 1) },
			func() error { return c.AddParameterName("name", 2) }},
		{"code system",
			func() error { return c.AddCodeSystem("http://snomed.info/sct", 1) },
			func() error { return c.AddCodeSystem("http://snomed.info/sct", 2) }},
		{"token value",
			func() error { return c.AddCommonTokenValue(CommonTokenValueKey{CodeSystem: "x", TokenValue: "y"}, 1) },
			func() error { return c.AddCommonTokenValue(CommonTokenValueKey{CodeSystem: "x", TokenValue: "y"}, 2) }},
		{"canonical",
			func() error { return c.AddCanonical(CanonicalKey{URL: "u"}, 1) },
			func() error { return c.AddCanonical(CanonicalKey{URL: "u"}, 2) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.first(); err != nil {
				t.Fatalf("first add: %v", err)
			}
			if err := tt.first(); err != nil {
				t.Errorf("re-adding the same id: %v", err)
			}
			if err := tt.second(); !errors.Is(err, ErrIdentityConflict) {
				t.Errorf("conflicting add error = %v, want ErrIdentityConflict", err)
			}
		})
	}

	if id, _ := c.GetParameterNameID("name"); id != 1 {
		t.Errorf("conflict overwrote the cached id: got %d", id)
	}
}

func TestCache_BoundedBySize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CodeSystemSize = 2
	c := New(cfg)

	for i, s := range []string{"a", "b", "c"} {
		if err := c.AddCodeSystem(s, int32(i+1)); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := c.GetCodeSystemID("a"); ok {
		t.Error("oldest code system was not evicted")
	}
	if id, ok := c.GetCodeSystemID("c"); !ok || id != 3 {
		t.Errorf("newest code system = (%d, %v)", id, ok)
	}
	if got := c.Stats().Size["code_systems"]; got != 2 {
		t.Errorf("code_systems size = %d, want 2", got)
	}
}

func TestCache_ExpiresAfterWrite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CanonicalTTL = 20 * time.Millisecond
	c := New(cfg)

	key := CanonicalKey{URL: "http://example.org/StructureDefinition/x"}
	if err := c.AddCanonical(key, 1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.GetCanonicalID(key); ok {
		t.Error("canonical did not expire")
	}
	// after expiry the key may be re-added with a new id
	if err := c.AddCanonical(key, 2); err != nil {
		t.Errorf("re-add after expiry: %v", err)
	}
}

func TestCache_Stats(t *testing.T) {
	c := New(DefaultConfig())
	_ = c.AddParameterName("a", 1)
	c.GetParameterNameID("a")
	c.GetParameterNameID("b")
	c.GetCodeSystemID("x")

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 2 {
		t.Errorf("hits/misses = %d/%d, want 1/2", s.Hits, s.Misses)
	}
	if s.Size["parameter_names"] != 1 {
		t.Errorf("parameter_names = %d", s.Size["parameter_names"])
	}
}

func TestCache_ConcurrentAdds(t *testing.T) {
	c := New(DefaultConfig())
	key := CommonTokenValueKey{ShardKey: shard(3), CodeSystem: "s", TokenValue: "v"}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.AddCommonTokenValue(key, 42); err != nil {
				errs <- err
			}
			if err := c.AddParameterName("code", 8); err != nil {
				errs <- err
			}
			c.GetCommonTokenValueID(key)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent add of the same id: %v", err)
	}
	if id, _ := c.GetCommonTokenValueID(key); id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
}
