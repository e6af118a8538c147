package resolve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/cache"
)

type fakeStore struct {
	mu      sync.Mutex
	names   map[string]int32
	systems map[string]int32
	tokens  map[string]int64
	canon   map[string]int64
	calls   atomic.Int32
	fail    error
	gate    chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		names:   map[string]int32{},
		systems: map[string]int32{},
		tokens:  map[string]int64{},
		canon:   map[string]int64{},
	}
}

func (f *fakeStore) enter() error {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.fail
}

func (f *fakeStore) EnsureParameterName(_ context.Context, name string) (int32, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.names[name]; ok {
		return id, nil
	}
	id := int32(len(f.names) + 1)
	f.names[name] = id
	return id, nil
}

func (f *fakeStore) LookupParameterName(_ context.Context, name string) (int32, bool, error) {
	if err := f.enter(); err != nil {
		return 0, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.names[name]
	return id, ok, nil
}

func (f *fakeStore) EnsureCodeSystem(_ context.Context, system string) (int32, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.systems[system]; ok {
		return id, nil
	}
	id := int32(100 + len(f.systems))
	f.systems[system] = id
	return id, nil
}

func (f *fakeStore) EnsureCommonTokenValue(_ context.Context, shard pgtype.Int2, csID int32, v string) (int64, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := shardString(shard) + "|" + string(rune(csID)) + "|" + v
	if id, ok := f.tokens[key]; ok {
		return id, nil
	}
	id := int64(1000 + len(f.tokens))
	f.tokens[key] = id
	return id, nil
}

func (f *fakeStore) EnsureCanonical(_ context.Context, shard pgtype.Int2, url string) (int64, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := shardString(shard) + "|" + url
	if id, ok := f.canon[key]; ok {
		return id, nil
	}
	id := int64(5000 + len(f.canon))
	f.canon[key] = id
	return id, nil
}

func testMessage() index.Message {
	return index.Message{
		RequestShard:      "tenant1",
		ResourceType:      "Observation",
		LogicalID:         "o1",
		LogicalResourceID: 10,
		VersionID:         1,
		Parameters: []index.Parameter{
			index.StringParameter{ParameterBase: index.ParameterBase{Name: "code-text"}, Value: "glucose"},
			index.TokenParameter{ParameterBase: index.ParameterBase{Name: "code"}, CodeSystem: "http://loinc.org", Value: "2345-7"},
			index.TagParameter{ParameterBase: index.ParameterBase{Name: "_tag"}, Value: "lab"},
			index.QuantityParameter{ParameterBase: index.ParameterBase{Name: "value-quantity"}, CodeSystem: "http://unitsofmeasure.org", Code: "mg/dL", Value: 95},
			index.ProfileParameter{ParameterBase: index.ParameterBase{Name: "_profile"}, URL: "http://example.org/StructureDefinition/lab"},
		},
	}
}

func TestResolver_Resolve(t *testing.T) {
	store := newFakeStore()
	r := New(cache.New(cache.DefaultConfig()), store, zerolog.Nop())

	shard, values, err := r.Resolve(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !shard.Valid || shard.Int16 != 11463 {
		t.Errorf("shard = %+v, want 11463", shard)
	}
	if len(values) != 5 {
		t.Fatalf("got %d values", len(values))
	}

	for _, rv := range values {
		if rv.ParameterName.ID == 0 {
			t.Errorf("%s: parameter name not resolved", rv.ParameterName.Name)
		}
	}
	if values[0].CodeSystem != nil || values[0].CommonToken != nil {
		t.Error("string parameter carries token identities")
	}
	tok := values[1]
	if tok.CodeSystem == nil || tok.CodeSystem.System != "http://loinc.org" {
		t.Errorf("token code system = %+v", tok.CodeSystem)
	}
	if tok.CommonToken == nil || tok.CommonToken.ShardKey != shard || tok.CommonToken.CodeSystemID != tok.CodeSystem.ID {
		t.Errorf("token value = %+v", tok.CommonToken)
	}
	if values[2].CodeSystem == nil || values[2].CodeSystem.System != DefaultTokenSystem {
		t.Errorf("tag without system = %+v, want default system", values[2].CodeSystem)
	}
	if values[3].CodeSystem == nil || values[3].CommonToken != nil {
		t.Errorf("quantity identities = %+v / %+v", values[3].CodeSystem, values[3].CommonToken)
	}
	if values[4].Canonical == nil || values[4].Canonical.ID < 5000 {
		t.Errorf("profile canonical = %+v", values[4].Canonical)
	}
}

func TestResolver_SecondResolveHitsCache(t *testing.T) {
	store := newFakeStore()
	r := New(cache.New(cache.DefaultConfig()), store, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := r.Resolve(ctx, testMessage()); err != nil {
		t.Fatal(err)
	}
	before := store.calls.Load()
	if _, _, err := r.Resolve(ctx, testMessage()); err != nil {
		t.Fatal(err)
	}
	if after := store.calls.Load(); after != before {
		t.Errorf("second resolve made %d store calls, want 0", after-before)
	}
}

func TestResolver_ShardSeparatesTokens(t *testing.T) {
	r := New(cache.New(cache.DefaultConfig()), newFakeStore(), zerolog.Nop())
	ctx := context.Background()

	m1 := testMessage()
	m2 := testMessage()
	m2.RequestShard = "tenant2"

	_, v1, err := r.Resolve(ctx, m1)
	if err != nil {
		t.Fatal(err)
	}
	_, v2, err := r.Resolve(ctx, m2)
	if err != nil {
		t.Fatal(err)
	}
	if v1[1].CommonToken.ID == v2[1].CommonToken.ID {
		t.Error("same token on two shards resolved to one id")
	}
	if v1[1].CodeSystem.ID != v2[1].CodeSystem.ID {
		t.Error("code systems are not sharded but got different ids")
	}
}

func TestResolver_StoreFailureAbortsMessage(t *testing.T) {
	store := newFakeStore()
	store.fail = errors.New("connection reset")
	r := New(cache.New(cache.DefaultConfig()), store, zerolog.Nop())

	_, values, err := r.Resolve(context.Background(), testMessage())
	if !errors.Is(err, ErrUnresolvedIdentity) {
		t.Fatalf("err = %v, want ErrUnresolvedIdentity", err)
	}
	if values != nil {
		t.Errorf("partial values returned: %v", values)
	}
}

func TestResolver_InvalidValue(t *testing.T) {
	r := New(cache.New(cache.DefaultConfig()), newFakeStore(), zerolog.Nop())
	msg := testMessage()
	msg.ResourceType = "observation"
	if _, _, err := r.Resolve(context.Background(), msg); err == nil {
		t.Error("expected validation error")
	}
}

func TestResolver_ConcurrentMissesAgree(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	r := New(cache.New(cache.DefaultConfig()), store, zerolog.Nop())

	const n = 16
	ids := make([]int32, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = r.ParameterNameID(context.Background(), "subject")
		}(i)
	}
	close(store.gate)
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("goroutine %d got id %d, want %d", i, ids[i], ids[0])
		}
	}
	if len(store.names) != 1 {
		t.Errorf("store holds %d names, want 1", len(store.names))
	}
}

// ctxStore blocks until released or until the store call's context ends.
type ctxStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
}

func (s *ctxStore) EnsureParameterName(ctx context.Context, name string) (int32, error) {
	close(s.entered)
	select {
	case <-s.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return s.fakeStore.EnsureParameterName(ctx, name)
}

func TestResolver_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &ctxStore{fakeStore: newFakeStore(), entered: make(chan struct{}), release: make(chan struct{})}
	r := New(cache.New(cache.DefaultConfig()), store, zerolog.Nop())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.ParameterNameID(ctxA, "gender")
		errA <- err
	}()
	<-store.entered

	type result struct {
		id  int32
		err error
	}
	resB := make(chan result, 1)
	go func() {
		id, err := r.ParameterNameID(context.Background(), "gender")
		resB <- result{id, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}
	close(store.release)

	b := <-resB
	if b.err != nil {
		t.Fatalf("live caller failed: %v", b.err)
	}
	if id, ok := r.cache.GetParameterNameID("gender"); !ok || id != b.id {
		t.Errorf("cache = (%d, %v), want %d", id, ok, b.id)
	}
}

func TestResolver_LookupDoesNotCreate(t *testing.T) {
	store := newFakeStore()
	r := New(cache.New(cache.DefaultConfig()), store, zerolog.Nop())
	ctx := context.Background()

	if _, ok, err := r.LookupParameterName(ctx, "never-indexed"); err != nil || ok {
		t.Errorf("LookupParameterName = (%v, %v), want not found", ok, err)
	}
	if len(store.names) != 0 {
		t.Error("lookup created a parameter name")
	}

	id, _ := r.ParameterNameID(ctx, "family")
	got, ok, err := r.LookupParameterName(ctx, "family")
	if err != nil || !ok || got != id {
		t.Errorf("LookupParameterName(family) = (%d, %v, %v), want %d", got, ok, err, id)
	}
}

type recordingDB struct {
	execs   []string
	queries []string
	args    [][]any
}

func (d *recordingDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *recordingDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.queries = append(d.queries, sql)
	d.args = append(d.args, args)
	return scanRow{}
}

type scanRow struct{}

func (scanRow) Scan(dest ...any) error {
	switch p := dest[0].(type) {
	case *int32:
		*p = 7
	case *int64:
		*p = 70
	}
	return nil
}

func TestPGStore_TokenValue(t *testing.T) {
	db := &recordingDB{}
	s := NewPGStore(db)
	shard := pgtype.Int2{Int16: 3, Valid: true}

	id, err := s.EnsureCommonTokenValue(context.Background(), shard, 4, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if id != 70 {
		t.Errorf("id = %d", id)
	}
	want := "SELECT ctv.common_token_value_id FROM common_token_values AS ctv" +
		" WHERE ctv.shard_key IS NOT DISTINCT FROM $1 AND ctv.code_system_id = $2 AND ctv.token_value = $3"
	if len(db.queries) != 1 || db.queries[0] != want {
		t.Errorf("query = %v\nwant %s", db.queries, want)
	}
	if len(db.args[0]) != 3 || db.args[0][2] != "abc" {
		t.Errorf("args = %v", db.args[0])
	}
	if len(db.execs) != 1 {
		t.Errorf("execs = %d, want 1", len(db.execs))
	}
}

func TestPGStore_LookupMissing(t *testing.T) {
	s := NewPGStore(noRowsDB{})
	_, ok, err := s.LookupParameterName(context.Background(), "x")
	if err != nil || ok {
		t.Errorf("LookupParameterName = (%v, %v), want (false, nil)", ok, err)
	}
}

type noRowsDB struct{}

func (noRowsDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (noRowsDB) QueryRow(context.Context, string, ...any) pgx.Row { return noRow{} }

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }
