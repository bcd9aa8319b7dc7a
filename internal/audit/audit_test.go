package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennisdiepolder/monti/webphone/internal/config"
	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

func TestRingKeepsNewest(t *testing.T) {
	r := NewRing(3)
	for _, a := range []string{"a", "b", "c", "d"} {
		r.Add(types.AuditRecord{Action: a})
	}

	assert.Equal(t, 3, r.Len())
	latest := r.Latest(0)
	require.Len(t, latest, 3)
	assert.Equal(t, "d", latest[0].Action)
	assert.Equal(t, "b", latest[2].Action)

	two := r.Latest(2)
	assert.Equal(t, []string{"d", "c"}, []string{two[0].Action, two[1].Action})
	assert.Len(t, r.Latest(10), 3)
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(0)
	assert.Empty(t, r.Latest(5))
	r.Add(types.AuditRecord{Action: "only"})
	assert.Equal(t, "only", r.Latest(1)[0].Action)
}

type memoryStore struct {
	mu      sync.Mutex
	records []types.AuditRecord
	calls   []types.CallRecord
}

func (m *memoryStore) SaveRecord(_ context.Context, rec types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryStore) SaveCall(_ context.Context, rec types.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, rec)
	return nil
}

func (m *memoryStore) Records(context.Context, string) ([]types.AuditRecord, error) { return nil, nil }
func (m *memoryStore) Calls(context.Context, string, string) ([]types.CallRecord, error) {
	return nil, nil
}

func TestSinkRecordsAndPersists(t *testing.T) {
	store := &memoryStore{}
	sink := New(store, 10, zerolog.Nop())
	sink.now = func() time.Time { return time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC) }

	rec := sink.Action("feed-connected", map[string]any{"url": "ws://feed"})
	sink.Session("call-accepted", "s-1", nil)
	sink.Error(types.ErrConnectionStopped, map[string]any{"reason": "keepalive"})
	sink.Flush()

	assert.Equal(t, "2026-10-19", rec.DateKey)
	assert.True(t, strings.HasSuffix(rec.SortKey, "#"+rec.ID))

	latest := sink.Latest(0)
	require.Len(t, latest, 3)
	assert.Equal(t, "error", latest[0].Action)
	assert.Equal(t, "AS-4141", latest[0].Code)
	assert.Equal(t, "Err 4141", latest[0].Data["message"])
	assert.Equal(t, "s-1", latest[1].SessionID)

	store.mu.Lock()
	assert.Len(t, store.records, 3)
	store.mu.Unlock()
}

func TestSinkWithoutStore(t *testing.T) {
	sink := New(nil, 2, zerolog.Nop())
	sink.Action("a", nil)
	sink.Flush()
	assert.Len(t, sink.Latest(0), 1)
}

func TestCallRecordFrom(t *testing.T) {
	start := time.Date(2026, 10, 19, 23, 59, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	ev := types.CallEvent{
		Kind: types.CallEnded,
		Call: types.CallSummary{
			SessionID:      "s-9",
			Direction:      types.DirectionInbound,
			Classification: types.ClassFlow,
			RemoteParty:    "4711",
			State:          types.StateEnded,
			StartedAt:      start,
			EndedAt:        &end,
		},
		Termination: &types.Termination{Cause: types.CauseBye, Originator: types.OriginatorRemote},
		Timestamp:   end,
	}

	rec := CallRecordFrom("m-1", ev)
	assert.Equal(t, "2026-10-19", rec.DateKey)
	assert.Equal(t, "m-1", rec.MemberID)
	assert.Equal(t, 90.0, rec.Duration)
	assert.Equal(t, types.CauseBye, rec.Cause)
	assert.Equal(t, types.OriginatorRemote, rec.Originator)
}

// fakeDynamo answers the DynamoDB JSON protocol for the calls the store makes
type fakeDynamo struct {
	mu       sync.Mutex
	requests map[string][]map[string]any
}

func (f *fakeDynamo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.Header.Get("X-Amz-Target")
	op := target[strings.LastIndex(target, ".")+1:]
	body, _ := io.ReadAll(r.Body)
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	f.mu.Lock()
	f.requests[op] = append(f.requests[op], payload)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	switch op {
	case "Query":
		_, _ = io.WriteString(w, `{"Count":1,"ScannedCount":1,"Items":[{"ActionDate":{"S":"2026-10-19"},"TimestampID":{"S":"t#1"},"ID":{"S":"1"},"Action":{"S":"feed-connected"}}]}`)
	default:
		_, _ = io.WriteString(w, `{}`)
	}
}

func (f *fakeDynamo) calls(op string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[op]
}

func TestDynamoDBStoreLocal(t *testing.T) {
	fake := &fakeDynamo{requests: map[string][]map[string]any{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := config.DynamoConfig{
		Mode:        config.DynamoModeLocal,
		Endpoint:    srv.URL,
		Region:      "eu-central-1",
		TablePrefix: "test_",
	}
	store, err := NewStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &DynamoDBStore{}, store)

	// both tables reported as existing
	assert.Len(t, fake.calls("DescribeTable"), 2)
	assert.Empty(t, fake.calls("CreateTable"))

	ctx := context.Background()
	require.NoError(t, store.SaveRecord(ctx, types.AuditRecord{DateKey: "2026-10-19", SortKey: "t#1", ID: "1", Action: "feed-connected"}))
	require.NoError(t, store.SaveCall(ctx, types.CallRecord{DateKey: "2026-10-19", SessionID: "s-1", MemberID: "m-1"}))

	puts := fake.calls("PutItem")
	require.Len(t, puts, 2)
	assert.Equal(t, "test_webphone_audit", puts[0]["TableName"])
	assert.Equal(t, "test_webphone_calls", puts[1]["TableName"])

	records, err := store.Records(ctx, "2026-10-19")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "feed-connected", records[0].Action)

	_, err = store.Calls(ctx, "2026-10-19", "m-1")
	require.NoError(t, err)
	queries := fake.calls("Query")
	require.Len(t, queries, 2)
	assert.Equal(t, "test_webphone_calls", queries[1]["TableName"])
	assert.NotEmpty(t, queries[1]["FilterExpression"])
}

func TestNewStoreDisabled(t *testing.T) {
	store, err := NewStore(context.Background(), config.DynamoConfig{Mode: config.DynamoModeNone}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &NoopStore{}, store)
}
