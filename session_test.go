package tailclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tailclient/sessionlog"
	"github.com/ashureev/tailclient/stores"
	"github.com/ashureev/tailclient/transport"
	"github.com/ashureev/tailclient/wire"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Identity:   Identity{TenantID: "t1", ID: "drafter", Type: IdentityAgent},
		SessionID:  "sess-1",
		Token:      "tok",
		APIBaseURL: "https://api.example",
		WSBaseURL:  "wss://ws.example",
	}
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	opts := testOptions(t)
	opts.SessionID = ""
	if _, err := New(context.Background(), opts); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNew_HydratesFromStore(t *testing.T) {
	store := stores.NewMemorySessionStore()
	payload := json.RawMessage(`{}`)
	state := sessionlog.PersistedState{
		Cursor: 2,
		Events: []wire.Event{
			{Seq: 1, Type: "msg", Actor: "agent:drafter", Payload: payload},
			{Seq: 2, Type: "msg", Actor: "agent:drafter", Payload: payload},
		},
	}
	if err := store.Save(context.Background(), "sess-1", state); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	opts := testOptions(t)
	opts.Store = store
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap := s.GetSnapshot()
	if snap.LastSeq != 2 || len(snap.Events) != 2 {
		t.Fatalf("expected hydrated snapshot with 2 events at seq 2, got %+v", snap)
	}
}

// fakeHTTPClient lets Append tests script responses without a real server.
type fakeHTTPClient struct {
	status  int
	body    string
	lastReq *http.Request
}

func (f *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	return &http.Response{
		StatusCode: f.status,
		Status:     strconv.Itoa(f.status),
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     make(http.Header),
	}, nil
}

func TestSession_Append_DerivesActorAndIncrementsProducerSeq(t *testing.T) {
	client := &fakeHTTPClient{status: 200, body: `{"seq":5,"last_seq":5,"deduped":false}`}
	opts := testOptions(t)
	opts.HTTPClient = client
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := s.Append(context.Background(), AppendInput{Type: "msg", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Seq != 5 {
		t.Fatalf("expected seq 5, got %d", res.Seq)
	}

	var sent appendRequestBody
	reqBody, _ := io.ReadAll(client.lastReq.Body)
	if err := json.Unmarshal(reqBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.Actor != "agent:drafter" {
		t.Fatalf("expected derived actor agent:drafter, got %q", sent.Actor)
	}
	if sent.ProducerSeq != 0 {
		t.Fatalf("expected first producer_seq 0, got %d", sent.ProducerSeq)
	}

	if _, err := s.Append(context.Background(), AppendInput{Type: "msg", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("second Append: %v", err)
	}
	reqBody2, _ := io.ReadAll(client.lastReq.Body)
	var sent2 appendRequestBody
	_ = json.Unmarshal(reqBody2, &sent2)
	if sent2.ProducerSeq != 1 {
		t.Fatalf("expected second producer_seq 1, got %d", sent2.ProducerSeq)
	}
}

func TestSession_Append_SurfacesAPIError(t *testing.T) {
	client := &fakeHTTPClient{status: 409, body: `{"error":"conflict","message":"seq mismatch"}`}
	opts := testOptions(t)
	opts.HTTPClient = client
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = s.Append(context.Background(), AppendInput{Type: "msg", Payload: json.RawMessage(`{}`)})
	if !IsKind(err, KindAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Status != 409 || apiErr.Code != "conflict" {
			t.Fatalf("unexpected api error fields: %+v", apiErr)
		}
	}
}

// --- live-sync / OnEvent over an in-process scripted socket ---

func eventFrame(seq int64, actor string) string {
	return `{"seq":` + strconv.FormatInt(seq, 10) + `,"type":"msg","actor":"` + actor + `","payload":{}}`
}

// scriptedSocket mirrors the fake used by the tail package's own tests.
type scriptedSocket struct {
	results chan fakeRead
	closed  chan struct{}
	once    sync.Once
}

type fakeRead struct {
	data []byte
	err  error
}

func newScriptedSocket() *scriptedSocket {
	return &scriptedSocket{results: make(chan fakeRead, 16), closed: make(chan struct{})}
}

func (f *scriptedSocket) Read(ctx context.Context) ([]byte, bool, error) {
	select {
	case r := <-f.results:
		return r.data, true, r.err
	case <-f.closed:
		return nil, false, errors.New("scripted socket closed")
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (f *scriptedSocket) Close(code int, reason string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *scriptedSocket) push(data string) {
	select {
	case f.results <- fakeRead{data: []byte(data)}:
	case <-f.closed:
	}
}

func (f *scriptedSocket) pushClose(code int, reason string) {
	select {
	case f.results <- fakeRead{err: &transport.CloseError{Code: code, Reason: reason}}:
	case <-f.closed:
	}
}

func factoryFor(socks ...*scriptedSocket) transport.Factory {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, url string, header http.Header) (transport.Socket, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(socks) {
			return nil, errors.New("factory: out of scripted sockets")
		}
		s := socks[i]
		i++
		return s, nil
	}
}

func TestSession_OnEvent_StartsLiveSyncAndDeliversEvents(t *testing.T) {
	sock := newScriptedSocket()
	opts := testOptions(t)
	opts.Factory = factoryFor(sock)
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var seen []int64
	got := make(chan struct{}, 2)
	unsub := s.OnEvent(func(e wire.Event) {
		mu.Lock()
		seen = append(seen, e.Seq)
		mu.Unlock()
		got <- struct{}{}
	})
	defer unsub()

	sock.push(eventFrame(1, "agent:drafter"))
	<-got
	sock.push(eventFrame(2, "agent:drafter"))
	<-got

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected events [1 2], got %v", seen)
	}
}

func TestSession_Disconnect_StopsLiveSync(t *testing.T) {
	sock := newScriptedSocket()
	opts := testOptions(t)
	opts.Factory = factoryFor(sock)
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.OnEvent(func(wire.Event) {})

	done := make(chan struct{})
	go func() {
		s.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return; live-sync goroutine likely leaked")
	}
}

// --- Consume durability ---

type memCursorStore struct {
	mu      sync.Mutex
	saved   []int64
	initial *int64
}

func (c *memCursorStore) Load(context.Context, string) (*int64, error) {
	return c.initial, nil
}

func (c *memCursorStore) Save(_ context.Context, _ string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, seq)
	return nil
}

func TestSession_Consume_ChecksAfterEachHandler(t *testing.T) {
	sock := newScriptedSocket()
	four := int64(4)
	cursorStore := &memCursorStore{initial: &four}

	opts := testOptions(t)
	opts.Factory = factoryFor(sock)
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		sock.push(eventFrame(5, "agent:drafter"))
		sock.push(eventFrame(6, "agent:drafter"))
		sock.push(eventFrame(7, "agent:drafter"))
	}()

	handlerErr := errors.New("handler blew up at 7")
	var handled []int64
	err = s.Consume(context.Background(), ConsumeOptions{
		TailOptions: TailOptions{Follow: boolPtr(false)},
		CursorStore: cursorStore,
		Handler: func(_ context.Context, e wire.Event) error {
			if e.Seq == 7 {
				return handlerErr
			}
			handled = append(handled, e.Seq)
			return nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "handler blew up at 7") {
		t.Fatalf("expected wrapped handler error, got %v", err)
	}
	if len(handled) != 2 || handled[0] != 5 || handled[1] != 6 {
		t.Fatalf("expected handler to see [5 6], got %v", handled)
	}
	cursorStore.mu.Lock()
	defer cursorStore.mu.Unlock()
	if len(cursorStore.saved) != 2 || cursorStore.saved[0] != 5 || cursorStore.saved[1] != 6 {
		t.Fatalf("expected cursor saves [5 6], got %v", cursorStore.saved)
	}
}

func boolPtr(b bool) *bool { return &b }
