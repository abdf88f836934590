package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/kafka/kafkatest"
	"github.com/ppiankov/kafkarelay/internal/session"
)

const waitTimeout = 2 * time.Second

type fakeConn struct {
	mu          sync.Mutex
	writeErrs   []error
	closeCode   int
	closeReason string
	closeCalls  atomic.Int32

	written    chan []byte
	closed     chan struct{}
	closedOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) failNextWrites(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErrs = append(c.writeErrs, errs...)
}

func (c *fakeConn) WriteMessage(_ context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.mu.Lock()
	if len(c.writeErrs) > 0 {
		err := c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.written <- append([]byte(nil), payload...)
	return nil
}

func (c *fakeConn) Closed() <-chan struct{} {
	return c.closed
}

func (c *fakeConn) Close(code int, reason string) error {
	if c.closeCalls.Add(1) == 1 {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
	}
	c.hangUp()
	return nil
}

func (c *fakeConn) hangUp() {
	c.closedOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeAuth map[string]*session.Principal

func (a fakeAuth) Validate(authorization string) (*session.Principal, error) {
	if p, ok := a[strings.TrimPrefix(authorization, "Bearer ")]; ok {
		return p, nil
	}
	return nil, &session.AuthError{Reason: session.ReasonInvalid}
}

var testAuth = fakeAuth{
	"good": {SessionID: "viewer-1", Config: kafka.ConnectionConfig{Addresses: []string{"localhost:9092"}}},
}

type harness struct {
	cluster  *kafkatest.Cluster
	registry *Registry
	bridge   *Bridge
	started  chan *kafkatest.Consumer
}

func newHarness(opts Options) *harness {
	h := &harness{
		cluster:  &kafkatest.Cluster{},
		registry: NewRegistry(),
		started:  make(chan *kafkatest.Consumer, 8),
	}
	h.cluster.ConsumerStart = func(c *kafkatest.Consumer) { h.started <- c }
	h.bridge = NewBridge(h.cluster, testAuth, h.registry, opts)
	return h
}

func (h *harness) serve(ctx context.Context, conn Conn, topic, token string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.bridge.Serve(ctx, conn, topic, "Bearer "+token) }()
	return done
}

func waitConsumer(t *testing.T, h *harness) *kafkatest.Consumer {
	t.Helper()
	select {
	case c := <-h.started:
		select {
		case <-c.Running():
			return c
		case <-time.After(waitTimeout):
			t.Fatalf("consumer never started running")
		}
	case <-time.After(waitTimeout):
		t.Fatalf("no consumer created")
	}
	return nil
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("Serve() did not return")
		return nil
	}
}

func readFrame(t *testing.T, conn *fakeConn) Record {
	t.Helper()
	select {
	case payload := <-conn.written:
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			t.Fatalf("frame is not a record: %v", err)
		}
		return rec
	case <-time.After(waitTimeout):
		t.Fatalf("no frame written")
		return Record{}
	}
}

func record(topic string, offset int64, value string) kafka.Record {
	return kafka.Record{
		Topic:     topic,
		Partition: 0,
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: time.UnixMilli(1700000000000 + offset),
	}
}

func TestServeStreamsInOrderUntilViewerLeaves(t *testing.T) {
	h := newHarness(Options{})
	conn := newFakeConn()
	done := h.serve(context.Background(), conn, "orders", "good")

	consumer := waitConsumer(t, h)
	if !strings.HasPrefix(consumer.GroupID, GroupPrefix) {
		t.Fatalf("group id = %q", consumer.GroupID)
	}
	s, ok := h.registry.Get("viewer-1")
	if !ok {
		t.Fatalf("session not registered")
	}
	if s.State() != StateStreaming {
		t.Fatalf("state = %s, want %s", s.State(), StateStreaming)
	}
	if s.ID() != "viewer-1" || s.GroupID() != consumer.GroupID {
		t.Fatalf("session id = %q, group = %q", s.ID(), s.GroupID())
	}

	for i := int64(0); i < 3; i++ {
		consumer.Produce(record("orders", i, "v"))
	}
	for i := 0; i < 3; i++ {
		rec := readFrame(t, conn)
		if rec.Offset != []string{"0", "1", "2"}[i] {
			t.Fatalf("frame %d offset = %s, out of order", i, rec.Offset)
		}
	}

	conn.hangUp()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if s.State() != StateClosed {
		t.Fatalf("state = %s, want %s", s.State(), StateClosed)
	}
	if consumer.Closes.Load() != 1 {
		t.Fatalf("consumer closes = %d, want 1", consumer.Closes.Load())
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry still holds %d sessions", h.registry.Len())
	}
}

func TestServeRejectsUnauthorizedViewer(t *testing.T) {
	h := newHarness(Options{})
	conn := newFakeConn()

	err := waitDone(t, h.serve(context.Background(), conn, "orders", "forged"))

	var streamErr *Error
	if !errors.As(err, &streamErr) || streamErr.Stage != StageAuthorize {
		t.Fatalf("Serve() error = %v, want authorize stage error", err)
	}
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error does not wrap *session.AuthError")
	}
	if conn.code() != ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", conn.code(), ClosePolicyViolation)
	}
	if len(conn.written) != 0 {
		t.Fatalf("frames written to an unauthorized viewer")
	}
	if len(h.cluster.Consumers()) != 0 {
		t.Fatalf("consumer created for an unauthorized viewer")
	}
}

func TestServeSubscribeFailures(t *testing.T) {
	cases := map[string]func(*kafkatest.Cluster){
		"create":    func(c *kafkatest.Cluster) { c.ConsumerErr = errors.New("broker down") },
		"subscribe": func(c *kafkatest.Cluster) { c.SubscribeErr = errors.New("unknown topic") },
	}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(Options{})
			setup(h.cluster)
			conn := newFakeConn()

			err := waitDone(t, h.serve(context.Background(), conn, "orders", "good"))

			var streamErr *Error
			if !errors.As(err, &streamErr) || streamErr.Stage != StageSubscribe {
				t.Fatalf("Serve() error = %v, want subscribe stage error", err)
			}
			if conn.code() != CloseInternalError {
				t.Fatalf("close code = %d, want %d", conn.code(), CloseInternalError)
			}
			for _, c := range h.cluster.Consumers() {
				if c.Closes.Load() != 1 {
					t.Fatalf("consumer closes = %d, want 1", c.Closes.Load())
				}
			}
		})
	}
}

func TestTopicSwitchReleasesPreviousConsumerFirst(t *testing.T) {
	h := newHarness(Options{})

	firstConn := newFakeConn()
	firstDone := h.serve(context.Background(), firstConn, "orders", "good")
	first := waitConsumer(t, h)

	var closesAtSwitch atomic.Int32
	h.cluster.ConsumerStart = func(c *kafkatest.Consumer) {
		closesAtSwitch.Store(first.Closes.Load())
		h.started <- c
	}

	secondConn := newFakeConn()
	secondDone := h.serve(context.Background(), secondConn, "payments", "good")
	second := waitConsumer(t, h)

	if err := waitDone(t, firstDone); err != nil {
		t.Fatalf("first Serve() error = %v", err)
	}
	if closesAtSwitch.Load() != 1 {
		t.Fatalf("previous consumer not released before the new one was created")
	}
	if second.Topic != "payments" {
		t.Fatalf("second consumer topic = %q", second.Topic)
	}
	if s, _ := h.registry.Get("viewer-1"); s == nil || s.Topic() != "payments" {
		t.Fatalf("registry does not hold the new session")
	}

	secondConn.hangUp()
	if err := waitDone(t, secondDone); err != nil {
		t.Fatalf("second Serve() error = %v", err)
	}
}

func TestConcurrentCloseReleasesOnce(t *testing.T) {
	h := newHarness(Options{})
	conn := newFakeConn()
	done := h.serve(context.Background(), conn, "orders", "good")
	consumer := waitConsumer(t, h)

	s, ok := h.registry.Get("viewer-1")
	if !ok {
		t.Fatalf("session not registered")
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				conn.hangUp()
			case 1:
				s.Stop(ReasonShutdown)
			default:
				_ = h.registry.CloseAll(context.Background())
			}
		}(i)
	}
	wg.Wait()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if consumer.Closes.Load() != 1 {
		t.Fatalf("consumer closes = %d, want exactly 1", consumer.Closes.Load())
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want %s", s.State(), StateClosed)
	}
}

func TestBrokenConnectionClosesSession(t *testing.T) {
	h := newHarness(Options{})
	conn := newFakeConn()
	conn.failNextWrites(ErrConnClosed)
	done := h.serve(context.Background(), conn, "orders", "good")
	consumer := waitConsumer(t, h)

	consumer.Produce(record("orders", 0, "lost"))

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if consumer.Closes.Load() != 1 {
		t.Fatalf("consumer closes = %d, want 1", consumer.Closes.Load())
	}
}

func TestWriteErrorSkipsRecord(t *testing.T) {
	h := newHarness(Options{})
	conn := newFakeConn()
	conn.failNextWrites(errors.New("frame too large"))
	done := h.serve(context.Background(), conn, "orders", "good")
	consumer := waitConsumer(t, h)

	consumer.Produce(record("orders", 0, "skipped"))
	consumer.Produce(record("orders", 1, "delivered"))

	if rec := readFrame(t, conn); rec.Value != "delivered" {
		t.Fatalf("value = %q, want delivered", rec.Value)
	}

	conn.hangUp()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func TestConsumerFailureErrorsSession(t *testing.T) {
	h := newHarness(Options{})
	conn := newFakeConn()
	done := h.serve(context.Background(), conn, "orders", "good")
	consumer := waitConsumer(t, h)
	s, _ := h.registry.Get("viewer-1")

	consumer.Fail(errors.New("SASL authentication failed"))

	err := waitDone(t, done)
	var streamErr *Error
	if !errors.As(err, &streamErr) || streamErr.Stage != StageConsume {
		t.Fatalf("Serve() error = %v, want consume stage error", err)
	}
	if s.State() != StateErrored {
		t.Fatalf("state = %s, want %s", s.State(), StateErrored)
	}
	if consumer.Closes.Load() != 1 {
		t.Fatalf("consumer closes = %d, want 1", consumer.Closes.Load())
	}
	if conn.code() != CloseInternalError {
		t.Fatalf("close code = %d", conn.code())
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	h := newHarness(Options{})
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := h.serve(ctx, conn, "orders", "good")
	consumer := waitConsumer(t, h)

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if consumer.Closes.Load() != 1 {
		t.Fatalf("consumer closes = %d, want 1", consumer.Closes.Load())
	}
	if conn.closeCalls.Load() == 0 {
		t.Fatalf("viewer connection left open")
	}
}

func TestDeliverDropsAfterStop(t *testing.T) {
	conn := newFakeConn()
	s := newSession("orders", conn, nil, func() {})
	s.Stop(ReasonViewerClosed)

	s.deliver(context.Background(), record("orders", 0, "late"))

	if len(conn.written) != 0 {
		t.Fatalf("record written after close was requested")
	}
	if s.State() != StateClosing {
		t.Fatalf("state = %s, want %s", s.State(), StateClosing)
	}
}

func TestRateLimitedDeliveryStillForwards(t *testing.T) {
	h := newHarness(Options{RateLimit: 1000, Burst: 1})
	conn := newFakeConn()
	done := h.serve(context.Background(), conn, "orders", "good")
	consumer := waitConsumer(t, h)

	for i := int64(0); i < 5; i++ {
		consumer.Produce(record("orders", i, "v"))
	}
	for i := 0; i < 5; i++ {
		readFrame(t, conn)
	}

	conn.hangUp()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func TestNewGroupIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewGroupID()
		if err != nil {
			t.Fatalf("NewGroupID() error = %v", err)
		}
		if !strings.HasPrefix(id, GroupPrefix) {
			t.Fatalf("group id %q lacks prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate group id %q", id)
		}
		seen[id] = true
	}
}

func TestRapidSwitchesKeepOneConsumerPerViewer(t *testing.T) {
	h := newHarness(Options{})

	gate := make(chan struct{})
	h.cluster.ConsumerClose = func(c *kafkatest.Consumer) {
		if c.Topic == "a" {
			<-gate
		}
	}

	var maxLive atomic.Int32
	h.cluster.ConsumerStart = func(c *kafkatest.Consumer) {
		live := int32(1)
		for _, other := range h.cluster.Consumers() {
			if other != c && other.Closes.Load() == 0 {
				live++
			}
		}
		if live > maxLive.Load() {
			maxLive.Store(live)
		}
		h.started <- c
	}

	connA := newFakeConn()
	doneA := h.serve(context.Background(), connA, "a", "good")
	waitConsumer(t, h)

	// B waits for A, whose consumer cannot finish closing yet.
	connB := newFakeConn()
	doneB := h.serve(context.Background(), connB, "b", "good")
	waitRegistered(t, h, "b")

	// C replaces B while B is still waiting.
	connC := newFakeConn()
	doneC := h.serve(context.Background(), connC, "c", "good")
	waitRegistered(t, h, "c")

	select {
	case c := <-h.started:
		t.Fatalf("consumer for %q created while the first one is still releasing", c.Topic)
	case <-time.After(200 * time.Millisecond):
	}
	select {
	case <-doneB:
		t.Fatalf("replaced session ended before its predecessor released")
	default:
	}

	close(gate)

	c := waitConsumer(t, h)
	if c.Topic != "c" {
		t.Fatalf("consumer topic = %q, want c", c.Topic)
	}
	if got := maxLive.Load(); got != 1 {
		t.Fatalf("live consumers for one viewer = %d, want 1", got)
	}
	for _, done := range []<-chan error{doneA, doneB} {
		if err := waitDone(t, done); err != nil {
			t.Fatalf("replaced Serve() error = %v", err)
		}
	}
	if s, ok := h.registry.Get("viewer-1"); !ok || s.Topic() != "c" {
		t.Fatalf("registry does not hold the newest session")
	}
	if h.registry.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", h.registry.Len())
	}

	connC.hangUp()
	if err := waitDone(t, doneC); err != nil {
		t.Fatalf("Serve(c) error = %v", err)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("ended sessions left in the registry: %d", h.registry.Len())
	}
}

func TestReplacedWhileWaitingIsDetached(t *testing.T) {
	h := newHarness(Options{})

	gate := make(chan struct{})
	defer close(gate)
	h.cluster.ConsumerClose = func(c *kafkatest.Consumer) {
		if c.Topic == "a" {
			<-gate
		}
	}
	h.registry.releaseWait = 50 * time.Millisecond

	connA := newFakeConn()
	h.serve(context.Background(), connA, "a", "good")
	waitConsumer(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	connB := newFakeConn()
	doneB := h.serve(ctx, connB, "b", "good")
	waitRegistered(t, h, "b")

	// B gives up waiting when its parent context ends.
	cancel()
	if err := waitDone(t, doneB); err != nil {
		t.Fatalf("Serve(b) error = %v", err)
	}
	if s, ok := h.registry.Get("viewer-1"); ok && s.Topic() == "b" {
		t.Fatalf("ended session still registered")
	}
}

func waitRegistered(t *testing.T, h *harness, topic string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if s, ok := h.registry.Get("viewer-1"); ok && s.Topic() == topic {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session for %q never registered", topic)
}

func TestServeAfterCloseAllIsRefused(t *testing.T) {
	h := newHarness(Options{})
	if err := h.registry.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}

	conn := newFakeConn()
	if err := waitDone(t, h.serve(context.Background(), conn, "orders", "good")); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if conn.code() != CloseNormal {
		t.Fatalf("close code = %d, want %d", conn.code(), CloseNormal)
	}
	conn.mu.Lock()
	reason := conn.closeReason
	conn.mu.Unlock()
	if reason != string(ReasonShutdown) {
		t.Fatalf("close reason = %q, want %q", reason, ReasonShutdown)
	}
	if len(h.cluster.Consumers()) != 0 {
		t.Fatalf("consumer created after shutdown")
	}
	if h.registry.Len() != 0 {
		t.Fatalf("session registered after shutdown")
	}
}
