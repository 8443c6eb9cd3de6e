package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	gserial "github.com/goburrow/serial"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

func TestHTTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mount.is_connected=true\n"))
	})
	mux.HandleFunc("/mount/goto_alt_az", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.RawQuery))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such command", http.StatusNotFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := NewHTTP(srv.URL, 100*time.Millisecond, zaptest.NewLogger(t))
	defer h.Close()
	ctx := context.Background()

	for _, test := range []struct {
		name     string
		req      Request
		wantBody string
		wantKind error
	}{
		{"status", Request{Path: "/status"}, "mount.is_connected=true\n", nil},
		{"params sorted", Request{Seq: 1, Path: "/mount/goto_alt_az", Params: url.Values{"az_degs": {"10"}, "alt_degs": {"45"}}}, "alt_degs=45&az_degs=10", nil},
		{"not found", Request{Seq: 2, Path: "/broken"}, "", ErrProtocolMismatch},
		{"timeout", Request{Seq: 3, Path: "/slow"}, "", ErrTimeout},
	} {
		t.Run(test.name, func(t *testing.T) {
			resp, err := h.Send(ctx, test.req)
			if got := Kind(err); got != test.wantKind {
				t.Fatalf("Send error = %v, want kind %v", err, test.wantKind)
			}
			if err == nil {
				if diff := cmp.Diff(string(resp.Body), test.wantBody); diff != "" {
					t.Errorf("unexpected body: got(-)/want(+):\n%s", diff)
				}
			}
		})
	}
}

func TestHTTPUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	h := NewHTTP(addr, time.Second, zaptest.NewLogger(t))
	_, err := h.Send(context.Background(), Request{Path: "/status"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send error = %v, want ErrUnreachable", err)
	}
}

func TestSequenceGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	h := NewHTTP(srv.URL, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	for _, test := range []struct {
		seq     uint64
		wantErr error
	}{
		{5, nil},
		{0, nil},
		{5, ErrStaleSequence},
		{4, ErrStaleSequence},
		{6, nil},
	} {
		_, err := h.Send(ctx, Request{Seq: test.seq, Path: "/"})
		if !errors.Is(err, test.wantErr) && !(err == nil && test.wantErr == nil) {
			t.Errorf("Send(#%d) error = %v, want %v", test.seq, err, test.wantErr)
		}
	}

	h.Close()
	if _, err := h.Send(ctx, Request{Path: "/"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close error = %v, want ErrClosed", err)
	}
}

func TestWireSerializes(t *testing.T) {
	var mu sync.Mutex
	inflight, peak := 0, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
	}))
	defer srv.Close()
	h := NewHTTP(srv.URL, time.Second, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Send(context.Background(), Request{Path: "/status"})
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("peak concurrent requests = %d, want 1", peak)
	}
}

func TestLockWaitNotSent(t *testing.T) {
	release := make(chan struct{})
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		<-release
	}))
	defer srv.Close()
	defer close(release)
	h := NewHTTP(srv.URL, 5*time.Second, zaptest.NewLogger(t))

	go h.Send(context.Background(), Request{Path: "/status"})
	// Wait for the first request to take the wire.
	for deadline := time.Now().Add(time.Second); ; {
		mu.Lock()
		n := hits
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first request never reached the server")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Send(ctx, Request{Seq: 1, Path: "/mount/stop"})
	if !errors.Is(err, ErrNotSent) || !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send while wire busy = %v, want ErrNotSent and ErrUnreachable", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("Send while wire busy = %v, classified as a timeout", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("server saw %d requests, want 1", hits)
	}
}

// fakeAccessory answers each line on one end of a pipe.
func fakeAccessory(conn net.Conn, reply func(string) (string, bool)) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if out, ok := reply(scanner.Text()); ok {
			if _, err := io.WriteString(conn, out+"\r\n"); err != nil {
				return
			}
		}
	}
}

func TestSerial(t *testing.T) {
	opens := 0
	open := func() (io.ReadWriteCloser, error) {
		opens++
		a, b := net.Pipe()
		go fakeAccessory(b, func(line string) (string, bool) {
			if line == "HANG" {
				return "", false
			}
			return "ECHO " + line, true
		})
		return a, nil
	}
	s := NewSerial("/dev/ttyTEST", open, 50*time.Millisecond, zaptest.NewLogger(t))
	defer s.Close()
	ctx := context.Background()

	resp, err := s.Send(ctx, Request{Payload: []byte("STATUS")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got, want := string(resp.Body), "ECHO STATUS"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}

	if _, err := s.Send(ctx, Request{Seq: 1, Payload: []byte("HANG")}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send error = %v, want ErrTimeout", err)
	}
	if _, err := s.Send(ctx, Request{Payload: []byte("STATUS")}); err != nil {
		t.Fatalf("Send after timeout failed: %v", err)
	}
	if opens != 2 {
		t.Errorf("port opened %d times, want 2", opens)
	}
}

func TestSerialOpenFailure(t *testing.T) {
	s := NewSerial("/dev/missing", func() (io.ReadWriteCloser, error) {
		return nil, errors.New("no such file or directory")
	}, time.Second, zaptest.NewLogger(t))
	if _, err := s.Send(context.Background(), Request{Payload: []byte("STATUS")}); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send error = %v, want ErrUnreachable", err)
	}
}

type fakeHandler struct {
	connects, closes int
	connectErr       error
	send             func([]byte) ([]byte, error)
}

func (f *fakeHandler) Connect() error                  { f.connects++; return f.connectErr }
func (f *fakeHandler) Close() error                    { f.closes++; return nil }
func (f *fakeHandler) Send(adu []byte) ([]byte, error) { return f.send(adu) }

// bridgedHandler answers only through SendContext.
type bridgedHandler struct {
	fakeHandler
}

func (b *bridgedHandler) SendContext(ctx context.Context, adu []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestModbusContext(t *testing.T) {
	h := &bridgedHandler{fakeHandler{send: func([]byte) ([]byte, error) {
		t.Error("Send used instead of SendContext")
		return nil, nil
	}}}
	m := NewModbus("bridge", h, zaptest.NewLogger(t))
	defer m.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Send(ctx, Request{Seq: 1, Payload: []byte{1, 4, 0, 0}}); !errors.Is(err, ErrTimeout) {
		t.Errorf("Send error = %v, want ErrTimeout", err)
	}
}

func TestModbus(t *testing.T) {
	var next error
	h := &fakeHandler{send: func(adu []byte) ([]byte, error) {
		if next != nil {
			return nil, next
		}
		return append([]byte{0xAA}, adu...), nil
	}}
	m := NewModbus("/dev/ttyRS485", h, zaptest.NewLogger(t))
	ctx := context.Background()

	resp, err := m.Send(ctx, Request{Payload: []byte{1, 4}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if diff := cmp.Diff(resp.Body, []byte{0xAA, 1, 4}); diff != "" {
		t.Errorf("unexpected body: got(-)/want(+):\n%s", diff)
	}

	for _, test := range []struct {
		err        error
		want       error
		wantCloses int
	}{
		{gserial.ErrTimeout, ErrTimeout, 0},
		{&modbus.ModbusError{FunctionCode: 0x84, ExceptionCode: 2}, ErrProtocolMismatch, 0},
		{io.ErrUnexpectedEOF, ErrUnreachable, 1},
	} {
		next = test.err
		_, err := m.Send(ctx, Request{Payload: []byte{1, 4}})
		if !errors.Is(err, test.want) {
			t.Errorf("Send error = %v, want %v", err, test.want)
		}
		if h.closes != test.wantCloses {
			t.Errorf("closes = %d, want %d", h.closes, test.wantCloses)
		}
	}
	next = nil
	if _, err := m.Send(ctx, Request{Payload: []byte{1, 4}}); err != nil {
		t.Fatalf("Send after reconnect failed: %v", err)
	}
	if h.connects != 2 {
		t.Errorf("connects = %d, want 2", h.connects)
	}
}

func TestReconnect(t *testing.T) {
	calls := 0
	err := Reconnect(context.Background(), "mount", 5, Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond}, zaptest.NewLogger(t), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	calls = 0
	err = Reconnect(context.Background(), "mount", 2, Backoff{Initial: time.Millisecond, Max: time.Millisecond}, zaptest.NewLogger(t), func(context.Context) error {
		calls++
		return errors.New("refused")
	})
	if err == nil || calls != 2 {
		t.Errorf("Reconnect = %v after %d calls, want error after 2", err, calls)
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 4 * time.Second}.New()
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("unexpected schedule: got(-)/want(+):\n%s", diff)
	}
}
