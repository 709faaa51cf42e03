package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/danmuck/serialsync/internal/auth"
	"github.com/danmuck/serialsync/internal/link"
	"github.com/danmuck/serialsync/internal/protocol/session"
	"github.com/danmuck/serialsync/internal/testutil/linktest"
	"github.com/danmuck/serialsync/internal/testutil/testlog"
)

type stubController struct {
	mu        sync.Mutex
	status    link.Status
	connectTo []string
	shorts    []string
	chunked   []link.SendOptions
	files     []string
	err       error
	report    link.TransferReport
}

func (s *stubController) Connect(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.connectTo = append(s.connectTo, endpoint)
	s.status.Connected = true
	s.status.State = link.StateConnected
	s.status.Endpoint = endpoint
	return nil
}

func (s *stubController) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = link.Status{State: link.StateDisconnected}
	return nil
}

func (s *stubController) Status() link.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubController) SendShort(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.shorts = append(s.shorts, string(data))
	return nil
}

func (s *stubController) SendChunked(_ context.Context, data []byte, opts link.SendOptions) (link.TransferReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return link.TransferReport{}, s.err
	}
	s.chunked = append(s.chunked, opts)
	r := s.report
	r.Bytes = len(data)
	return r, nil
}

func (s *stubController) SendFilePath(_ context.Context, path string, _ link.FileOptions) (link.TransferReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return link.TransferReport{}, s.err
	}
	s.files = append(s.files, path)
	return s.report, nil
}

func (s *stubController) PendingRequests() []*link.IncomingFile { return nil }

func (s *stubController) PendingRequest(uint8) (*link.IncomingFile, bool) { return nil, false }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T, ctrl Controller) *Server {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	return New("serialsyncd-test", ":0", nil, ctrl, NewHub(8, false))
}

func do(t *testing.T, s *Server, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s body=%q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, &stubController{})
	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status got=%d", path, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s decode: %v", path, err)
		}
		if body["service"] != "serialsyncd-test" || body["version"] != Version {
			t.Fatalf("%s body got=%v", path, body)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &stubController{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "serialsync_") {
		t.Fatalf("metrics status=%d body missing namespace", rec.Code)
	}
}

func TestConnectAndStatus(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(t, ctrl)

	code, env := do(t, s, http.MethodPost, "/api/connect", `{"port":" /dev/ttyUSB0 "}`)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("connect got=%d %+v", code, env)
	}
	if diff := cmp.Diff([]string{"/dev/ttyUSB0"}, ctrl.connectTo); diff != "" {
		t.Fatalf("connect endpoints (-want +got):\n%s", diff)
	}

	code, env = do(t, s, http.MethodGet, "/api/status", "")
	var st link.Status
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if code != http.StatusOK || !st.Connected || st.Endpoint != "/dev/ttyUSB0" {
		t.Fatalf("status got=%d %+v", code, st)
	}

	code, env = do(t, s, http.MethodPost, "/api/disconnect", "")
	if code != http.StatusOK || env.Message != "disconnected" {
		t.Fatalf("disconnect got=%d %+v", code, env)
	}
}

func TestConnectWithoutBodyUsesConfiguredPort(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(t, ctrl)
	code, _ := do(t, s, http.MethodPost, "/api/connect", "")
	if code != http.StatusOK || len(ctrl.connectTo) != 1 || ctrl.connectTo[0] != "" {
		t.Fatalf("connect got=%d endpoints=%v", code, ctrl.connectTo)
	}
}

func TestConnectFailureStatus(t *testing.T) {
	ctrl := &stubController{err: link.ErrNoEndpoint}
	s := newTestServer(t, ctrl)
	code, env := do(t, s, http.MethodPost, "/api/connect", `{}`)
	if code != http.StatusBadRequest || env.Success || env.Error == "" {
		t.Fatalf("connect got=%d %+v", code, env)
	}
}

func TestSendValidation(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(t, ctrl)
	for _, path := range []string{"/api/send", "/api/send-large"} {
		code, env := do(t, s, http.MethodPost, path, `{"data":""}`)
		if code != http.StatusBadRequest || env.Error != errDataRequired.Error() {
			t.Fatalf("%s got=%d %+v", path, code, env)
		}
	}
	code, env := do(t, s, http.MethodPost, "/api/send-file", `{"path":"  "}`)
	if code != http.StatusBadRequest || env.Error != errPathRequired.Error() {
		t.Fatalf("send-file got=%d %+v", code, env)
	}
	code, _ = do(t, s, http.MethodPost, "/api/send", `not json`)
	if code != http.StatusBadRequest {
		t.Fatalf("malformed body got=%d", code)
	}
}

func TestSendRoutes(t *testing.T) {
	ctrl := &stubController{report: link.TransferReport{Total: 4, Elapsed: time.Second}}
	s := newTestServer(t, ctrl)

	code, env := do(t, s, http.MethodPost, "/api/send", `{"data":"ping"}`)
	if code != http.StatusOK || env.Message != "sent" {
		t.Fatalf("send got=%d %+v", code, env)
	}

	code, env = do(t, s, http.MethodPost, "/api/send-large", `{"data":"abcdefgh","chunkSize":2}`)
	if code != http.StatusOK {
		t.Fatalf("send-large got=%d %+v", code, env)
	}
	var rv struct {
		Bytes int     `json:"bytes"`
		Total int     `json:"total"`
		Speed float64 `json:"speed"`
	}
	if err := json.Unmarshal(env.Data, &rv); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rv.Bytes != 8 || rv.Total != 4 || rv.Speed != 8 {
		t.Fatalf("report got=%+v", rv)
	}

	code, _ = do(t, s, http.MethodPost, "/api/send-file", `{"path":"/tmp/a.bin","requireConfirm":true}`)
	if code != http.StatusOK {
		t.Fatalf("send-file got=%d", code)
	}

	if diff := cmp.Diff([]string{"ping"}, ctrl.shorts); diff != "" {
		t.Fatalf("shorts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]link.SendOptions{{ChunkSize: 2}}, ctrl.chunked); diff != "" {
		t.Fatalf("chunked opts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/tmp/a.bin"}, ctrl.files); diff != "" {
		t.Fatalf("files (-want +got):\n%s", diff)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{link.ErrTransportNotOpen, http.StatusConflict},
		{link.ErrPayloadTooLarge, http.StatusBadRequest},
		{link.ErrHandshakeTimeout, http.StatusGatewayTimeout},
		{&link.ChunkDeliveryError{Seq: 2, Attempts: 5}, http.StatusBadGateway},
		{&link.HandshakeRejectedError{SessionID: 1, Reason: "no space"}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", link.ErrRequestExpired), http.StatusGone},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) got=%d want=%d", tc.err, got, tc.want)
		}
	}

	ctrl := &stubController{err: link.ErrTransportNotOpen}
	s := newTestServer(t, ctrl)
	code, env := do(t, s, http.MethodPost, "/api/send", `{"data":"x"}`)
	if code != http.StatusConflict || env.Success {
		t.Fatalf("send while closed got=%d %+v", code, env)
	}
}

func TestPortsRoute(t *testing.T) {
	s := newTestServer(t, &stubController{})
	s.SetPortLister(func() ([]link.PortInfo, error) {
		return []link.PortInfo{{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"}}, nil
	})
	code, env := do(t, s, http.MethodGet, "/api/ports", "")
	var ports []link.PortInfo
	if err := json.Unmarshal(env.Data, &ports); err != nil {
		t.Fatalf("decode ports: %v", err)
	}
	if code != http.StatusOK || len(ports) != 1 || ports[0].Name != "/dev/ttyACM0" {
		t.Fatalf("ports got=%d %+v", code, ports)
	}

	s.SetPortLister(func() ([]link.PortInfo, error) { return nil, errors.New("enumerate failed") })
	code, env = do(t, s, http.MethodGet, "/api/ports", "")
	if code != http.StatusInternalServerError || env.Error != "enumerate failed" {
		t.Fatalf("ports failure got=%d %+v", code, env)
	}
}

func TestRequestRoutesValidateSession(t *testing.T) {
	s := newTestServer(t, &stubController{})
	code, _ := do(t, s, http.MethodPost, "/api/requests/abc/accept", "")
	if code != http.StatusBadRequest {
		t.Fatalf("bad sid got=%d", code)
	}
	code, _ = do(t, s, http.MethodPost, "/api/requests/0/reject", "")
	if code != http.StatusBadRequest {
		t.Fatalf("sid 0 got=%d", code)
	}
	code, env := do(t, s, http.MethodPost, "/api/requests/7/accept", `{}`)
	if code != http.StatusNotFound || env.Error != errNoRequest.Error() {
		t.Fatalf("missing request got=%d %+v", code, env)
	}
	code, env = do(t, s, http.MethodGet, "/api/requests", "")
	if code != http.StatusOK || string(env.Data) != "[]" {
		t.Fatalf("requests got=%d data=%s", code, env.Data)
	}
}

func TestTokenGuard(t *testing.T) {
	s := newTestServer(t, &stubController{})
	s.SetValidator(auth.FromConfig("s3cret"))

	check := func(path, header string, want int) {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("GET %s auth=%q got=%d want=%d", path, header, rec.Code, want)
		}
	}
	check("/api/status", "", http.StatusUnauthorized)
	check("/api/status", "Bearer wrong", http.StatusForbidden)
	check("/api/status", "Bearer s3cret", http.StatusOK)
	check("/api/status?token=s3cret", "", http.StatusOK)
	check("/health", "", http.StatusOK)
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t, &stubController{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sent := s.Hub().Publish(EventMessage, map[string]string{"text": "hello"})

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			events = append(events, strings.TrimPrefix(line, "event:"))
		}
		if strings.HasPrefix(line, "data:") && strings.Contains(line, sent.ID) {
			break
		}
	}
	if diff := cmp.Diff([]string{"status", EventMessage}, events); diff != "" {
		t.Fatalf("stream events (-want +got):\n%s", diff)
	}
}

func linkConfig(t *testing.T) session.Config {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.ChunkSize = 32
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.ConfirmTimeout = 3 * time.Second
	cfg.SaveDir = t.TempDir()
	cfg.Backoff.Jitter = false
	return cfg
}

func connectedLink(t *testing.T, cfg session.Config, port *linktest.Port, h link.Handlers) *link.Link {
	t.Helper()
	_ = port.SetReadTimeout(20 * time.Millisecond)
	l, err := link.New(link.Options{
		Config:   cfg,
		Serial:   link.SerialConfig{Port: "pipe"},
		Opener:   link.OpenerFunc(func(context.Context, string) (link.Port, error) { return port, nil }),
		Handlers: h,
	})
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	if err := l.Connect(context.Background(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = l.Disconnect() })
	return l
}

func TestAcceptFileRequestOverLink(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	a, b := linktest.Pipe()

	hub := NewHub(32, true)
	receiver := connectedLink(t, linkConfig(t), b, hub.Handlers())
	srv := New("receiver", ":0", nil, receiver, hub)
	sender := connectedLink(t, linkConfig(t), a, link.Handlers{})

	payload := []byte(strings.Repeat("serial sync over a confirmed request. ", 8))
	type result struct {
		report link.TransferReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := sender.SendFile(context.Background(), payload, session.FileMeta{Name: "notes.txt"}, link.FileOptions{RequireConfirm: true})
		done <- result{r, err}
	}()

	var pending []RequestView
	deadline := time.Now().Add(2 * time.Second)
	for len(pending) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("request never listed")
		}
		time.Sleep(10 * time.Millisecond)
		_, env := do(t, srv, http.MethodGet, "/api/requests", "")
		if err := json.Unmarshal(env.Data, &pending); err != nil {
			t.Fatalf("decode requests: %v", err)
		}
	}
	if pending[0].Name != "notes.txt" || !pending[0].RequireConfirm || pending[0].Decided {
		t.Fatalf("pending got=%+v", pending[0])
	}

	dest := filepath.Join(t.TempDir(), "inbox", "notes.txt")
	body := fmt.Sprintf(`{"destination":%q}`, dest)
	code, env := do(t, srv, http.MethodPost, fmt.Sprintf("/api/requests/%d/accept", pending[0].SessionID), body)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("accept got=%d %+v", code, env)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("send file: %v", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("transfer did not finish")
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		got, err := os.ReadFile(dest)
		if err == nil && string(got) == string(payload) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saved file got=%q err=%v", got, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	code, _ = do(t, srv, http.MethodPost, fmt.Sprintf("/api/requests/%d/reject", pending[0].SessionID), `{}`)
	if code != http.StatusNotFound {
		t.Fatalf("decided request should be gone got=%d", code)
	}
}
