package teegate

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T, routes *RouteTable, opts ...Option) *httptest.Server {
	t.Helper()
	provider, err := NewStaticProvider(AttestationDocument{
		Platform:    "TDX",
		Attestation: "fake-quote",
		Manifest:    "{}",
	})
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	base := []Option{
		WithAttestationProvider(provider),
		WithTokenSecret(testSecret),
		WithLogger(log),
		WithPingInterval(0),
	}
	gw, err := NewGateway(routes, append(base, opts...)...)
	require.NoError(t, err)

	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPath + "?token=" + token
}

func dialGateway(t *testing.T, ts *httptest.Server, subscribed bool, expiry time.Time) *Client {
	t.Helper()
	token, err := SignToken(testSecret, expiry, subscribed)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, wsURL(ts, token))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func pingRoutes() *RouteTable {
	routes := NewRouteTable()
	routes.HandleFunc("GET", "/ping", func(context.Context, *Request, *StreamRegistry) (Result, error) {
		return Single(200, []byte("PONG")), nil
	})
	return routes
}

// collectUpload drains a streamed request body through an internal pipe and
// responds with the collected bytes.
func collectUpload(ctx context.Context, req *Request, streams *StreamRegistry) (Result, error) {
	pr, pw := io.Pipe()
	collected := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(pr)
		collected <- b
	}()

	if _, err := streams.CreateStream(req.ID, pw); err != nil {
		return Result{}, NewRequestError(400, "%v", err)
	}
	if req.Chunk != nil {
		if err := streams.HandleChunk(req.ID, req.Chunk.Data, req.Chunk.Seq, req.Chunk.Final); err != nil {
			return Result{}, NewRequestError(400, "%v", err)
		}
	}

	select {
	case b := <-collected:
		return Single(200, b), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func TestPingSingleEnvelope(t *testing.T) {
	ts := startGateway(t, pingRoutes())
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	assert.Equal(t, "TDX", client.Attestation().Platform)
	assert.Len(t, client.PeerStatic(), 32)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Do(ctx, "GET", "/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("PONG"), resp.Body)
}

func TestUnknownRouteIs404(t *testing.T) {
	ts := startGateway(t, pingRoutes())
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Do(ctx, "GET", "/nowhere", nil)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
}

func TestSlowHandlerDoesNotBlockFast(t *testing.T) {
	release := make(chan struct{})
	routes := pingRoutes()
	routes.HandleFunc("POST", "/slow", func(ctx context.Context, _ *Request, _ *StreamRegistry) (Result, error) {
		select {
		case <-release:
			return Single(200, []byte("slow done")), nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	})

	ts := startGateway(t, routes)
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	slowCh := client.Subscribe(1)
	fastCh := client.Subscribe(2)
	defer client.Unsubscribe(1)
	defer client.Unsubscribe(2)

	require.NoError(t, client.Send(&RequestEnvelope{ID: 1, Verb: strptr("POST"), Path: strptr("/slow")}))
	require.NoError(t, client.Send(&RequestEnvelope{ID: 2, Verb: strptr("GET"), Path: strptr("/ping")}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The fast request completes while the slow handler is still parked.
	fast, err := client.await(ctx, fastCh)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fast.ID)
	assert.Equal(t, []byte("PONG"), fast.Body)
	select {
	case <-slowCh:
		t.Fatal("slow handler answered before being released")
	default:
	}

	close(release)
	slow, err := client.await(ctx, slowCh)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), slow.ID)
	assert.Equal(t, []byte("slow done"), slow.Body)
}

func TestLargeBodyCrossesFrameBoundary(t *testing.T) {
	routes := NewRouteTable()
	routes.HandleFunc("POST", "/echo", func(_ context.Context, req *Request, _ *StreamRegistry) (Result, error) {
		return Single(200, req.Body), nil
	})
	ts := startGateway(t, routes)
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	body := bytes.Repeat([]byte{0x5A}, MaxFramePayload+1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.Do(ctx, "POST", "/echo", body)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, body, resp.Body)
}

func TestStreamingResponse(t *testing.T) {
	routes := NewRouteTable()
	routes.HandleFunc("GET", "/events", func(_ context.Context, _ *Request, _ *StreamRegistry) (Result, error) {
		return Streaming(map[string]string{"content-type": "text/event-stream"},
			func(_ context.Context, w io.Writer) error {
				for _, part := range []string{"hello ", "multiplexed ", "world"} {
					if _, err := w.Write([]byte(part)); err != nil {
						return err
					}
				}
				return nil
			}), nil
	})
	ts := startGateway(t, routes)
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var buf bytes.Buffer
	headers, err := client.Stream(ctx, "GET", "/events", nil, &buf)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", headers["content-type"])
	assert.Equal(t, "hello multiplexed world", buf.String())
}

func TestStreamingResponseAbnormalEnd(t *testing.T) {
	routes := NewRouteTable()
	routes.HandleFunc("GET", "/flaky", func(_ context.Context, _ *Request, _ *StreamRegistry) (Result, error) {
		return Streaming(nil, func(_ context.Context, w io.Writer) error {
			if _, err := w.Write([]byte("partial")); err != nil {
				return err
			}
			return io.ErrUnexpectedEOF
		}), nil
	})
	ts := startGateway(t, routes)
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var buf bytes.Buffer
	_, err := client.Stream(ctx, "GET", "/flaky", nil, &buf)

	// The body began streaming before the failure, so the error envelope
	// carries a 502.
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 502, re.Status)
	assert.Equal(t, "partial", buf.String())
}

func TestHandlerErrorTranslation(t *testing.T) {
	routes := NewRouteTable()
	routes.HandleFunc("GET", "/teapot", func(context.Context, *Request, *StreamRegistry) (Result, error) {
		return Result{}, NewRequestError(418, "short and stout")
	})
	routes.HandleFunc("GET", "/boom", func(context.Context, *Request, *StreamRegistry) (Result, error) {
		return Result{}, io.ErrClosedPipe
	})
	routes.HandleFunc("GET", "/panic", func(context.Context, *Request, *StreamRegistry) (Result, error) {
		panic("unreachable state")
	})
	ts := startGateway(t, routes)
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Do(ctx, "GET", "/teapot", nil)
	require.NoError(t, err)
	assert.Equal(t, 418, resp.Status)
	assert.Equal(t, []byte("short and stout"), resp.Body)

	resp, err = client.Do(ctx, "GET", "/boom", nil)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
	assert.Equal(t, []byte("internal error"), resp.Body, "internal details must not leak")

	resp, err = client.Do(ctx, "GET", "/panic", nil)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
}

func TestChunkedUpload(t *testing.T) {
	routes := NewRouteTable()
	routes.HandleFunc("POST", "/upload", collectUpload)
	ts := startGateway(t, routes)
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chunks := [][]byte{[]byte("chunk0"), []byte("chunk1"), []byte("chunk2")}
	resp, err := client.Upload(ctx, "POST", "/upload", chunks)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("chunk0chunk1chunk2"), resp.Body)
}

func TestOutOfOrderUpload(t *testing.T) {
	routes := NewRouteTable()
	routes.HandleFunc("POST", "/upload", collectUpload)
	ts := startGateway(t, routes)
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	id := uint64(7)
	ch := client.Subscribe(id)
	defer client.Unsubscribe(id)

	// The initiating envelope carries the final chunk; earlier sequence
	// numbers trail in as continuations.
	require.NoError(t, client.Send(&RequestEnvelope{
		ID: id, Verb: strptr("POST"), Path: strptr("/upload"),
		Chunk: &Chunk{Data: []byte("chunk2"), Seq: 2, Final: true},
	}))
	require.NoError(t, client.Send(&RequestEnvelope{ID: id, Chunk: &Chunk{Data: []byte("chunk0"), Seq: 0}}))
	require.NoError(t, client.Send(&RequestEnvelope{ID: id, Chunk: &Chunk{Data: []byte("chunk1"), Seq: 1}}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.await(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("chunk0chunk1chunk2"), resp.Body)
}

func TestChunksBeforeHandlerAreReplayed(t *testing.T) {
	routes := NewRouteTable()
	routes.HandleFunc("POST", "/claim", collectUpload)
	ts := startGateway(t, routes)
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	id := uint64(9)
	ch := client.Subscribe(id)
	defer client.Unsubscribe(id)

	// Continuations land before any handler claims the id; the registry
	// buffers and replays them on create.
	require.NoError(t, client.Send(&RequestEnvelope{ID: id, Chunk: &Chunk{Data: []byte("A"), Seq: 0}}))
	require.NoError(t, client.Send(&RequestEnvelope{ID: id, Chunk: &Chunk{Data: []byte("B"), Seq: 1, Final: true}}))
	require.NoError(t, client.Send(&RequestEnvelope{ID: id, Verb: strptr("POST"), Path: strptr("/claim")}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.await(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("AB"), resp.Body)
}

func TestTokenExpiryMidSession(t *testing.T) {
	ts := startGateway(t, pingRoutes())

	expiry := time.Now().Add(1200 * time.Millisecond)
	unsubscribed := dialGateway(t, ts, false, expiry)
	subscribed := dialGateway(t, ts, true, expiry)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The unsubscribed session works while the token is live.
	resp, err := unsubscribed.Do(ctx, "GET", "/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	time.Sleep(1500 * time.Millisecond)

	// Past expiry the unsubscribed session gets 402 without the handler
	// running; subscription bypasses the check.
	resp, err = unsubscribed.Do(ctx, "GET", "/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 402, resp.Status)

	resp, err = subscribed.Do(ctx, "GET", "/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("PONG"), resp.Body)
}

func TestUpgradeRejectedWithoutToken(t *testing.T) {
	ts := startGateway(t, pingRoutes())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+DefaultPath)
	assert.Error(t, err)
}

func TestManyConcurrentRequests(t *testing.T) {
	ts := startGateway(t, pingRoutes())
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const n = 32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			resp, err := client.Do(ctx, "GET", "/ping", nil)
			if err == nil && resp.Status != 200 {
				err = NewRequestError(resp.Status, "unexpected status")
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestContinuationOverflowGets400(t *testing.T) {
	limits := DefaultStreamLimits()
	limits.MaxPendingChunks = 4
	ts := startGateway(t, pingRoutes(), WithStreamLimits(limits))
	client := dialGateway(t, ts, true, time.Now().Add(time.Hour))

	id := uint64(77)
	ch := client.Subscribe(id)
	defer client.Unsubscribe(id)

	for seq := uint32(0); seq < 5; seq++ {
		require.NoError(t, client.Send(&RequestEnvelope{ID: id, Chunk: &Chunk{Data: []byte("x"), Seq: seq}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.await(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.Status)
}
