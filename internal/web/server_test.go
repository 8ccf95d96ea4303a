package web

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanchat/internal/gallery"
	"fanchat/internal/session"
	"fanchat/internal/transcript"
	"fanchat/internal/types"
	"fanchat/internal/usage"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// scriptedClient streams the same reply for every send. When gate is set the
// stream blocks before its last chunk until gate closes or ctx ends.
type scriptedClient struct {
	chunks []string
	gate   chan struct{}

	mu        sync.Mutex
	cancelled int
}

func (c *scriptedClient) CreateSession(ctx context.Context, instruction string) (types.ChatSession, error) {
	return c, nil
}

func (c *scriptedClient) SendStreaming(ctx context.Context, text string) iter.Seq2[types.Chunk, error] {
	return func(yield func(types.Chunk, error) bool) {
		for i, chunk := range c.chunks {
			if c.gate != nil && i == len(c.chunks)-1 {
				select {
				case <-c.gate:
				case <-ctx.Done():
					c.mu.Lock()
					c.cancelled++
					c.mu.Unlock()
					yield(types.Chunk{}, ctx.Err())
					return
				}
			}
			if !yield(types.Chunk{Text: chunk}, nil) {
				return
			}
		}
	}
}

func (c *scriptedClient) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func newTestServer(t *testing.T, client types.ChatClient) (*Server, *httptest.Server) {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.Timeout = 0
	s := New(Options{
		Name:           "fanchat-test",
		Client:         client,
		Session:        cfg,
		Gallery:        gallery.New(nil, gallery.Config{MaxUploadBytes: 64}),
		MaxUploadBytes: 64,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntilIdle collects frames until the controller reports idle again.
func readUntilIdle(t *testing.T, conn *websocket.Conn) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type == "state" && f.State == "idle" {
			return frames
		}
	}
}

func frameTypes(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
		if f.Type == "state" {
			out[i] += ":" + f.State
		}
	}
	return out
}

func TestWS_SnapshotThenStreamedReply(t *testing.T) {
	_, ts := newTestServer(t, &scriptedClient{chunks: []string{"4", ""}})
	conn := dial(t, ts)

	snap := readFrame(t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, "idle", snap.State)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "What is your request today?", snap.Messages[0].Text)

	require.NoError(t, conn.WriteJSON(map[string]string{"text": "2+2?"}))
	frames := readUntilIdle(t, conn)

	assert.Equal(t, []string{
		"append", "append", "state:sending", "state:streaming", "chunk", "chunk", "finish", "state:idle",
	}, frameTypes(frames))

	assert.Equal(t, "2+2?", frames[0].Message.Text)
	assert.Equal(t, 1, frames[0].Position)
	assert.Equal(t, 2, frames[1].Position)
	assert.Equal(t, "", frames[1].Message.Text)
	assert.Equal(t, "4", frames[4].Delta)
	assert.Equal(t, "4", frames[6].Message.Text)
	assert.Contains(t, frames[6].Message.HTML, "4")
}

func TestWS_DropsSendWhileStreaming(t *testing.T) {
	client := &scriptedClient{chunks: []string{"hel", "lo"}, gate: make(chan struct{})}
	_, ts := newTestServer(t, client)
	conn := dial(t, ts)
	readFrame(t, conn) // snapshot

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "send", "text": "hi"}))
	for {
		f := readFrame(t, conn)
		if f.Type == "state" && f.State == "streaming" {
			break
		}
	}

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "send", "text": "there"}))
	time.Sleep(100 * time.Millisecond)
	close(client.gate)

	frames := readUntilIdle(t, conn)
	for _, f := range frames {
		if f.Type == "append" {
			t.Fatalf("dropped send must not append, got %+v", f.Message)
		}
	}
	last := frames[len(frames)-2]
	assert.Equal(t, "finish", last.Type)
	assert.Equal(t, "hello", last.Message.Text)
}

func TestWS_BlankSendIgnored(t *testing.T) {
	_, ts := newTestServer(t, &scriptedClient{chunks: []string{"ok"}})
	conn := dial(t, ts)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"text": "   "}))
	require.NoError(t, conn.WriteJSON(map[string]string{"text": "real"}))

	frames := readUntilIdle(t, conn)
	require.NotEmpty(t, frames)
	assert.Equal(t, "append", frames[0].Type)
	assert.Equal(t, "real", frames[0].Message.Text)
}

func TestWS_ClearResendsSnapshot(t *testing.T) {
	_, ts := newTestServer(t, &scriptedClient{chunks: []string{"ok"}})
	conn := dial(t, ts)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"text": "hi"}))
	readUntilIdle(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "clear"}))
	assert.Equal(t, "reset", readFrame(t, conn).Type)
	assert.Equal(t, "append", readFrame(t, conn).Type) // greeting
	assert.Equal(t, "finish", readFrame(t, conn).Type)
	snap := readFrame(t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	assert.Len(t, snap.Messages, 1)
}

func TestWS_DisconnectCancelsStream(t *testing.T) {
	client := &scriptedClient{chunks: []string{"part", "never"}, gate: make(chan struct{})}
	s, ts := newTestServer(t, client)
	conn := dial(t, ts)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"text": "hi"}))
	for {
		f := readFrame(t, conn)
		if f.Type == "chunk" {
			break
		}
	}
	require.Equal(t, 1, s.Connections())
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return client.cancelCount() == 1 && s.Connections() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWS_FailureShowsErrorRecord(t *testing.T) {
	_, ts := newTestServer(t, nil) // no chat client configured
	conn := dial(t, ts)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"text": "hi"}))
	frames := readUntilIdle(t, conn)

	var errFrame *Frame
	for i := range frames {
		if frames[i].Type == "error" {
			errFrame = &frames[i]
		}
	}
	require.NotNil(t, errFrame)
	assert.True(t, errFrame.Message.IsError)
	assert.Equal(t, session.DefaultConfig().FallbackText, errFrame.Message.Text)
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestAdmin_Files(t *testing.T) {
	_, ts := newTestServer(t, nil)

	body, ctype := multipartBody(t, "shop.png", pngBytes)
	resp, err := http.Post(ts.URL+"/admin/files", ctype, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created gallery.UploadedFile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "image/png", created.MimeType)
	assert.True(t, strings.HasPrefix(created.DataURL, "data:image/png;base64,"))

	resp, err = http.Get(ts.URL + "/admin/files")
	require.NoError(t, err)
	var list []gallery.UploadedFile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/admin/files/"+created.ID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNotFound, del())
}

func TestAdmin_UploadTooLarge(t *testing.T) {
	_, ts := newTestServer(t, nil)

	body, ctype := multipartBody(t, "big.bin", bytes.Repeat([]byte("x"), 65))
	resp, err := http.Post(ts.URL+"/admin/files", ctype, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAdmin_Logo(t *testing.T) {
	_, ts := newTestServer(t, nil)

	body, ctype := multipartBody(t, "notes.txt", []byte("plain"))
	resp, err := http.Post(ts.URL+"/admin/logo", ctype, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	body, ctype = multipartBody(t, "logo.png", pngBytes)
	resp, err = http.Post(ts.URL+"/admin/logo", ctype, body)
	require.NoError(t, err)
	var site gallery.SiteConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&site))
	resp.Body.Close()
	assert.True(t, strings.HasPrefix(site.LogoURL, "data:image/png;base64,"))

	resp, err = http.Get(ts.URL + "/")
	require.NoError(t, err)
	var page bytes.Buffer
	_, _ = page.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, page.String(), `<img src="data:image/png;base64,`)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/admin/logo", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/admin/site")
	require.NoError(t, err)
	site = gallery.SiteConfig{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&site))
	resp.Body.Close()
	assert.Empty(t, site.LogoURL)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s := New(Options{Client: &scriptedClient{chunks: []string{"ok"}}, ShutdownTimeout: time.Second})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	var snap Frame
	require.NoError(t, conn.ReadJSON(&snap))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going-away close, got %v", err)
}

func TestRenderHTML(t *testing.T) {
	out := RenderHTML("hi <script>alert(1)</script><b>bold</b> ```js\nif (a < b) {}\n``` bye")

	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "<b>bold</b>")
	assert.Contains(t, out, `<span>JS</span>`)
	assert.Contains(t, out, `<code class="language-js">if (a &lt; b) {}</code>`)
	assert.Contains(t, out, `data-index="0"`)
	assert.True(t, strings.HasSuffix(out, `<span class="text"> bye</span>`))

	assert.Equal(t, "", RenderHTML(""))
	assert.Contains(t, RenderHTML("```\nx\n```"), "<span>CODE</span>")
}

func TestMessageView_StoppedReply(t *testing.T) {
	store := transcript.NewStore()
	_, err := store.Append(transcript.Message{Role: transcript.RoleUser, Text: "hi"})
	require.NoError(t, err)

	var views []MessageView
	unsubscribe := store.Subscribe(func(ev transcript.Event) {
		views = append(views, newMessageView(ev.Position, ev.Message, openAfter(ev)))
	})
	defer unsubscribe()

	pos, err := store.Append(transcript.Message{Role: transcript.RoleModel})
	require.NoError(t, err)
	open := snapshotFrame(store, session.StateStreaming).Messages
	assert.False(t, open[1].Stopped, "open placeholder")
	assert.Empty(t, open[1].HTML)

	require.NoError(t, store.Finish(pos))
	require.Len(t, views, 2)
	assert.False(t, views[0].Stopped)
	assert.True(t, views[1].Stopped)
	assert.Contains(t, views[1].HTML, "(stopped)")

	snap := snapshotFrame(store, session.StateIdle).Messages
	assert.False(t, snap[0].Stopped, "user records never show the marker")
	assert.True(t, snap[1].Stopped)

	failed, err := store.Append(transcript.Message{Role: transcript.RoleModel})
	require.NoError(t, err)
	require.NoError(t, store.MarkError(failed, "fallback"))
	assert.False(t, views[len(views)-1].Stopped, "error records keep their text")
}

// sessionClient records the usage session id of every send.
type sessionClient struct {
	mu  sync.Mutex
	ids []string
}

func (c *sessionClient) CreateSession(ctx context.Context, instruction string) (types.ChatSession, error) {
	return c, nil
}

func (c *sessionClient) SendStreaming(ctx context.Context, text string) iter.Seq2[types.Chunk, error] {
	c.mu.Lock()
	c.ids = append(c.ids, usage.SessionFrom(ctx))
	c.mu.Unlock()
	return func(yield func(types.Chunk, error) bool) {
		yield(types.Chunk{Text: "ok"}, nil)
	}
}

func TestWS_PageViewsTaggedForUsage(t *testing.T) {
	client := &sessionClient{}
	_, ts := newTestServer(t, client)

	for range 2 {
		conn := dial(t, ts)
		readFrame(t, conn)
		require.NoError(t, conn.WriteJSON(map[string]string{"text": "hi"}))
		readUntilIdle(t, conn)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.ids, 2)
	assert.NotEmpty(t, client.ids[0])
	assert.NotEqual(t, client.ids[0], client.ids[1])
}

func TestWS_RejectsCrossOrigin(t *testing.T) {
	s, ts := newTestServer(t, &scriptedClient{chunks: []string{"hi"}})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://elsewhere.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, s.Connections())

	header = http.Header{"Origin": []string{ts.URL}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "snapshot", readFrame(t, conn).Type)
}

func TestUpdateSettings_ReachesNewPageViews(t *testing.T) {
	s, ts := newTestServer(t, &scriptedClient{chunks: []string{"hi"}})
	first := dial(t, ts)
	assert.Equal(t, "What is your request today?", readFrame(t, first).Messages[0].Text)

	sc := s.Settings().Session
	sc.Greeting = "The shop is open."
	s.UpdateSettings(Settings{Name: "Shop", Session: sc, MaxUploadBytes: 8})

	second := dial(t, ts)
	snap := readFrame(t, second)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "The shop is open.", snap.Messages[0].Text)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var page bytes.Buffer
	_, _ = page.ReadFrom(resp.Body)
	assert.Contains(t, page.String(), "<title>Shop</title>")

	got := s.Settings()
	assert.Equal(t, int64(8), got.MaxUploadBytes)
	s.UpdateSettings(Settings{Session: sc})
	assert.Equal(t, "fanchat", s.Settings().Name, "empty name falls back")
	assert.Equal(t, gallery.DefaultConfig().MaxUploadBytes, s.Settings().MaxUploadBytes)
}
