package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/corpusd/corpusd/internal/blob"
	"github.com/corpusd/corpusd/internal/files"
	"github.com/corpusd/corpusd/internal/log"
	"github.com/corpusd/corpusd/internal/rag"
	"github.com/corpusd/corpusd/internal/roles"
	"github.com/corpusd/corpusd/internal/session"
)

const keyA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// ============================================================
// Mocks
// ============================================================

type mockBlobStore struct {
	putKey     string
	putExisted bool
	putErr     error
	putCalls   int
	deleted    []string
	deleteErr  error
}

func (m *mockBlobStore) Put(_ context.Context, _ []byte, _ blob.ObjectMeta) (string, bool, error) {
	m.putCalls++
	return m.putKey, m.putExisted, m.putErr
}

func (m *mockBlobStore) Delete(_ context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	return m.deleteErr
}

type recordedFile struct {
	owner, key, filename, contentType string
	size                              int64
}

type mockFileStore struct {
	recorded       []recordedFile
	listRecords    []files.Record
	authErr        error
	deleteOrphaned bool
	deleteErr      error
}

func (m *mockFileStore) Record(_ context.Context, owner, key, filename, contentType string, size int64) (bool, error) {
	m.recorded = append(m.recorded, recordedFile{owner, key, filename, contentType, size})
	return true, nil
}

func (m *mockFileStore) ListByOwner(_ context.Context, _ string) ([]files.Record, error) {
	return m.listRecords, nil
}

func (m *mockFileStore) AuthorizeKeys(_ context.Context, _ string, keys []string) ([]string, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return keys, nil
}

func (m *mockFileStore) Delete(_ context.Context, _, _ string) (bool, error) {
	return m.deleteOrphaned, m.deleteErr
}

type mockIngestor struct {
	enqueued []string
}

func (m *mockIngestor) Enqueue(key string) {
	m.enqueued = append(m.enqueued, key)
}

type mockAnswerer struct {
	result  rag.Result
	err     error
	gotKeys []string
}

func (m *mockAnswerer) Answer(_ context.Context, _, _ string, allowedKeys []string) (rag.Result, error) {
	m.gotKeys = allowedKeys
	return m.result, m.err
}

type mockStreamer struct {
	turns  []roles.Turn
	gotReq roles.Request
}

func (m *mockStreamer) Run(_ context.Context, req roles.Request) <-chan roles.Turn {
	m.gotReq = req
	out := make(chan roles.Turn, len(m.turns))
	for _, t := range m.turns {
		out <- t
	}
	close(out)
	return out
}

// ============================================================
// Fixture
// ============================================================

type fixture struct {
	server   *Server
	blobs    *mockBlobStore
	files    *mockFileStore
	ingest   *mockIngestor
	answerer *mockAnswerer
	streamer *mockStreamer
	sessions *session.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		blobs:    &mockBlobStore{putKey: keyA},
		files:    &mockFileStore{},
		ingest:   &mockIngestor{},
		answerer: &mockAnswerer{},
		streamer: &mockStreamer{},
		sessions: session.NewRegistry(time.Minute, log.NewNop()),
	}
	t.Cleanup(f.sessions.Close)

	server, err := NewServer(Config{
		Blobs:    f.blobs,
		Files:    f.files,
		Ingest:   f.ingest,
		Answerer: f.answerer,
		Streamer: f.streamer,
		Sessions: f.sessions,
		Logger:   log.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	f.server = server
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func asPrincipal(req *http.Request, owner string) *http.Request {
	req.Header.Set("X-Principal", owner)
	return req
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("writing multipart body: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}
