package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/corpusd/corpusd/internal/files"
	"github.com/corpusd/corpusd/internal/rag"
)

func postJSON(t *testing.T, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	f.answerer.result = rag.Result{
		Answer: "Atlas ships in June.",
		Sources: []rag.Source{
			{ObjectKey: keyA, Filename: "notes.txt", Similarity: 0.91},
		},
	}

	req := asPrincipal(postJSON(t, "/api/query",
		`{"query":"When does Atlas ship?","allowed_keys":["`+keyA+`"]}`), "alice")
	rec := f.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}

	var result rag.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Answer != "Atlas ships in June." {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if len(result.Sources) != 1 || result.Sources[0].Filename != "notes.txt" {
		t.Errorf("unexpected sources: %+v", result.Sources)
	}
	if len(f.answerer.gotKeys) != 1 || f.answerer.gotKeys[0] != keyA {
		t.Errorf("allowed keys not forwarded: %v", f.answerer.gotKeys)
	}
}

func TestQueryUnauthorizedKey(t *testing.T) {
	f := newFixture(t)
	f.files.authErr = files.ErrKeyNotAuthorized

	req := asPrincipal(postJSON(t, "/api/query",
		`{"query":"q","allowed_keys":["`+keyA+`"]}`), "alice")
	rec := f.do(t, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestQueryModelFailure(t *testing.T) {
	f := newFixture(t)
	f.answerer.err = errors.New("model down")

	req := asPrincipal(postJSON(t, "/api/query", `{"query":"q"}`), "alice")
	rec := f.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var result rag.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !strings.HasPrefix(result.Answer, rag.ErrorMarker) {
		t.Errorf("failure answer must start with the error marker: %q", result.Answer)
	}
	if len(result.Sources) != 0 {
		t.Errorf("failure result must carry no sources: %+v", result.Sources)
	}
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "empty query", body: `{"query":"  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, asPrincipal(postJSON(t, "/api/query", tt.body), "alice"))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}
