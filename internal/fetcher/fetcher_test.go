package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"yad2_bot/internal/failure"
)

type mockTransport struct {
	body       string
	bodyReader io.Reader
	statusCode int
	err        error

	lastRequest *http.Request
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	var body io.Reader = bytes.NewBufferString(m.body)
	if m.bodyReader != nil {
		body = m.bodyReader
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(body),
		Request:    req,
	}, nil
}

func newTestFetcher(tr *mockTransport) *Fetcher {
	f := New(&http.Client{Transport: tr})
	f.pick = func(int) int { return 0 }
	return f
}

func TestFetch(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		wantBody  string
		wantKind  failure.Kind
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: "<html>ok</html>", statusCode: 200},
			wantBody:  "<html>ok</html>",
		},
		{
			name:      "not found is permanent",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantKind:  failure.PermanentFetch,
		},
		{
			name:      "forbidden is permanent",
			transport: &mockTransport{statusCode: 403},
			wantKind:  failure.PermanentFetch,
		},
		{
			name:      "rate limited is transient",
			transport: &mockTransport{statusCode: 429},
			wantKind:  failure.TransientFetch,
		},
		{
			name:      "server error is transient",
			transport: &mockTransport{statusCode: 503},
			wantKind:  failure.TransientFetch,
		},
		{
			name:      "request timeout is transient",
			transport: &mockTransport{statusCode: 408},
			wantKind:  failure.TransientFetch,
		},
		{
			name:      "network error is transient",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantKind:  failure.TransientFetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(tt.transport)
			body, err := f.Fetch(context.Background(), "https://www.yad2.co.il/vehicles/cars?page=1")

			if tt.wantKind != "" {
				if !failure.Is(err, tt.wantKind) {
					t.Fatalf("expected %s failure, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantBody, string(body)); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchHeaders(t *testing.T) {
	tr := &mockTransport{statusCode: 200}
	f := newTestFetcher(tr)

	if _, err := f.Fetch(context.Background(), "https://www.yad2.co.il/vehicles/cars"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	req := tr.lastRequest
	if req == nil {
		t.Fatal("no request recorded")
	}
	ua := req.Header.Get("User-Agent")
	if !strings.Contains(ua, "Chrome/137.0.0.0") {
		t.Errorf("unexpected user agent %q", ua)
	}
	if diff := cmp.Diff(`"Chromium";v="137", "Not/A)Brand";v="24"`, req.Header.Get("Sec-Ch-Ua")); diff != "" {
		t.Errorf("sec-ch-ua mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("navigate", req.Header.Get("Sec-Fetch-Mode")); diff != "" {
		t.Errorf("sec-fetch-mode mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchCancelledContext(t *testing.T) {
	f := newTestFetcher(&mockTransport{statusCode: 200})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, "https://www.yad2.co.il/vehicles/cars")
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsTransientStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{408, true},
		{425, true},
		{429, true},
		{500, true},
		{502, true},
	}
	for _, tt := range tests {
		if got := isTransientStatus(tt.code); got != tt.want {
			t.Errorf("isTransientStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

// endlessReader yields bytes forever and counts how many were consumed.
type endlessReader struct {
	read int64
}

func (r *endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	r.read += int64(len(p))
	return len(p), nil
}

func TestFetchBodyLimit(t *testing.T) {
	t.Run("oversized body stops reading at the limit", func(t *testing.T) {
		r := &endlessReader{}
		f := newTestFetcher(&mockTransport{bodyReader: r, statusCode: 200})

		_, err := f.Fetch(context.Background(), "https://example.test/cars")
		if !failure.Is(err, failure.PermanentFetch) {
			t.Fatalf("expected permanent fetch failure, got %v", err)
		}
		if r.read > 2*maxBodySize {
			t.Errorf("read %d bytes, limit is %d", r.read, maxBodySize)
		}
	})

	t.Run("body at the limit is accepted", func(t *testing.T) {
		f := newTestFetcher(&mockTransport{
			bodyReader: io.LimitReader(&endlessReader{}, maxBodySize),
			statusCode: 200,
		})

		body, err := f.Fetch(context.Background(), "https://example.test/cars")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff(maxBodySize, len(body)); diff != "" {
			t.Errorf("body length mismatch (-want +got):\n%s", diff)
		}
	})
}
