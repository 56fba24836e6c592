package exitengine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDomainBlocklistMatchesSuffixes(t *testing.T) {
	b := NewDomainBlocklist([]string{"example.com"})

	cases := map[string]bool{
		"example.com":     true,
		"sub.example.com": true,
		"example.com.evil.com": false,
		"other.org":       false,
	}
	for host, want := range cases {
		if got := b.Blocked(host); got != want {
			t.Errorf("Blocked(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestDispatchReturnsSyntheticResponseForBlockedHost(t *testing.T) {
	d := NewDispatcher(NewDomainBlocklist([]string{"blocked.test"}), 0)

	rec := &httpRequestRecord{Method: "GET", URL: "http://blocked.test/path"}
	out := d.Dispatch(rec)

	var resp httpResponseRecord
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Status != 451 {
		t.Fatalf("Status = %d, want 451", resp.Status)
	}
}

func TestDispatchPerformsRealRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hi there"))
	}))
	defer srv.Close()

	d := NewDispatcher(nil, 0)
	rec := &httpRequestRecord{Method: "GET", URL: srv.URL}
	out := d.Dispatch(rec)

	var resp httpResponseRecord
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != "hi there" {
		t.Fatalf("Body = %q, want %q", resp.Body, "hi there")
	}
}

func TestDispatchCapsResponseBodySize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	d := NewDispatcher(nil, 16)
	rec := &httpRequestRecord{Method: "GET", URL: srv.URL}
	out := d.Dispatch(rec)

	var resp httpResponseRecord
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(resp.Body) != 16 {
		t.Fatalf("len(Body) = %d, want 16 (capped)", len(resp.Body))
	}
}

func TestDispatchHandlesBadURL(t *testing.T) {
	d := NewDispatcher(nil, 0)
	rec := &httpRequestRecord{Method: "GET", URL: "://not-a-url"}
	out := d.Dispatch(rec)

	var resp httpResponseRecord
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Status != http.StatusBadRequest {
		t.Fatalf("Status = %d, want 400", resp.Status)
	}
}
