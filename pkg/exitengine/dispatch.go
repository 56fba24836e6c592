package exitengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxResponseBytes is the policy-driven cap on HTTP response bodies
// an exit will relay back to a client (spec.md §4.D).
const DefaultMaxResponseBytes = 16 * 1024 * 1024

// httpRequestRecord is the structured request record carried after the
// mode byte in HTTP-mode dispatch. The wire format itself is left opaque
// by spec.md §4.D ("a structured request record"); JSON keeps it legible
// and trivially extensible, matching how the rest of this module encodes
// structured records that never touch the erasure-coded hot path directly.
type httpRequestRecord struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// httpResponseRecord is the structured response record an exit builds
// from the real HTTP round trip (or a synthetic blocked-domain response).
type httpResponseRecord struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// DomainBlocklist is a set of host suffixes an exit refuses to dispatch to.
type DomainBlocklist struct {
	blocked map[string]bool
}

// NewDomainBlocklist builds a blocklist from a set of host suffixes (an
// entry "example.com" also blocks "sub.example.com").
func NewDomainBlocklist(hosts []string) *DomainBlocklist {
	b := &DomainBlocklist{blocked: make(map[string]bool, len(hosts))}
	for _, h := range hosts {
		b.blocked[strings.ToLower(h)] = true
	}
	return b
}

// Blocked reports whether host matches an entry or is a subdomain of one.
func (b *DomainBlocklist) Blocked(host string) bool {
	host = strings.ToLower(host)
	for suffix := range b.blocked {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Dispatcher performs the real HTTP round trip for HTTP-mode requests.
type Dispatcher struct {
	client      *http.Client
	blocklist   *DomainBlocklist
	maxResponse int64
}

// NewDispatcher builds a Dispatcher. A maxResponse of zero uses
// DefaultMaxResponseBytes.
func NewDispatcher(blocklist *DomainBlocklist, maxResponse int64) *Dispatcher {
	if maxResponse <= 0 {
		maxResponse = DefaultMaxResponseBytes
	}
	return &Dispatcher{
		client:      &http.Client{Timeout: 30 * time.Second},
		blocklist:   blocklist,
		maxResponse: maxResponse,
	}
}

// DecodeHTTPRequest parses the remainder of an HTTP-mode request payload
// (everything after the mode byte).
func DecodeHTTPRequest(remainder []byte) (*httpRequestRecord, error) {
	var rec httpRequestRecord
	if err := json.Unmarshal(remainder, &rec); err != nil {
		return nil, fmt.Errorf("exitengine: malformed HTTP request record: %w", err)
	}
	return &rec, nil
}

// Dispatch performs rec's HTTP round trip, or synthesizes a 451-style
// response if the target host is blocklisted, and returns the encoded
// response record ready for prefixResponseLength/chunking.
func (d *Dispatcher) Dispatch(rec *httpRequestRecord) []byte {
	u, err := url.Parse(rec.URL)
	if err != nil {
		return encodeHTTPResponse(&httpResponseRecord{Status: http.StatusBadRequest, Body: []byte(err.Error())})
	}

	if d.blocklist != nil && d.blocklist.Blocked(u.Hostname()) {
		return encodeHTTPResponse(&httpResponseRecord{
			Status: 451,
			Body:   []byte(fmt.Sprintf("blocked host: %s", u.Hostname())),
		})
	}

	req, err := http.NewRequest(rec.Method, rec.URL, bytes.NewReader(rec.Body))
	if err != nil {
		return encodeHTTPResponse(&httpResponseRecord{Status: http.StatusBadRequest, Body: []byte(err.Error())})
	}
	for k, vs := range rec.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return encodeHTTPResponse(&httpResponseRecord{
			Status: http.StatusBadGateway,
			Body:   []byte(fmt.Sprintf("dispatch failed: %v", err)),
		})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponse))
	if err != nil {
		return encodeHTTPResponse(&httpResponseRecord{
			Status: http.StatusBadGateway,
			Body:   []byte(fmt.Sprintf("failed reading upstream body: %v", err)),
		})
	}

	out := &httpResponseRecord{Status: resp.StatusCode, Headers: map[string][]string(resp.Header), Body: body}
	return encodeHTTPResponse(out)
}

func encodeHTTPResponse(rec *httpResponseRecord) []byte {
	data, err := json.Marshal(rec)
	if err != nil {
		// Marshal of a plain struct of strings/bytes/ints cannot fail; if it
		// somehow does, fall back to a minimal synthetic error body.
		return []byte(`{"status":500,"body":null}`)
	}
	return data
}
