package dynalb

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// RoundTrip implements http.RoundTripper, making the pool pluggable as the
// SDK client's transport. The request URL carries the SDK's placeholder
// authority; the pool substitutes a live node per call while preserving the
// placeholder in the Host header so request signatures stay intact.
//
// Transport-level failures are not retried here: the connection is discarded
// and the error propagates to the caller, whose own retry policy governs.
func (cp *RoutingConnectionPool) RoundTrip(req *http.Request) (*http.Response, error) {

	host, err := cp.GetConnection(req.Context())
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if d, ok := req.Context().Deadline(); ok {
		deadline = d
	}

	resp, err := exchange(host, req, deadline)
	if err != nil {
		cp.ReturnConnection(host, true)
		return nil, err
	}

	cp.ReturnConnection(host, resp.Close || req.Close)

	return resp, nil
}

// exchange writes one request over the host's connection and reads one
// response, fully buffering the body so the connection is immediately
// reusable. A zero deadline leaves the connection unbounded.
func exchange(host *ConnectionHost, req *http.Request, deadline time.Time) (*http.Response, error) {

	outReq := req.Clone(req.Context())
	if outReq.Host == "" {
		outReq.Host = outReq.URL.Host
	}

	host.setDeadline(deadline)
	defer host.setDeadline(time.Time{})

	if err := outReq.Write(host.conn); err != nil {
		return nil, err
	}

	resp, err := http.ReadResponse(host.reader, outReq)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return resp, nil
}

// readBufferedBody drains a response previously buffered by exchange.
func readBufferedBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}
