package hostcall

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"

	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/types"
)

// Network wraps outgoing sockets and HTTP requests (// "Sockets (TCP/UDP/DNS): ReadRemote/WriteRemote as applicable; errors
// retried per policy", "HTTP outgoing: WriteRemote; uses bracketed
// writes; idempotency via caller-supplied key when available"). Both
// go through the same durability.Call path; WriteRemote calls get the
// BeginRemoteWrite/EndRemoteWrite bracket for free from liveCall.
type Network struct {
	wrapper *durability.Wrapper
	dialer  net.Dialer
	client  *http.Client
}

func NewNetwork(w *durability.Wrapper) *Network {
	return &Network{wrapper: w, client: http.DefaultClient}
}

type dialRequest struct {
	Network string
	Address string
}

// Connect opens an outgoing TCP/UDP connection and immediately closes
// it, recording only the outcome (the filesystem-style rationale
// doesn't apply to live sockets: a Connection itself can't be replayed,
// so only whether the dial succeeded is recorded here). Guest-visible
// byte traffic on the connection is expected to flow through further
// ReadRemote/WriteRemote calls the catalog's embedder adds per
// protocol; this wrapper covers the dial step common to all of them.
func (n *Network) Connect(ctx context.Context, network, address string) error {
	_, err := durability.Call(n.wrapper, "sockets::connect", types.WriteRemote, dialRequest{Network: network, Address: address}, func(req dialRequest) (struct{}, error) {
		conn, err := n.dialer.DialContext(ctx, req.Network, req.Address)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, conn.Close()
	})
	return err
}

type lookupRequest struct {
	Host string
}

// LookupHost resolves host. ReadRemote: a failed lookup is classified
// transient or permanent and, if transient, retried with backoff inside
// the durability wrapper before surfacing to the guest.
func (n *Network) LookupHost(ctx context.Context, host string) ([]string, error) {
	return durability.Call(n.wrapper, "sockets::lookup_host", types.ReadRemote, lookupRequest{Host: host}, func(req lookupRequest) ([]string, error) {
		addrs, err := net.DefaultResolver.LookupHost(ctx, req.Host)
		if err != nil {
			return nil, classifyRemoteErr(err)
		}
		return addrs, nil
	})
}

type httpRequest struct {
	Method string
	URL    string
	Body   []byte
}

type httpResponse struct {
	Status int
	Body   []byte
}

// SendRequest performs an outgoing HTTP request. Idempotency-key dedup
// is the invocation queue's concern, not this wrapper's -- the
// request/response pair recorded here is what replay reproduces.
func (n *Network) SendRequest(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	resp, err := durability.Call(n.wrapper, "http::send_request", types.WriteRemote, httpRequest{Method: method, URL: url, Body: body}, func(req httpRequest) (httpResponse, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return httpResponse{}, err
		}
		res, err := n.client.Do(httpReq)
		if err != nil {
			return httpResponse{}, err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return httpResponse{}, err
		}
		return httpResponse{Status: res.StatusCode, Body: data}, nil
	})
	return resp.Status, resp.Body, err
}
