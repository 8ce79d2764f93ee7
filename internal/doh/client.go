// Package doh forwards raw DNS messages to a DNS-over-HTTPS resolver.
package doh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

const (
	contentType     = "application/dns-message"
	maxResponseSize = 0xFFFF // a reply must fit one UDP frame
)

// ErrUpstreamUnavailable wraps every network, HTTP or decoding failure of an
// exchange. Callers drop the reply and keep the sub-session alive.
var ErrUpstreamUnavailable = errors.New("DNS-over-HTTPS upstream unavailable")

// Client posts DNS wire-format queries to one resolver URL.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a Client for url. The underlying transport negotiates
// HTTP/2 with TLS resolvers and keeps connections warm across queries.
func NewClient(url string, timeout time.Duration) (*Client, error) {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("failed to enable HTTP/2 for DoH transport: %w", err)
	}

	return &Client{
		url:  url,
		http: &http.Client{Transport: tr, Timeout: timeout},
	}, nil
}

// Exchange sends query and returns the resolver's reply. The reply must
// decode as a DNS message answering the query's ID.
func (c *Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: reply exceeds %d bytes", ErrUpstreamUnavailable, maxResponseSize)
	}
	if err := checkReply(query, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	return body, nil
}

// checkReply verifies that reply is a DNS response to query. A query that
// does not itself decode is forwarded as opaque bytes, so only the reply's
// shape is checked in that case.
func checkReply(query, reply []byte) error {
	var in dns.Msg
	if err := in.Unpack(reply); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	if !in.Response {
		return errors.New("reply is not a response")
	}

	var out dns.Msg
	if out.Unpack(query) == nil && out.Id != in.Id {
		return fmt.Errorf("reply id %d does not match query id %d", in.Id, out.Id)
	}
	return nil
}

// Describe renders the first question and answer count of a DNS message for
// logging. Undecodable input is reported by size only.
func Describe(msg []byte) string {
	var m dns.Msg
	if err := m.Unpack(msg); err != nil || len(m.Question) == 0 {
		return fmt.Sprintf("%d bytes", len(msg))
	}
	q := m.Question[0]
	if m.Response {
		return fmt.Sprintf("%s %s -> %s, %d answers", q.Name, dns.TypeToString[q.Qtype], dns.RcodeToString[m.Rcode], len(m.Answer))
	}
	return fmt.Sprintf("%s %s", q.Name, dns.TypeToString[q.Qtype])
}
