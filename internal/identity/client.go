package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Login/session issuance lives in an external identity provider; this
// package only verifies tokens against it.

var ErrTokenRejected = errors.New("identity token rejected")

// Principal is the verified identity attached to a connection.
type Principal struct {
	Identity string `json:"identity"`
	Name     string `json:"displayName"`
	Rating   int    `json:"rating"`
}

// Verifier resolves a client token into a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// Client verifies tokens over HTTP against the identity provider.
type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Verify posts the token to the provider's /verify endpoint. A 401/403 is a
// rejection; anything else non-2xx is a transport-level failure.
func (c *Client) Verify(ctx context.Context, token string) (*Principal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrTokenRejected
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.baseURL + "/verify")
	req.Header.SetContentType("application/json")
	payload, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}
	req.SetBody(payload)

	if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
		return nil, fmt.Errorf("identity provider request: %w", err)
	}

	status := resp.StatusCode()
	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return nil, ErrTokenRejected
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("identity provider error: status=%d", status)
	}

	var p Principal
	if err := json.Unmarshal(resp.Body(), &p); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	if strings.TrimSpace(p.Identity) == "" {
		return nil, fmt.Errorf("identity provider returned empty identity")
	}
	if p.Rating <= 0 {
		p.Rating = 1200
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = p.Identity
	}
	return &p, nil
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

// StaticVerifier accepts any non-empty token as its own identity with a
// default rating. Local play and tests only; enabled by ALLOW_ANONYMOUS.
type StaticVerifier struct {
	Rating int
}

func (v StaticVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenRejected
	}
	rating := v.Rating
	if rating <= 0 {
		rating = 1200
	}
	return &Principal{Identity: token, Name: token, Rating: rating}, nil
}
