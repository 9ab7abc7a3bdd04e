package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Signer mutates a request with venue authentication (HMAC query, JWT
// bearer, API-key headers). A nil signer sends the request as-is.
type Signer interface {
	SignRequest(req *http.Request) error
}

// RESTClient wraps http.Client with the shared limiter and a retry +
// circuit-breaker pipeline. Only idempotent calls go through the pipeline:
// order creation must never be blindly retried, the caller probes with
// FetchOrder instead.
type RESTClient struct {
	name     Name
	client   *http.Client
	limiter  *Limiter
	pipeline failsafe.Executor[*http.Response]
}

// NewRESTClient builds the transport for one venue variant.
func NewRESTClient(name Name, timeout time.Duration, limiter *Limiter) *RESTClient {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithJitterFactor(0.2).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &RESTClient{
		name:     name,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		pipeline: failsafe.With[*http.Response](retryPolicy, breaker),
	}
}

// Get performs an idempotent GET through the resilience pipeline.
func (c *RESTClient) Get(ctx context.Context, rawURL string, params url.Values, signer Signer) ([]byte, error) {
	return c.doIdempotent(ctx, http.MethodGet, rawURL, params, signer)
}

// Put performs an idempotent PUT (listen-key keepalives and the like).
func (c *RESTClient) Put(ctx context.Context, rawURL string, params url.Values, signer Signer) ([]byte, error) {
	return c.doIdempotent(ctx, http.MethodPut, rawURL, params, signer)
}

// Delete performs an idempotent DELETE (cancels are safe to retry: a repeat
// lands on NotFound/Conflict which the caller maps per the cancel contract).
func (c *RESTClient) Delete(ctx context.Context, rawURL string, params url.Values, signer Signer) ([]byte, error) {
	return c.doIdempotent(ctx, http.MethodDelete, rawURL, params, signer)
}

// PostForm performs a non-idempotent POST exactly once; no pipeline. The body
// is the already-encoded form string so signatures over the exact byte
// sequence stay valid.
func (c *RESTClient) PostForm(ctx context.Context, rawURL, form string, signer Signer) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signer != nil {
		if err := signer.SignRequest(req); err != nil {
			return nil, NewError(c.name, KindAuth, "sign request", err)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewError(c.name, KindTransient, "post "+rawURL, err)
	}
	return c.readBody(resp, rawURL)
}

// PostJSON performs a non-idempotent POST with a JSON body exactly once.
func (c *RESTClient) PostJSON(ctx context.Context, rawURL string, body []byte, signer Signer) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		if err := signer.SignRequest(req); err != nil {
			return nil, NewError(c.name, KindAuth, "sign request", err)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewError(c.name, KindTransient, "post "+rawURL, err)
	}
	return c.readBody(resp, rawURL)
}

func (c *RESTClient) doIdempotent(ctx context.Context, method, rawURL string, params url.Values, signer Signer) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := c.buildRequest(ctx, method, rawURL, params, signer)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	})
	if err != nil {
		if errors.Is(err, retrypolicy.ErrExceeded) || errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, NewError(c.name, KindThrottled, method+" "+rawURL, err)
		}
		return nil, NewError(c.name, KindTransient, method+" "+rawURL, err)
	}
	return c.readBody(resp, rawURL)
}

func (c *RESTClient) buildRequest(ctx context.Context, method, rawURL string, params url.Values, signer Signer) (*http.Request, error) {
	var req *http.Request
	var err error
	switch method {
	case http.MethodGet, http.MethodDelete:
		target := rawURL
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if signer != nil {
		if err := signer.SignRequest(req); err != nil {
			return nil, NewError(c.name, KindAuth, "sign request", err)
		}
	}
	return req, nil
}

func (c *RESTClient) readBody(resp *http.Response, rawURL string) ([]byte, error) {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 300 {
		kind := ClassifyHTTP(resp.StatusCode)
		return body, NewError(c.name, kind, fmt.Sprintf("%s status %d: %s", rawURL, resp.StatusCode, truncate(body, 256)), nil)
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
