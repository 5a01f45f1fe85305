// Package channels implements the per-channel senders used by the delivery
// worker.
package channels

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns a resty client with tracing. Retries are left to the
// delivery worker so every try is recorded on the attempt.
func NewHTTPClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

// classify turns an HTTP response into a delivery outcome. 408, 429 and 5xx
// are retried; other non-2xx responses fail permanently.
func classify(resp *resty.Response, err error) (delivery.Result, error) {
	if err != nil {
		return delivery.Result{}, err
	}
	res := delivery.Result{HTTPStatus: resp.StatusCode(), Response: resp.String()}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return res, nil
	}
	cause := fmt.Errorf("endpoint returned %d", code)
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500 {
		return res, &delivery.FailedResult{Result: res, Err: cause}
	}
	return res, &delivery.FailedResult{Result: res, Err: delivery.Permanent(cause)}
}

var errNotConfigured = errors.New("channel not configured")
