package paddle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddleerr"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

type callKey struct{}

// apiCall carries the metrics label into the HTTP layer and the response
// status back out; SDK API errors do not carry the status code.
type apiCall struct {
	endpoint string
	status   int
}

// meteredDoer is the HTTP client handed to the Paddle SDK. It records one
// API call metric per request, labelled with the endpoint template.
type meteredDoer struct {
	client  *http.Client
	metrics billing.Metrics
}

func (d *meteredDoer) Do(req *http.Request) (*http.Response, error) {
	call, _ := req.Context().Value(callKey{}).(*apiCall)
	endpoint := req.URL.Path
	if call != nil {
		endpoint = call.endpoint
	}

	startTime := time.Now()
	resp, err := d.client.Do(req)
	d.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		d.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, err
	}

	if call != nil {
		call.status = resp.StatusCode
	}
	if resp.StatusCode >= 400 {
		d.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(resp.StatusCode))
	} else {
		d.metrics.RecordAPICall(providerName, endpoint, "success")
	}
	return resp, nil
}

func newSDK(config billing.Config) (*paddlesdk.SDK, error) {
	opts := []paddlesdk.Option{
		paddlesdk.WithClient(&meteredDoer{client: config.HTTPClient, metrics: config.Metrics}),
	}
	if config.BaseURL != "" {
		opts = append(opts, paddlesdk.WithBaseURL(strings.TrimRight(config.BaseURL, "/")))
	}
	if config.Sandbox {
		return paddlesdk.NewSandbox(config.APIKey, opts...)
	}
	return paddlesdk.New(config.APIKey, opts...)
}

// call runs fn with the endpoint label attached and converts SDK errors
// into *billing.APIError.
func call(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	c := &apiCall{endpoint: endpoint}
	err := fn(context.WithValue(ctx, callKey{}, c))
	if err == nil {
		return nil
	}
	return translateError(err, c.status)
}

func translateError(err error, status int) error {
	var sdkErr *paddleerr.Error
	if errors.As(err, &sdkErr) {
		apiErr := &billing.APIError{Provider: providerName, StatusCode: status, Code: sdkErr.Code, Message: sdkErr.Detail}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		if apiErr.Message == "" {
			apiErr.Message = sdkErr.Code
		}
		return apiErr
	}
	if status >= 400 {
		return &billing.APIError{Provider: providerName, StatusCode: status, Message: http.StatusText(status)}
	}
	return fmt.Errorf("failed to call Paddle API: %w", err)
}
