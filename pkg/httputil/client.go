package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RequestConfig holds configuration for HTTP requests
type RequestConfig struct {
	Logger          *zap.Logger
	Client          *http.Client
	Headers         http.Header
	ResponseHandler func(*http.Response) error
	Method          string
	URL             string
	Timeout         time.Duration
	MaxRetries      uint64
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RetryEnabled    bool
}

// DefaultRequestConfig returns a RequestConfig with sensible defaults
func DefaultRequestConfig(method, url string) RequestConfig {
	return RequestConfig{
		Method:         method,
		URL:            url,
		Timeout:        5 * time.Second,
		RetryEnabled:   true,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// Response represents an HTTP response with additional metadata
type Response struct {
	Headers    http.Header
	Body       []byte
	StatusCode int
	Attempts   int
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// retryable reports whether a response status is worth another attempt.
// Client errors other than 408 and 429 will fail the same way again.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// Request sends body with the configured method and headers, retrying
// transport errors and retryable statuses with exponential backoff
func Request(ctx context.Context, config RequestConfig, body []byte) (*Response, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	var response *Response
	attempts := 0

	operation := func() error {
		attempts++
		if attempts > 1 {
			logger.Debug("Retrying request", zap.String("url", config.URL), zap.Int("attempt", attempts))
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, config.Method, config.URL, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for key, values := range config.Headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		response = &Response{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Headers:    resp.Header,
		}

		if config.ResponseHandler != nil {
			if err := config.ResponseHandler(resp); err != nil {
				return err
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: respBody}
			if !retryable(resp.StatusCode) {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}

		return nil
	}

	var err error
	if config.RetryEnabled {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = config.InitialBackoff
		b.MaxInterval = config.MaxBackoff
		b.MaxElapsedTime = 0

		err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, config.MaxRetries), ctx))
	} else {
		err = operation()
	}

	if response != nil {
		response.Attempts = attempts
	}
	if err != nil {
		logger.Warn("Request failed", zap.String("url", config.URL), zap.Int("attempts", attempts), zap.Error(err))
		return response, err // Return response even on error for inspection
	}

	return response, nil
}
