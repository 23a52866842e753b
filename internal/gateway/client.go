package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/suPer8Hu/jobtracker/internal/common"
)

// Client talks to the remote job service. Each method performs exactly one
// HTTP request (GetOrderStatus/GetAIJobStatus included); retry policy lives
// in the callers.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Log     logrus.FieldLogger

	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings enables a circuit breaker in front of the gateway.
type BreakerSettings struct {
	Enabled      bool
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

func NewClient(baseURL, token string, timeout time.Duration, br BreakerSettings) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Log:     logrus.StandardLogger(),
	}
	if br.Enabled {
		minReq := br.MinRequests
		if minReq == 0 {
			minReq = 5
		}
		ratio := br.FailureRatio
		if ratio <= 0 {
			ratio = 0.6
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "job-gateway",
			MaxRequests: br.MaxRequests,
			Interval:    br.Interval,
			Timeout:     br.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= minReq && failureRatio >= ratio
			},
			// Only transient failures count against the backend.
			IsSuccessful: func(err error) bool {
				return err == nil || !IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.Log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("gateway circuit breaker state change")
			},
		})
	}
	return c
}

func (c *Client) CreateOrder(ctx context.Context, siteID, stockID string) (string, error) {
	const op = "createOrder"
	var out createOrderResp
	if err := c.do(ctx, op, http.MethodPost, "/orders", createOrderReq{SiteID: siteID, StockID: stockID}, true, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", &MalformedResponseError{Op: op, Reason: "missing taskId"}
	}
	return out.TaskID, nil
}

func (c *Client) CreateAIJob(ctx context.Context, prompt string, opts AIJobOptions) (string, error) {
	const op = "createAIJob"
	var out createAIJobResp
	if err := c.do(ctx, op, http.MethodPost, "/ai/jobs", createAIJobReq{Prompt: prompt, AIJobOptions: opts}, true, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.JobID) == "" {
		return "", &MalformedResponseError{Op: op, Reason: "missing jobId"}
	}
	return out.JobID, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, taskID string) (StatusDoc, error) {
	var out StatusDoc
	err := c.do(ctx, "getOrderStatus", http.MethodGet, "/orders/"+url.PathEscape(taskID)+"/status", nil, false, &out)
	return out, err
}

func (c *Client) GetAIJobStatus(ctx context.Context, jobID string) (StatusDoc, error) {
	var out StatusDoc
	err := c.do(ctx, "getAIJobStatus", http.MethodGet, "/ai/jobs/"+url.PathEscape(jobID), nil, false, &out)
	return out, err
}

func (c *Client) GetDownloadLink(ctx context.Context, taskID string) (DownloadLink, error) {
	const op = "getDownloadLink"
	var out DownloadLink
	if err := c.do(ctx, op, http.MethodGet, "/orders/"+url.PathEscape(taskID)+"/download", nil, false, &out); err != nil {
		return DownloadLink{}, err
	}
	if out.URL == "" {
		return DownloadLink{}, &MalformedResponseError{Op: op, Reason: "missing url"}
	}
	return out, nil
}

func (c *Client) GetStockInfo(ctx context.Context, siteID, stockID string) (StockInfo, error) {
	const op = "getStockInfo"
	var out StockInfo
	path := "/stock/" + url.PathEscape(siteID) + "/" + url.PathEscape(stockID)
	if err := c.do(ctx, op, http.MethodGet, path, nil, false, &out); err != nil {
		return StockInfo{}, err
	}
	if out.StockID == "" {
		out.StockID = stockID
	}
	if out.SiteID == "" {
		out.SiteID = siteID
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, idempotent bool, out any) error {
	if c.Client == nil {
		return errors.New("gateway: http client is nil")
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	call := func() (any, error) {
		return nil, c.roundTrip(ctx, op, method, path, payload, idempotent, out)
	}

	if c.breaker == nil {
		_, err := call()
		return err
	}
	_, err := c.breaker.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &NetworkError{Op: op, Err: err}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload []byte, idempotent bool, out any) error {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", common.MustULID())
	if idempotent {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		// The status line arrived but the body did not.
		return &NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return &MalformedResponseError{Op: op, Reason: "empty body"}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &MalformedResponseError{Op: op, Reason: "invalid json", Err: err}
	}
	return nil
}
