package api

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

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"task-client/auth"
	"task-client/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxErrorBody         = 4 << 10
)

// TokenSource yields the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Gateway.
type Options struct {
	BaseURL      string
	Tokens       TokenSource
	HTTPClient   *http.Client
	Logger       *log.Logger
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Timeout      time.Duration
}

// Gateway issues task requests against the backend with bounded retries.
type Gateway struct {
	baseURL      string
	tokens       TokenSource
	client       *http.Client
	logger       *log.Logger
	maxRetries   int
	retryInitial time.Duration
	retryMax     time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// New creates a Gateway. Zero retry settings fall back to 3 retries starting
// at 250ms and capped at 5s.
func New(opts Options) *Gateway {
	if opts.Tokens == nil {
		panic("api.New: token source is nil")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	g := &Gateway{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		tokens:       opts.Tokens,
		client:       client,
		logger:       logger,
		maxRetries:   opts.MaxRetries,
		retryInitial: opts.RetryInitial,
		retryMax:     opts.RetryMax,
		sleep:        sleepContext,
	}
	if g.maxRetries < 0 {
		g.maxRetries = 0
	} else if g.maxRetries == 0 {
		g.maxRetries = 3
	}
	if g.retryInitial <= 0 {
		g.retryInitial = 250 * time.Millisecond
	}
	if g.retryMax <= 0 {
		g.retryMax = 5 * time.Second
	}
	return g
}

type taskListResponse struct {
	Data []domain.Task `json:"data"`
}

type startExportResponse struct {
	JobID string `json:"jobId"`
}

// FetchTasks loads the tasks of view.
func (g *Gateway) FetchTasks(ctx context.Context, view domain.View) ([]domain.Task, error) {
	c := call{
		name:   "FetchTasks",
		method: http.MethodGet,
		route:  "/tasks",
		path:   "/tasks?status=" + url.QueryEscape(string(view)),
	}
	var out taskListResponse
	if err := g.doJSON(ctx, c, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return []domain.Task{}, nil
	}
	return out.Data, nil
}

// PatchTask sends a partial update of one task.
func (g *Gateway) PatchTask(ctx context.Context, id string, patch domain.TaskPatch) error {
	if id == "" {
		return errors.New("patch task: empty id")
	}
	return g.doJSON(ctx, call{
		name:   "PatchTask",
		method: http.MethodPatch,
		route:  "/tasks/{id}",
		path:   "/tasks/" + url.PathEscape(id),
		body:   patch,
	}, nil)
}

// PatchOrder persists the new order of the given tasks.
func (g *Gateway) PatchOrder(ctx context.Context, items []domain.ReorderItem) error {
	if len(items) == 0 {
		return nil
	}
	return g.doJSON(ctx, call{
		name:   "PatchOrder",
		method: http.MethodPatch,
		route:  "/tasks/reorder",
		path:   "/tasks/reorder",
		body:   domain.ReorderRequest{Items: items},
		items:  len(items),
	}, nil)
}

// StartExport requests a CSV export of view and returns the job id.
func (g *Gateway) StartExport(ctx context.Context, userID string, view domain.View) (string, error) {
	var out startExportResponse
	err := g.doJSON(ctx, call{
		name:   "StartExport",
		method: http.MethodPost,
		route:  "/exports/csv/{userId}",
		path:   "/exports/csv/" + url.PathEscape(userID),
		body:   domain.ExportRequest{Scope: domain.ExportScope{Status: view}},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", errors.New("start export: response without job id")
	}
	return out.JobID, nil
}

// ExportStatus returns the current state of an export job.
func (g *Gateway) ExportStatus(ctx context.Context, jobID string) (domain.ExportJob, error) {
	var job domain.ExportJob
	err := g.doJSON(ctx, call{
		name:   "ExportStatus",
		method: http.MethodGet,
		route:  "/exports/csv/{jobId}",
		path:   "/exports/csv/" + url.PathEscape(jobID),
	}, &job)
	if err != nil {
		return domain.ExportJob{}, err
	}
	if job.JobID == "" {
		job.JobID = jobID
	}
	return job, nil
}

// DownloadExport opens the CSV file of a completed job. The caller closes it.
func (g *Gateway) DownloadExport(ctx context.Context, jobID, userID string) (io.ReadCloser, error) {
	c := call{
		name:   "DownloadExport",
		method: http.MethodGet,
		route:  "/exports/csv/{jobId}/{userId}/file",
		path:   "/exports/csv/" + url.PathEscape(jobID) + "/" + url.PathEscape(userID) + "/file",
	}
	metrics, ctx := newCallMetrics(ctx, g.logger, c.name, c.method, c.route)
	resp, err := g.send(ctx, c, metrics)
	if err != nil {
		metrics.Log(statusOf(err), err)
		return nil, err
	}
	metrics.Log(resp.StatusCode, nil)
	return resp.Body, nil
}

type call struct {
	name   string
	method string
	route  string
	path   string
	body   any
	items  int
}

func (g *Gateway) doJSON(ctx context.Context, c call, out any) error {
	metrics, ctx := newCallMetrics(ctx, g.logger, c.name, c.method, c.route)
	metrics.SetItems(c.items)

	resp, err := g.send(ctx, c, metrics)
	if err != nil {
		metrics.Log(statusOf(err), err)
		return err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
			err = fmt.Errorf("%s: decode response: %w", c.name, err)
			metrics.Log(resp.StatusCode, err)
			return err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	metrics.Log(resp.StatusCode, nil)
	return nil
}

// send performs c with retries. On success the caller owns resp.Body.
func (g *Gateway) send(ctx context.Context, c call, metrics *callMetrics) (*http.Response, error) {
	var payload []byte
	if c.body != nil {
		data, err := sonic.Marshal(c.body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", c.name, err)
		}
		payload = data
	}
	var idempotencyKey string
	if c.method != http.MethodGet {
		idempotencyKey = uuid.NewString()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		token, err := g.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, c.method, g.baseURL+c.path, body)
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", c.name, err)
		}
		req.Header.Set("Authorization", auth.BearerHeader(token))
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set(headerIdempotencyKey, idempotencyKey)
		}

		metrics.ObserveAttempt()
		resp, err := g.client.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", c.name, ctx.Err())
			}
			lastErr = err
		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			return nil, fmt.Errorf("%s: %w", c.name, auth.ErrUnauthenticated)
		case retryableStatus(resp.StatusCode):
			lastErr = statusError(c, resp)
		case resp.StatusCode >= 400:
			return nil, statusError(c, resp)
		default:
			return resp, nil
		}

		if attempt >= g.maxRetries {
			return nil, fmt.Errorf("%s: giving up after %d attempts: %w", c.name, attempt+1, lastErr)
		}
		delay := exponentialBackoff(attempt+1, g.retryInitial, g.retryMax)
		g.logger.WithFields(log.Fields{
			"call":    c.name,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).WithError(lastErr).Debug("gateway.retry")
		if err := g.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
	}
}

func statusError(c call, resp *http.Response) *StatusError {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method: c.method,
		Path:   c.route,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(data)),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	return 0
}
