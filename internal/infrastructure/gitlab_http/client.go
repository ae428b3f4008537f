package gitlab_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deploymate/deploymate/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	pipelinesPerPage = 20
	jobsPerPage      = 50
	projectsPerPage  = 100
)

type Client struct {
	baseUrl string
	token   string
	bearer  bool
	hc      *http.Client
}

// New builds a client authenticated with a static personal token
// (PRIVATE-TOKEN header), used by the background scheduler and the CLI.
func New(baseUrl string, token string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl: trimSlash(baseUrl),
		token:   token,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
	}
}

// ForToken returns a client bound to an OAuth access token (Bearer header),
// sharing the underlying transport. Satisfies domain.GatewayFactory.
func (c *Client) ForToken(token string) domain.Gateway {
	cp := *c
	cp.token = token
	cp.bearer = true
	return &cp
}

func (c *Client) authorize(req *http.Request) {
	if c.bearer {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}
}

// do runs one API call with exponential backoff: 429 honors Retry-After,
// 5xx retries, any other non-2xx is permanent and surfaces the response
// body as upstream detail.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := c.baseUrl + "/api/v4" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	attempt := func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.authorize(req)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, _ := strconv.Atoi(ra); sec > 0 {
					select {
					case <-time.After(time.Duration(sec) * time.Second):
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					}
				}
			}
			return fmt.Errorf("%s: gitlab 429", op)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s: gitlab %s", op, resp.Status)
		}

		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return backoff.Permanent(&domain.UpstreamError{
				Op:         op,
				StatusCode: resp.StatusCode,
				Detail:     string(bytes.TrimSpace(detail)),
			})
		}

		if out == nil {
			return nil
		}
		if raw, ok := out.(*[]byte); ok {
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			*raw = b
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%s: decoding response: %w", op, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

func (c *Client) CurrentUser(ctx context.Context) (domain.User, error) {
	var u domain.User
	err := c.do(ctx, "current user", http.MethodGet, "/user", nil, nil, &u)
	return u, err
}

func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	q := url.Values{}
	q.Set("membership", "true")
	q.Set("per_page", strconv.Itoa(projectsPerPage))
	var out []domain.Project
	err := c.do(ctx, "list projects", http.MethodGet, "/projects", q, nil, &out)
	return out, err
}

func (c *Client) GetProject(ctx context.Context, projectID int64) (domain.Project, error) {
	var out domain.Project
	err := c.do(ctx, "get project", http.MethodGet, fmt.Sprintf("/projects/%d", projectID), nil, nil, &out)
	return out, err
}

func (c *Client) ListBranches(ctx context.Context, projectID int64) ([]domain.Branch, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(projectsPerPage))
	var out []domain.Branch
	err := c.do(ctx, "list branches", http.MethodGet, fmt.Sprintf("/projects/%d/repository/branches", projectID), q, nil, &out)
	return out, err
}

func (c *Client) CreateBranch(ctx context.Context, projectID int64, branch, ref string) (domain.Branch, error) {
	q := url.Values{}
	q.Set("branch", branch)
	q.Set("ref", ref)
	var out domain.Branch
	err := c.do(ctx, "create branch", http.MethodPost, fmt.Sprintf("/projects/%d/repository/branches", projectID), q, nil, &out)
	return out, err
}

func (c *Client) GetRawFile(ctx context.Context, projectID int64, path, ref string) ([]byte, error) {
	q := url.Values{}
	q.Set("ref", ref)
	var out []byte
	err := c.do(ctx, "get raw file", http.MethodGet,
		fmt.Sprintf("/projects/%d/repository/files/%s/raw", projectID, url.PathEscape(path)), q, nil, &out)
	return out, err
}

func (c *Client) CreateFile(ctx context.Context, projectID int64, path, branch, content, message string) error {
	body := map[string]string{
		"branch":         branch,
		"content":        content,
		"commit_message": message,
	}
	return c.do(ctx, "create file", http.MethodPost,
		fmt.Sprintf("/projects/%d/repository/files/%s", projectID, url.PathEscape(path)), nil, body, nil)
}

// ListPipelines returns the most recent pipelines and attaches each one's
// variables from the detail endpoint. A failed detail fetch leaves the
// pipeline without variables rather than dropping it.
func (c *Client) ListPipelines(ctx context.Context, projectID int64) ([]domain.Pipeline, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(pipelinesPerPage))
	var out []domain.Pipeline
	if err := c.do(ctx, "list pipelines", http.MethodGet, fmt.Sprintf("/projects/%d/pipelines", projectID), q, nil, &out); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range out {
		i := i
		g.Go(func() error {
			if detail, err := c.GetPipeline(gctx, projectID, out[i].ID); err == nil {
				out[i].Variables = detail.Variables
				if out[i].WebURL == "" {
					out[i].WebURL = detail.WebURL
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (c *Client) GetPipeline(ctx context.Context, projectID, pipelineID int64) (domain.Pipeline, error) {
	var out domain.Pipeline
	err := c.do(ctx, "get pipeline", http.MethodGet, fmt.Sprintf("/projects/%d/pipelines/%d", projectID, pipelineID), nil, nil, &out)
	return out, err
}

func (c *Client) TriggerPipeline(ctx context.Context, projectID int64, ref string, vars []domain.Variable) (domain.Pipeline, error) {
	body := map[string]any{"ref": ref}
	if len(vars) > 0 {
		body["variables"] = vars
	}
	var out domain.Pipeline
	err := c.do(ctx, "trigger pipeline", http.MethodPost, fmt.Sprintf("/projects/%d/pipeline", projectID), nil, body, &out)
	return out, err
}

func (c *Client) RetryPipeline(ctx context.Context, projectID, pipelineID int64) (domain.Pipeline, error) {
	var out domain.Pipeline
	err := c.do(ctx, "retry pipeline", http.MethodPost, fmt.Sprintf("/projects/%d/pipelines/%d/retry", projectID, pipelineID), nil, nil, &out)
	return out, err
}

func (c *Client) ListPipelineJobs(ctx context.Context, projectID, pipelineID int64) ([]domain.Job, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(jobsPerPage))
	var out []domain.Job
	err := c.do(ctx, "list pipeline jobs", http.MethodGet, fmt.Sprintf("/projects/%d/pipelines/%d/jobs", projectID, pipelineID), q, nil, &out)
	return out, err
}

func (c *Client) PlayJob(ctx context.Context, projectID, jobID int64) (domain.Job, error) {
	var out domain.Job
	err := c.do(ctx, "play job", http.MethodPost, fmt.Sprintf("/projects/%d/jobs/%d/play", projectID, jobID), nil, nil, &out)
	return out, err
}

func (c *Client) ListEnvironments(ctx context.Context, projectID int64) ([]domain.Environment, error) {
	var out []domain.Environment
	err := c.do(ctx, "list environments", http.MethodGet, fmt.Sprintf("/projects/%d/environments", projectID), nil, nil, &out)
	return out, err
}

func (c *Client) StopEnvironment(ctx context.Context, projectID, environmentID int64) (domain.Environment, error) {
	var out domain.Environment
	err := c.do(ctx, "stop environment", http.MethodPost, fmt.Sprintf("/projects/%d/environments/%d/stop", projectID, environmentID), nil, nil, &out)
	return out, err
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
