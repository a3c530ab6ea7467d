package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/conveyor-ci/conveyor/internal/scheduler"
)

// PollClient resolves cross-pipeline needs against peer engine instances
// over the HTTP poll contract. It implements scheduler.ExternalPoller.
type PollClient struct {
	endpoints map[string]string // project name -> base URL
	client    *http.Client
}

// NewPollClient creates a PollClient with a project-to-base-URL registry.
func NewPollClient(endpoints map[string]string) *PollClient {
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &PollClient{
		endpoints: eps,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Poll asks the peer serving project for the state of job on ref. An
// unregistered project or transport failure is an error; the scheduler keeps
// polling until its timeout.
func (c *PollClient) Poll(ctx context.Context, project, ref, job string) (*scheduler.ExternalStatus, error) {
	base, ok := c.endpoints[project]
	if !ok {
		return nil, fmt.Errorf("no endpoint registered for project %q", project)
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint for project %q: %w", project, err)
	}
	u = u.JoinPath("api", "poll")
	q := u.Query()
	q.Set("project", project)
	q.Set("ref", ref)
	q.Set("job", job)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s/%s on %s: %w", project, job, ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll %s/%s on %s: status %d", project, job, ref, resp.StatusCode)
	}

	var pr PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &scheduler.ExternalStatus{
		Succeeded:        pr.Succeeded,
		ArtifactsPresent: pr.ArtifactsPresent,
		SHA:              pr.SHA,
		Files:            pr.Files,
	}, nil
}
