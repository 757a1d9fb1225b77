package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskping/taskping/pkg/logger"

	"github.com/go-resty/resty/v2"
)

// Task is the tracker item a reminder is opened for.
type Task struct {
	ID           string
	Name         string
	Status       string
	StatusType   string
	AssigneeID   string
	AssigneeName string
	DueAt        *time.Time
	Description  string
	URL          string
}

// Closed reports whether the task was settled directly in the tracker.
func (t *Task) Closed() bool {
	return t.StatusType == "closed" || t.StatusType == "done"
}

// Config for the tracker REST client.
type Config struct {
	BaseURL  string
	APIKey   string
	TeamID   string
	ListName string
	Timeout  time.Duration
}

// Client talks to the external task tracker. UpdateStatus is idempotent on
// identical (task, status) pairs: it reads before writing and skips when the
// status already matches.
type Client struct {
	http *resty.Client
	cfg  Config

	mu     sync.Mutex
	listID string
}

func NewClient(cfg Config) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Authorization", cfg.APIKey)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Client{http: client, cfg: cfg}
}

// -----------------------------------------------------------------------------
// Wire payloads
// -----------------------------------------------------------------------------

type rawStatus struct {
	Status string `json:"status"`
	Type   string `json:"type"`
}

type rawAssignee struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type rawTask struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Status      rawStatus     `json:"status"`
	Assignees   []rawAssignee `json:"assignees"`
	DueDate     string        `json:"due_date"`
	Description string        `json:"description"`
	URL         string        `json:"url"`
}

type rawList struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r *rawTask) toTask() *Task {
	t := &Task{
		ID:          r.ID,
		Name:        r.Name,
		Status:      r.Status.Status,
		StatusType:  r.Status.Type,
		Description: r.Description,
		URL:         r.URL,
	}
	if len(r.Assignees) > 0 {
		t.AssigneeID = strconv.FormatInt(r.Assignees[0].ID, 10)
		t.AssigneeName = r.Assignees[0].Username
	}
	if r.DueDate != "" {
		if ms, err := strconv.ParseInt(r.DueDate, 10, 64); err == nil {
			due := time.UnixMilli(ms)
			t.DueAt = &due
		}
	}
	return t
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// resolveListID finds the reminder list by name once and caches the id.
func (c *Client) resolveListID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listID != "" {
		return c.listID, nil
	}
	var out struct {
		Lists []rawList `json:"lists"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/v2/team/%s/list", c.cfg.TeamID))
	if err != nil {
		return "", fmt.Errorf("listing tracker lists: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("listing tracker lists: status=%d", resp.StatusCode())
	}
	for _, l := range out.Lists {
		if strings.EqualFold(l.Name, c.cfg.ListName) {
			c.listID = l.ID
			return c.listID, nil
		}
	}
	return "", fmt.Errorf("tracker list %q not found", c.cfg.ListName)
}

// ListEligibleTasks returns open tasks from the reminder list that are due at
// or before now and carry an assignee.
func (c *Client) ListEligibleTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	listID, err := c.resolveListID(ctx)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tasks []rawTask `json:"tasks"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/v2/list/%s/task", listID))
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("listing tasks: status=%d", resp.StatusCode())
	}
	log := logger.FromContext(ctx)
	eligible := make([]*Task, 0, len(out.Tasks))
	for i := range out.Tasks {
		task := out.Tasks[i].toTask()
		if task.Closed() {
			continue
		}
		if task.DueAt == nil || task.DueAt.After(now) {
			continue
		}
		if task.AssigneeID == "" {
			log.Debug("skipping unassigned task", "task_id", task.ID)
			continue
		}
		eligible = append(eligible, task)
	}
	return eligible, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var out rawTask
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/v2/task/%s", taskID))
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", taskID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching task %s: status=%d", taskID, resp.StatusCode())
	}
	return out.toTask(), nil
}

// UpdateStatus sets the task status and leaves an audit comment. The write is
// set-if-different: re-applying an identical status is a logged no-op, so a
// defensive re-resolve never produces a second visible update.
func (c *Client) UpdateStatus(ctx context.Context, taskID, status, comment string) error {
	current, err := c.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if strings.EqualFold(current.Status, status) {
		logger.FromContext(ctx).Debug("tracker status already set", "task_id", taskID, "status", status)
		return nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"status": status}).
		Put(fmt.Sprintf("/api/v2/task/%s", taskID))
	if err != nil {
		return fmt.Errorf("updating task %s status: %w", taskID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("updating task %s status: status=%d", taskID, resp.StatusCode())
	}
	if comment == "" {
		return nil
	}
	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"comment_text": comment}).
		Post(fmt.Sprintf("/api/v2/task/%s/comment", taskID))
	if err != nil {
		return fmt.Errorf("commenting on task %s: %w", taskID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("commenting on task %s: status=%d", taskID, resp.StatusCode())
	}
	return nil
}
