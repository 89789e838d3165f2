// Package review is the Bitbucket Cloud connector client: pull request comments in,
// replies out, and the open pull request listing the SLA monitor audits.
package review

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"pmagent/internal/connector"
	"pmagent/internal/event"
	"pmagent/internal/httpapi"
	"pmagent/pkg/logx"
)

// StreamPrefix prefixes the per-repository stream ids ("review:acme/api").
const StreamPrefix = "review:"

const (
	platform     = "bitbucket"
	pageLen      = 50
	maxPages     = 20
	contextDepth = 8
	bbTimeLayout = "2006-01-02T15:04:05.999999-07:00"
)

type Config struct {
	BaseURL     string
	Workspace   string
	Username    string
	AppPassword string
	// AccountID identifies the agent's own comments and "@{account}" mentions.
	AccountID  string
	Repos      []string
	RatePerSec float64
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
	api *httpapi.Client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	switch {
	case strings.TrimSpace(cfg.Workspace) == "":
		return nil, errors.New("bitbucket: workspace is required")
	case strings.TrimSpace(cfg.Username) == "" || strings.TrimSpace(cfg.AppPassword) == "":
		return nil, errors.New("bitbucket: username and app password are required")
	case len(cfg.Repos) == 0:
		return nil, errors.New("bitbucket: at least one repository is required")
	}
	api, err := httpapi.New(httpapi.Config{
		Name:       platform,
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		RatePerSec: cfg.RatePerSec,
		Auth:       httpapi.BasicAuth(cfg.Username, cfg.AppPassword),
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, api: api, log: log.With(logx.String("comp", "review.bitbucket"))}, nil
}

func (c *Client) Source() event.Source { return event.SourceReview }

func (c *Client) Streams() []string {
	out := make([]string, 0, len(c.cfg.Repos))
	for _, r := range c.cfg.Repos {
		out = append(out, StreamPrefix+c.cfg.Workspace+"/"+r)
	}
	return out
}

type page[T any] struct {
	Values []T    `json:"values"`
	Next   string `json:"next"`
}

type account struct {
	DisplayName string `json:"display_name"`
	AccountID   string `json:"account_id"`
	Nickname    string `json:"nickname"`
}

type link struct {
	Href string `json:"href"`
}

type pullRequest struct {
	ID          int      `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	Author      *account `json:"author"`
	CreatedOn   string   `json:"created_on"`
	UpdatedOn   string   `json:"updated_on"`
	Links       struct {
		HTML link `json:"html"`
	} `json:"links"`
}

type prComment struct {
	ID      int      `json:"id"`
	User    *account `json:"user"`
	Deleted bool     `json:"deleted"`
	Content struct {
		Raw string `json:"raw"`
	} `json:"content"`
	CreatedOn string `json:"created_on"`
	Parent    *struct {
		ID int `json:"id"`
	} `json:"parent"`
}

// list follows "next" links until exhausted or maxPages is reached.
func list[T any](ctx context.Context, c *Client, path string, q url.Values) ([]T, error) {
	var out []T
	next := path
	for i := 0; i < maxPages && next != ""; i++ {
		var p page[T]
		if err := c.api.Do(ctx, http.MethodGet, next, q, nil, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Values...)
		next, q = p.Next, nil
	}
	if next != "" {
		c.log.Warn("listing truncated", logx.String("path", path), logx.Int("pages", maxPages))
	}
	return out, nil
}

func (c *Client) repoPath(repo string) string {
	return "/repositories/" + url.PathEscape(c.cfg.Workspace) + "/" + url.PathEscape(repo)
}

// FetchSince returns comments created after since on open pull requests of the stream's repository.
func (c *Client) FetchSince(ctx context.Context, stream string, since time.Time) ([]connector.Item, error) {
	repo, err := c.repoOf(stream)
	if err != nil {
		return nil, err
	}
	prs, err := list[pullRequest](ctx, c, c.repoPath(repo)+"/pullrequests", url.Values{
		"state":   {"OPEN"},
		"q":       {fmt.Sprintf(`updated_on > %s`, since.UTC().Format(time.RFC3339))},
		"sort":    {"-updated_on"},
		"pagelen": {strconv.Itoa(pageLen)},
	})
	if err != nil {
		return nil, err
	}

	var items []connector.Item
	for _, pr := range prs {
		its, err := c.prItems(ctx, repo, pr, since)
		if err != nil {
			return nil, err
		}
		items = append(items, its...)
	}
	return items, nil
}

func (c *Client) repoOf(stream string) (string, error) {
	rest, ok := strings.CutPrefix(stream, StreamPrefix)
	if !ok {
		return "", fmt.Errorf("bitbucket: unknown stream %q", stream)
	}
	ws, repo, ok := strings.Cut(rest, "/")
	if !ok || ws != c.cfg.Workspace || repo == "" {
		return "", fmt.Errorf("bitbucket: unknown stream %q", stream)
	}
	return repo, nil
}

func (c *Client) prItems(ctx context.Context, repo string, pr pullRequest, since time.Time) ([]connector.Item, error) {
	path := fmt.Sprintf("%s/pullrequests/%d/comments", c.repoPath(repo), pr.ID)
	comments, err := list[prComment](ctx, c, path, url.Values{"pagelen": {"100"}})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(comments, func(i, j int) bool { return comments[i].ID < comments[j].ID })

	sourceID := SourceID(repo, pr.ID)
	var (
		items   []connector.Item
		history []event.ContextMessage
	)
	if d := strings.TrimSpace(pr.Description); d != "" {
		history = append(history, event.ContextMessage{Author: "description", Text: d})
	}
	for _, cm := range comments {
		if cm.Deleted {
			continue
		}
		at, err := parseTime(cm.CreatedOn)
		if err != nil {
			c.log.Warn("unparseable comment time", logx.String("pr", sourceID), logx.String("created_on", cm.CreatedOn))
			continue
		}
		var who account
		if cm.User != nil {
			who = *cm.User
		}
		text := strings.TrimSpace(cm.Content.Raw)

		if at.After(since) {
			items = append(items, connector.Item{
				Key:        fmt.Sprintf("%s:%d", sourceID, cm.ID),
				SourceID:   sourceID,
				Kind:       event.KindReviewComment,
				Author:     who.AccountID,
				AuthorName: who.DisplayName,
				Text:       text,
				At:         at,
				FromSelf:   c.cfg.AccountID != "" && who.AccountID == c.cfg.AccountID,
				Mentioned:  c.mentioned(text),
				Context: &event.ThreadContext{
					Title:    fmt.Sprintf("%s: %s", sourceID, pr.Title),
					Messages: append([]event.ContextMessage(nil), history...),
				},
				Review: &event.ReviewPayload{
					Repo:      repo,
					PRID:      pr.ID,
					CommentID: cm.ID,
					Title:     pr.Title,
					URL:       pr.Links.HTML.Href,
				},
			})
		}

		history = append(history, event.ContextMessage{Author: who.DisplayName, Text: text, At: at})
		if len(history) > contextDepth {
			history = history[len(history)-contextDepth:]
		}
	}
	return items, nil
}

func (c *Client) mentioned(raw string) bool {
	lower := strings.ToLower(raw)
	if c.cfg.AccountID != "" && strings.Contains(lower, "@{"+strings.ToLower(c.cfg.AccountID)+"}") {
		return true
	}
	if u := strings.TrimSpace(c.cfg.Username); u != "" {
		return strings.Contains(lower, "@"+strings.ToLower(u))
	}
	return false
}

// Post comments on the pull request in to.SourceID, threaded under to.ReplyTo when set.
func (c *Client) Post(ctx context.Context, to event.Target, text string) (string, error) {
	repo, prID, err := ParseSourceID(to.SourceID)
	if err != nil {
		return "", err
	}
	body := map[string]any{"content": map[string]string{"raw": text}}
	if to.ReplyTo != "" {
		parent, err := strconv.Atoi(to.ReplyTo)
		if err != nil {
			return "", fmt.Errorf("bitbucket: invalid parent comment %q", to.ReplyTo)
		}
		body["parent"] = map[string]int{"id": parent}
	}
	var out struct {
		ID int `json:"id"`
	}
	path := fmt.Sprintf("%s/pullrequests/%d/comments", c.repoPath(repo), prID)
	if err := c.api.Do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return "", err
	}
	return strconv.Itoa(out.ID), nil
}

// PullRequest is an open pull request as seen by the SLA monitor.
type PullRequest struct {
	Repo      string
	ID        int
	Title     string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
	URL       string
}

// ItemID is the identifier escalation records use for the pull request.
func (p PullRequest) ItemID() string { return SourceID(p.Repo, p.ID) }

// OpenPullRequests lists open pull requests across every configured repository.
// A failing repository aborts the listing: a partial view would clear live alerts.
func (c *Client) OpenPullRequests(ctx context.Context) ([]PullRequest, error) {
	var out []PullRequest
	for _, repo := range c.cfg.Repos {
		prs, err := list[pullRequest](ctx, c, c.repoPath(repo)+"/pullrequests", url.Values{
			"state":   {"OPEN"},
			"pagelen": {strconv.Itoa(pageLen)},
		})
		if err != nil {
			return nil, fmt.Errorf("bitbucket: list %s: %w", repo, err)
		}
		for _, pr := range prs {
			p := PullRequest{Repo: repo, ID: pr.ID, Title: pr.Title, URL: pr.Links.HTML.Href}
			if pr.Author != nil {
				p.Author = pr.Author.DisplayName
			}
			var err error
			if p.CreatedAt, err = parseTime(pr.CreatedOn); err != nil {
				return nil, fmt.Errorf("bitbucket: %s: created_on: %w", p.ItemID(), err)
			}
			if p.UpdatedAt, err = parseTime(pr.UpdatedOn); err != nil {
				p.UpdatedAt = p.CreatedAt
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// SourceID renders "<repo>#<pr>".
func SourceID(repo string, prID int) string {
	return repo + "#" + strconv.Itoa(prID)
}

func ParseSourceID(s string) (repo string, prID int, err error) {
	repo, num, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok || repo == "" {
		return "", 0, fmt.Errorf("bitbucket: invalid source id %q", s)
	}
	prID, err = strconv.Atoi(num)
	if err != nil || prID <= 0 {
		return "", 0, fmt.Errorf("bitbucket: invalid pull request in source id %q", s)
	}
	return repo, prID, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(bbTimeLayout, s)
}
