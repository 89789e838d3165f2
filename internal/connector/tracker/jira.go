// Package tracker is the Jira Cloud connector client: issue comments in, ADF comments
// out, and ticket creation for approved drafts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"pmagent/internal/approval"
	"pmagent/internal/connector"
	"pmagent/internal/event"
	"pmagent/internal/httpapi"
	"pmagent/pkg/logx"
)

// StreamPrefix prefixes the per-project stream ids ("tracker:PM").
const StreamPrefix = "tracker:"

const (
	platform        = "jira"
	searchPageSize  = 50
	maxSearchPages  = 20
	commentPageSize = 100
	maxComments     = 1000
	contextDepth    = 8
	maxSummaryLen   = 255
	jqlTimeLayout   = "2006-01-02 15:04"
	jiraTimeLayout  = "2006-01-02T15:04:05.000-0700"
)

var issueKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-[0-9]+$`)

type Config struct {
	BaseURL  string
	Email    string
	APIToken string
	// AccountID identifies the agent's own comments and ADF mentions of it.
	AccountID   string
	DisplayName string
	Projects    []string
	// TicketProject receives created tickets; defaults to the first of Projects.
	TicketProject string
	RatePerSec    float64
	Timeout       time.Duration
	// Location is the zone JQL date literals are read in (the API user's profile zone).
	Location   *time.Location
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
	api *httpapi.Client
	log logx.Logger
	loc *time.Location
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Email) == "" || strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("jira: email and api token are required")
	}
	if len(cfg.Projects) == 0 {
		return nil, errors.New("jira: at least one project is required")
	}
	api, err := httpapi.New(httpapi.Config{
		Name:       platform,
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		RatePerSec: cfg.RatePerSec,
		Auth:       httpapi.BasicAuth(cfg.Email, cfg.APIToken),
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, api: api, log: log.With(logx.String("comp", "tracker.jira")), loc: loc}, nil
}

func (c *Client) Source() event.Source { return event.SourceTracker }

func (c *Client) Streams() []string {
	out := make([]string, 0, len(c.cfg.Projects))
	for _, p := range c.cfg.Projects {
		out = append(out, StreamPrefix+p)
	}
	return out
}

type searchRequest struct {
	JQL           string   `json:"jql"`
	Fields        []string `json:"fields"`
	Expand        string   `json:"expand,omitempty"`
	MaxResults    int      `json:"maxResults"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

type searchResponse struct {
	Issues        []issue `json:"issues"`
	NextPageToken string  `json:"nextPageToken"`
	IsLast        bool    `json:"isLast"`
}

type issue struct {
	ID        string      `json:"id"`
	Key       string      `json:"key"`
	Fields    issueFields `json:"fields"`
	Changelog *changelog  `json:"changelog"`
}

type named struct {
	Name string `json:"name"`
}

type issueFields struct {
	Summary     string       `json:"summary"`
	Status      *named       `json:"status"`
	IssueType   *named       `json:"issuetype"`
	Description *Node        `json:"description"`
	Comment     *commentPage `json:"comment"`
	Assignee    *user        `json:"assignee"`
	Updated     string       `json:"updated"`
}

type commentPage struct {
	Comments   []comment `json:"comments"`
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
}

type comment struct {
	ID      string `json:"id"`
	Author  *user  `json:"author"`
	Body    *Node  `json:"body"`
	Created string `json:"created"`
}

type user struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// FetchSince returns the comments created after since on issues of the stream's project.
func (c *Client) FetchSince(ctx context.Context, stream string, since time.Time) ([]connector.Item, error) {
	project, ok := strings.CutPrefix(stream, StreamPrefix)
	if !ok || project == "" {
		return nil, fmt.Errorf("jira: unknown stream %q", stream)
	}

	// JQL has minute precision; widen the window so nothing at the boundary is lost.
	jql := fmt.Sprintf(`project = "%s" AND updated >= "%s" ORDER BY updated ASC`,
		project, since.Add(-time.Minute).In(c.loc).Format(jqlTimeLayout))
	req := searchRequest{
		JQL:        jql,
		Fields:     []string{"summary", "status", "description", "comment", "issuetype"},
		MaxResults: searchPageSize,
	}

	var items []connector.Item
	for page := 0; page < maxSearchPages; page++ {
		var resp searchResponse
		if err := c.api.Do(ctx, http.MethodPost, "/rest/api/3/search/jql", nil, req, &resp); err != nil {
			return nil, err
		}
		for _, is := range resp.Issues {
			its, err := c.issueItems(ctx, is, since)
			if err != nil {
				return nil, err
			}
			items = append(items, its...)
		}
		if resp.IsLast || resp.NextPageToken == "" {
			return items, nil
		}
		req.NextPageToken = resp.NextPageToken
	}
	c.log.Warn("search truncated", logx.String("project", project), logx.Int("pages", maxSearchPages))
	return items, nil
}

func (c *Client) issueItems(ctx context.Context, is issue, since time.Time) ([]connector.Item, error) {
	comments, err := c.comments(ctx, is)
	if err != nil {
		return nil, err
	}

	payload := &event.TrackerPayload{IssueKey: is.Key, Summary: is.Fields.Summary, URL: c.IssueURL(is.Key)}
	if is.Fields.Status != nil {
		payload.Status = is.Fields.Status.Name
	}

	var (
		items   []connector.Item
		history []event.ContextMessage
	)
	if desc := PlainText(is.Fields.Description); desc != "" {
		history = append(history, event.ContextMessage{Author: "description", Text: desc})
	}
	for _, cm := range comments {
		at, err := time.Parse(jiraTimeLayout, cm.Created)
		if err != nil {
			c.log.Warn("unparseable comment time", logx.String("issue", is.Key), logx.String("created", cm.Created))
			continue
		}
		text := PlainText(cm.Body)
		var author user
		if cm.Author != nil {
			author = *cm.Author
		}

		if at.After(since) {
			p := *payload
			p.CommentID = cm.ID
			items = append(items, connector.Item{
				Key:        is.Key + ":" + cm.ID,
				SourceID:   is.Key,
				Kind:       event.KindIssueComment,
				Author:     author.AccountID,
				AuthorName: author.DisplayName,
				Text:       text,
				At:         at,
				FromSelf:   c.cfg.AccountID != "" && author.AccountID == c.cfg.AccountID,
				Mentioned:  c.mentioned(cm.Body, text),
				Context:    snapshot(is, history),
				Tracker:    &p,
			})
		}

		history = append(history, event.ContextMessage{Author: author.DisplayName, Text: text, At: at})
		if len(history) > contextDepth {
			history = history[len(history)-contextDepth:]
		}
	}
	return items, nil
}

func snapshot(is issue, history []event.ContextMessage) *event.ThreadContext {
	return &event.ThreadContext{
		Title:    is.Key + ": " + is.Fields.Summary,
		Messages: append([]event.ContextMessage(nil), history...),
	}
}

// comments returns every comment of the issue in creation order. The search embeds
// only the first page; the rest is fetched from the comment endpoint.
func (c *Client) comments(ctx context.Context, is issue) ([]comment, error) {
	page := is.Fields.Comment
	if page == nil {
		return nil, nil
	}
	all := page.Comments
	for startAt := len(all); startAt < page.Total && startAt < maxComments; {
		var next commentPage
		q := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(commentPageSize)},
			"orderBy":    {"created"},
		}
		if err := c.api.Do(ctx, http.MethodGet, "/rest/api/3/issue/"+is.Key+"/comment", q, nil, &next); err != nil {
			return nil, err
		}
		if len(next.Comments) == 0 {
			break
		}
		all = append(all, next.Comments...)
		startAt += len(next.Comments)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Created < all[j].Created })
	return all, nil
}

func (c *Client) mentioned(body *Node, text string) bool {
	if c.cfg.AccountID != "" {
		for _, id := range Mentions(body) {
			if id == c.cfg.AccountID {
				return true
			}
		}
	}
	if name := strings.TrimSpace(c.cfg.DisplayName); name != "" {
		return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(name))
	}
	return false
}

type createdRef struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// Post adds an ADF comment to the issue in to.SourceID and returns the comment id.
func (c *Client) Post(ctx context.Context, to event.Target, text string) (string, error) {
	key := strings.TrimSpace(to.SourceID)
	if !issueKeyRe.MatchString(key) {
		return "", fmt.Errorf("jira: invalid issue key %q", to.SourceID)
	}
	body := map[string]any{"body": newADFDoc(text)}
	var out createdRef
	if err := c.api.Do(ctx, http.MethodPost, "/rest/api/3/issue/"+key+"/comment", nil, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Ticket is an issue to create.
type Ticket struct {
	Project     string
	IssueType   string
	Summary     string
	Description string
}

// CreateIssue creates an issue and returns its key.
func (c *Client) CreateIssue(ctx context.Context, t Ticket) (string, error) {
	if strings.TrimSpace(t.Project) == "" || strings.TrimSpace(t.IssueType) == "" {
		return "", errors.New("jira: project and issue type are required")
	}
	summary := strings.TrimSpace(t.Summary)
	if r := []rune(summary); len(r) > maxSummaryLen {
		summary = string(r[:maxSummaryLen])
	}
	body := map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": t.Project},
			"issuetype":   map[string]string{"name": t.IssueType},
			"summary":     summary,
			"description": newADFDoc(t.Description),
		},
	}
	var out createdRef
	if err := c.api.Do(ctx, http.MethodPost, "/rest/api/3/issue", nil, body, &out); err != nil {
		return "", err
	}
	if out.Key == "" {
		return "", errors.New("jira: create issue returned no key")
	}
	return out.Key, nil
}

// CreateTicket turns an approved draft into an issue of the matching type in the
// ticket project. The draft's title heading becomes the summary.
func (c *Client) CreateTicket(ctx context.Context, r approval.Request) (string, error) {
	project := c.cfg.TicketProject
	if project == "" {
		project = c.cfg.Projects[0]
	}
	return c.CreateIssue(ctx, Ticket{
		Project:     project,
		IssueType:   r.Type.Label(),
		Summary:     r.Title(),
		Description: stripTitle(r.Draft),
	})
}

// IssueURL is the browser link of an issue.
func (c *Client) IssueURL(key string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/browse/" + key
}

var titleLineRe = regexp.MustCompile(`\A\s*#[ \t]+.*\n?`)

func stripTitle(draft string) string {
	return strings.TrimSpace(titleLineRe.ReplaceAllString(draft, ""))
}
