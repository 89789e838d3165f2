package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pmagent/pkg/logx"
)

// Issue is an open issue as the SLA check sees it.
type Issue struct {
	Key          string
	Summary      string
	Status       string
	URL          string
	AssigneeID   string
	AssigneeName string
	// StatusSince is when the issue entered its current status; the last update
	// when the changelog does not say.
	StatusSince time.Time
	LastComment *CommentRef
}

// CommentRef is the author and time of a comment.
type CommentRef struct {
	AuthorID   string
	AuthorName string
	At         time.Time
}

type changelog struct {
	Histories []history `json:"histories"`
}

type history struct {
	Created string        `json:"created"`
	Items   []historyItem `json:"items"`
}

type historyItem struct {
	Field    string `json:"field"`
	ToString string `json:"toString"`
}

// OpenIssues lists the unresolved issues of every configured project.
func (c *Client) OpenIssues(ctx context.Context) ([]Issue, error) {
	quoted := make([]string, 0, len(c.cfg.Projects))
	for _, p := range c.cfg.Projects {
		quoted = append(quoted, `"`+p+`"`)
	}
	req := searchRequest{
		JQL:        fmt.Sprintf(`project in (%s) AND statusCategory != Done ORDER BY updated ASC`, strings.Join(quoted, ", ")),
		Fields:     []string{"summary", "status", "assignee", "updated", "comment"},
		Expand:     "changelog",
		MaxResults: searchPageSize,
	}

	var out []Issue
	for page := 0; page < maxSearchPages; page++ {
		var resp searchResponse
		if err := c.api.Do(ctx, http.MethodPost, "/rest/api/3/search/jql", nil, req, &resp); err != nil {
			return nil, err
		}
		for _, is := range resp.Issues {
			it, err := c.openIssue(ctx, is)
			if err != nil {
				return nil, err
			}
			out = append(out, it)
		}
		if resp.IsLast || resp.NextPageToken == "" {
			return out, nil
		}
		req.NextPageToken = resp.NextPageToken
	}
	c.log.Warn("open issue search truncated", logx.Int("pages", maxSearchPages), logx.Int("issues", len(out)))
	return out, nil
}

func (c *Client) openIssue(ctx context.Context, is issue) (Issue, error) {
	out := Issue{Key: is.Key, Summary: is.Fields.Summary, URL: c.IssueURL(is.Key)}
	if is.Fields.Status != nil {
		out.Status = is.Fields.Status.Name
	}
	if a := is.Fields.Assignee; a != nil {
		out.AssigneeID, out.AssigneeName = a.AccountID, a.DisplayName
	}
	out.StatusSince = statusSince(is, out.Status)

	comments, err := c.comments(ctx, is)
	if err != nil {
		return out, err
	}
	for i := len(comments) - 1; i >= 0; i-- {
		at, err := time.Parse(jiraTimeLayout, comments[i].Created)
		if err != nil {
			continue
		}
		ref := &CommentRef{At: at}
		if a := comments[i].Author; a != nil {
			ref.AuthorID, ref.AuthorName = a.AccountID, a.DisplayName
		}
		out.LastComment = ref
		break
	}
	return out, nil
}

// statusSince finds the latest transition into status.
func statusSince(is issue, status string) time.Time {
	var since time.Time
	if is.Changelog != nil {
		for _, h := range is.Changelog.Histories {
			at, err := time.Parse(jiraTimeLayout, h.Created)
			if err != nil {
				continue
			}
			for _, it := range h.Items {
				if it.Field == "status" && strings.EqualFold(it.ToString, status) && at.After(since) {
					since = at
				}
			}
		}
	}
	if since.IsZero() {
		since, _ = time.Parse(jiraTimeLayout, is.Fields.Updated)
	}
	return since
}
