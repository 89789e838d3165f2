package dispatcher

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"pmagent/internal/approval"
	"pmagent/internal/event"
)

type draftPromptData struct {
	Type          string
	Label         string
	Source        string
	SourceID      string
	Requester     string
	RequesterName string
	Request       string
	Context       string
	Now           string
}

type revisionPromptData struct {
	Type            string
	Label           string
	OriginalContext string
	PreviousNumber  int
	PreviousDraft   string
	Feedback        string
}

type genericPromptData struct {
	Source    string
	SourceID  string
	Requester string
	Request   string
	Context   string
}

type draftPostData struct {
	Type     string
	Revision int
	Draft    string
}

const draftPromptTemplate = `You are the product manager agent. Write a {{.Type}} draft for the request below.

REQUEST DETAILS:
- Source: {{.Source}} ({{.SourceID}})
- Request type: {{.Type}}
- Requester: {{if .RequesterName}}{{.RequesterName}} ({{.Requester}}){{else}}{{.Requester}}{{end}}
- Received: {{.Now}}
- Original request: "{{.Request}}"
{{if .Context}}
CONVERSATION SO FAR:
{{.Context}}
{{end}}
WHAT TO WRITE:
{{if eq .Type "bug"}}- Summary, reproduction steps, expected vs actual behaviour, severity and acceptance criteria.
{{else if eq .Type "epic"}}- Business justification, scope, success criteria and timeline phases.
{{else}}- User story, business context, technical scope and acceptance criteria.
{{end}}
RESPONSE FORMAT:
Reply with the draft only, in Markdown. The first line must be a level-one heading
with the {{.Label}} title, e.g. "# Export fails for large reports". Do not add any
preamble or closing remarks.
`

const revisionPromptTemplate = `You are the product manager agent revising a {{.Type}} draft after reviewer feedback.

ORIGINAL REQUEST:
{{.OriginalContext}}

PREVIOUS DRAFT (revision {{.PreviousNumber}}):
{{.PreviousDraft}}

REVIEWER FEEDBACK:
"{{.Feedback}}"

Apply the feedback and keep everything else that still holds.

RESPONSE FORMAT:
Reply with the complete revised draft only, in Markdown, starting with a level-one
heading with the {{.Label}} title. Do not describe the changes; the draft becomes
the ticket body as written.
`

const genericPromptTemplate = `You are the product manager agent for this team. Answer the request below.

REQUEST DETAILS:
- Source: {{.Source}} ({{.SourceID}})
- From: {{.Requester}}
- Request: "{{.Request}}"
{{if .Context}}
CONVERSATION SO FAR:
{{.Context}}
{{end}}
Reply with the message to post, in Markdown. Keep it concise and actionable.
`

const draftPostTemplate = `{{if eq .Revision 1}}📋 I've analyzed your request and created a draft {{.Type}}.{{else}}📝 Updated draft based on your feedback (Revision {{.Revision}}){{end}}

---

{{.Draft}}

---

**Next Steps:**
- Reply 'approved' to create the ticket
- Reply 'changes: [your feedback]' to revise the draft
- Reply 'cancel' to discard it`

var (
	draftPrompt    = template.Must(template.New("draft-prompt").Parse(draftPromptTemplate))
	revisionPrompt = template.Must(template.New("revision-prompt").Parse(revisionPromptTemplate))
	genericPrompt  = template.Must(template.New("generic-prompt").Parse(genericPromptTemplate))
	draftPost      = template.Must(template.New("draft-post").Parse(draftPostTemplate))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func renderDraftPrompt(ev event.NormalizedEvent, typ approval.RequestType, now time.Time) (string, error) {
	return render(draftPrompt, draftPromptData{
		Type:          string(typ),
		Label:         typ.Label(),
		Source:        string(ev.Source),
		SourceID:      ev.SourceID,
		Requester:     ev.Author,
		RequesterName: ev.AuthorName,
		Request:       strings.TrimSpace(ev.Text),
		Context:       ev.Context.Render(),
		Now:           now.Format("2006-01-02 15:04:05"),
	})
}

func renderRevisionPrompt(r approval.Request, previous int, feedback string) (string, error) {
	return render(revisionPrompt, revisionPromptData{
		Type:            string(r.Type),
		Label:           r.Type.Label(),
		OriginalContext: r.OriginalContext,
		PreviousNumber:  previous,
		PreviousDraft:   r.Draft,
		Feedback:        feedback,
	})
}

func renderGenericPrompt(ev event.NormalizedEvent) (string, error) {
	from := ev.AuthorName
	if from == "" {
		from = ev.Author
	}
	return render(genericPrompt, genericPromptData{
		Source:    string(ev.Source),
		SourceID:  ev.SourceID,
		Requester: from,
		Request:   strings.TrimSpace(ev.Text),
		Context:   ev.Context.Render(),
	})
}

// renderDraftPost wraps a draft with the review header and the reply instructions.
func renderDraftPost(typ approval.RequestType, revision int, draft string) (string, error) {
	return render(draftPost, draftPostData{
		Type:     string(typ),
		Revision: revision,
		Draft:    strings.TrimSpace(draft),
	})
}
