package dispatcher

import (
	"regexp"
	"strings"
)

// ResponseKind classifies a reply to a pending draft.
type ResponseKind string

const (
	ResponseNone     ResponseKind = "none"
	ResponseApproved ResponseKind = "approved"
	ResponseChanges  ResponseKind = "changes_requested"
	ResponseCancel   ResponseKind = "cancelled"
)

type Response struct {
	Kind ResponseKind
	// Feedback is the trimmed text after the changes keyword. Empty for other kinds.
	Feedback string
}

var (
	// Leading @handles are dropped so "@pmbot changes: ..." still starts with the keyword.
	leadingMentionsRe = regexp.MustCompile(`^\s*(?:@\S+[\s,:]*)+`)

	changesRe = regexp.MustCompile(`(?is)^\s*(?:changes?|revise|revision|update|modify)\s*:\s*(.+)$`)
	pleaseRe  = regexp.MustCompile(`(?is)^\s*please\s+change\s+(.+)$`)

	approveRe = regexp.MustCompile(`(?i)\bapproved?\b|\blooks\s+good\b|\bgo\s+ahead\b|✅|✔`)
	// negatedApproveRe covers "not approved", "don't approve", "un-approved", "never go ahead", ...
	// "disapprove" needs no entry: approveRe requires a word boundary before "approve".
	negatedApproveRe = regexp.MustCompile(`(?i)\b(?:not|no|never|un|don['’]?t|doesn['’]?t|isn['’]?t|wasn['’]?t|won['’]?t|can['’]?t|cannot)(?:\s+|-)(?:yet\s+|be\s+|been\s+)?(?:approved?|looks?\s+good|go\s+ahead)\b`)

	cancelRe = regexp.MustCompile(`(?i)\bcancel(?:led)?\b|\bdiscard\b|\bnever\s*mind\b|\bdon['’]?t\s+create\b|❌|✖`)
)

// ParseResponse classifies text as a reply to a pending draft.
//
// A leading changes keyword wins, since its feedback may contain any other phrase.
// Approval is checked next, then cancellation. Negated approvals classify as none
// unless the text also cancels.
func ParseResponse(text string) Response {
	body := leadingMentionsRe.ReplaceAllString(text, "")

	for _, re := range []*regexp.Regexp{changesRe, pleaseRe} {
		if m := re.FindStringSubmatch(body); m != nil {
			if fb := strings.TrimSpace(m[1]); fb != "" {
				return Response{Kind: ResponseChanges, Feedback: fb}
			}
		}
	}

	if approveRe.MatchString(negatedApproveRe.ReplaceAllString(body, " ")) {
		return Response{Kind: ResponseApproved}
	}
	if cancelRe.MatchString(body) {
		return Response{Kind: ResponseCancel}
	}
	return Response{Kind: ResponseNone}
}
