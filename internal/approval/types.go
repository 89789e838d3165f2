package approval

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"pmagent/internal/event"
)

var (
	ErrNotFound          = errors.New("approval: request not found")
	ErrInvalidTransition = errors.New("approval: invalid transition")
)

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusPending          Status = "pending"
	StatusApproved         Status = "approved"
	StatusChangesRequested Status = "changes_requested"
	StatusCancelled        Status = "cancelled"
	StatusCreated          Status = "created"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusChangesRequested, StatusApproved, StatusCreated, StatusCancelled}

func (s Status) Terminal() bool { return s == StatusCancelled || s == StatusCreated }

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusChangesRequested, StatusCancelled, StatusCreated:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusApproved:         {},
		StatusChangesRequested: {},
		StatusCancelled:        {},
	},
	StatusChangesRequested: {
		StatusPending: {}, // New revision stored.
	},
	StatusApproved: {
		StatusCreated: {},
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TransitionError reports a rejected state change. It matches ErrInvalidTransition.
type TransitionError struct {
	RequestID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("approval: request %s cannot move from %s to %s", e.RequestID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// RequestType is the kind of ticket a draft becomes.
type RequestType string

const (
	TypeStory RequestType = "story"
	TypeBug   RequestType = "bug"
	TypeEpic  RequestType = "epic"
)

func ParseRequestType(s string) (RequestType, error) {
	switch rt := RequestType(strings.ToLower(strings.TrimSpace(s))); rt {
	case TypeStory, TypeBug, TypeEpic:
		return rt, nil
	default:
		return "", fmt.Errorf("unknown request type %q", s)
	}
}

// Label is the capitalized form used in titles and tracker issue types.
func (t RequestType) Label() string {
	if t == "" {
		return ""
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

// Request is a draft artifact awaiting human approval.
type Request struct {
	ID              string
	Source          event.Source
	SourceID        string
	Type            RequestType
	Requester       string
	RequesterName   string
	OriginalContext string
	Draft           string // always equal to the latest revision
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ApprovedAt      *time.Time
	TicketCreatedAt *time.Time
	TicketRef       string
	FailureReason   string
}

var headingRe = regexp.MustCompile(`(?m)^#[ \t]+(.+?)[ \t]*$`)

// Title is the first level-one heading of the draft, or "<Type>: Untitled".
func (r Request) Title() string {
	if m := headingRe.FindStringSubmatch(r.Draft); m != nil {
		return m[1]
	}
	return r.Type.Label() + ": Untitled"
}

// Revision is an immutable snapshot of a draft.
type Revision struct {
	RequestID string
	Number    int
	Draft     string
	Feedback  string
	CreatedAt time.Time
}

// NewRequest carries the fields supplied when a draft is first stored.
type NewRequest struct {
	Source          event.Source
	SourceID        string
	Type            RequestType
	Requester       string
	RequesterName   string
	OriginalContext string
	Draft           string
}

func (n NewRequest) validate() error {
	switch {
	case !n.Source.Valid():
		return fmt.Errorf("approval: invalid source %q", n.Source)
	case strings.TrimSpace(n.SourceID) == "":
		return errors.New("approval: source id is required")
	case strings.TrimSpace(n.Requester) == "":
		return errors.New("approval: requester is required")
	case strings.TrimSpace(n.Draft) == "":
		return errors.New("approval: draft is required")
	}
	if _, err := ParseRequestType(string(n.Type)); err != nil {
		return fmt.Errorf("approval: %w", err)
	}
	return nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status        Status
	Requester     string
	UpdatedBefore time.Time
	Limit         int
}

// Stats summarizes the store for reporting.
type Stats struct {
	Total     int
	ByStatus  map[Status]int
	Revisions int
}
