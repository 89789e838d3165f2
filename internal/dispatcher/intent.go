package dispatcher

import (
	"strings"

	"pmagent/internal/approval"
)

const DefaultIntentThreshold = 0.5

const (
	imperativeConfidence = 0.8
	keywordConfidence    = 0.6
)

// Intent is the outcome of scanning a message for a draft request.
type Intent struct {
	Type       approval.RequestType
	Confidence float64
	Phrases    []string
}

// Ordered so that, on equal confidence, the more specific type wins.
var intentPhrases = []struct {
	typ     approval.RequestType
	phrases []string
}{
	{approval.TypeEpic, []string{
		"create an epic", "write an epic", "make an epic",
		"strategic initiative", "this should be an epic",
	}},
	{approval.TypeBug, []string{
		"create a bug", "file a bug", "report a bug",
		"bug report", "create a defect", "file a defect",
		"this is broken", "not working", "issue with",
	}},
	{approval.TypeStory, []string{
		"create a story", "write a story", "make a story",
		"create a ticket", "write up a ticket", "file a ticket",
		"create a feature", "new feature", "add feature",
	}},
}

// DetectIntent scores text against the draft-request phrases. Phrases with an
// imperative "create"/"write" score higher than bare keywords. ok is false when
// nothing matched.
func DetectIntent(text string) (in Intent, ok bool) {
	lower := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	for _, group := range intentPhrases {
		var (
			best  float64
			found []string
		)
		for _, p := range group.phrases {
			if !strings.Contains(lower, p) {
				continue
			}
			found = append(found, p)
			best = max(best, phraseConfidence(p))
		}
		if best > in.Confidence {
			in = Intent{Type: group.typ, Confidence: best, Phrases: found}
		}
	}
	return in, in.Confidence > 0
}

func phraseConfidence(p string) float64 {
	if strings.Contains(p, "create") || strings.Contains(p, "write") {
		return imperativeConfidence
	}
	return keywordConfidence
}
