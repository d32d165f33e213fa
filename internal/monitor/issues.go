package monitor

import (
	"fmt"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/issuetracker"
)

// IssueState is the retained state of one issue.
type IssueState struct {
	State    string
	Comments int
}

// IssueSnapshot maps issue ID to its last state.
type IssueSnapshot map[string]IssueState

// IssueMonitor emits when a tracked issue closes and, optionally, when it
// gathers CommentThreshold new comments since the last emission.
type IssueMonitor struct {
	// Actions holds the follow-up attached to an issue's close event, by ID.
	Actions          map[string]alerts.Action
	CommentThreshold int
}

// Evaluate implements Monitor. Issues missing from prev are baselined
// individually. Issues missing from obs, because their fetch failed, keep
// their previous state.
func (m IssueMonitor) Evaluate(prev *IssueSnapshot, obs []issuetracker.Issue, now time.Time) ([]alerts.Event, IssueSnapshot) {
	next := make(IssueSnapshot, len(obs))
	var events []alerts.Event
	for _, iss := range obs {
		id := iss.Ref.ID()
		cur := IssueState{State: iss.State, Comments: iss.Comments}
		next[id] = cur
		if prev == nil {
			continue
		}
		before, ok := (*prev)[id]
		if !ok {
			continue
		}

		if before.State == "open" && cur.State == "closed" {
			ev := alerts.New(alerts.Key(fmt.Sprintf("issue:%s:closed", id)), alerts.SeverityInfo,
				fmt.Sprintf("Issue closed: %s", issueLabel(iss)),
				fmt.Sprintf("%s was closed.\n%s", iss.Title, iss.URL), now)
			if act, ok := m.Actions[id]; ok {
				ev.Actions = []alerts.Action{act}
			}
			events = append(events, ev)
		}

		if m.CommentThreshold > 0 {
			if delta := cur.Comments - before.Comments; delta >= m.CommentThreshold {
				events = append(events, alerts.New(alerts.Key(fmt.Sprintf("issue:%s:activity", id)), alerts.SeverityInfo,
					fmt.Sprintf("Issue activity: %s", issueLabel(iss)),
					fmt.Sprintf("%d new comments on %s.\n%s", delta, iss.Title, iss.URL), now))
			} else if delta > 0 {
				// Accumulate until the threshold is reached.
				next[id] = IssueState{State: cur.State, Comments: before.Comments}
			}
		}
	}
	if prev != nil {
		for id, st := range *prev {
			if _, ok := next[id]; !ok {
				next[id] = st
			}
		}
	}
	return events, next
}

func issueLabel(iss issuetracker.Issue) string {
	if iss.Ref.Name != "" {
		return iss.Ref.Name
	}
	return iss.Ref.ID()
}
