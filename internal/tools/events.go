package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

const eventLayout = "2006-01-02T15:04:05"

type addEventArgs struct {
	Description string `json:"description" validate:"required" jsonschema:"required,description=Event details in Hebrew"`
	Time        string `json:"time" validate:"required" jsonschema:"required,description=ISO 8601 datetime e.g. 2026-02-19T18:00:00"`
}

// AddEvent schedules a reminder message to the group.
type AddEvent struct{ Deps }

func (AddEvent) Name() string { return "add_event" }
func (AddEvent) Description() string {
	return "Schedule a reminder or event to be sent to the group at the given time."
}
func (AddEvent) Schema() *jsonschema.Schema { return schemaOf(&addEventArgs{}) }

// parseEventTime accepts local ISO-8601 without zone, with minutes only, or RFC 3339.
func parseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{eventLayout, "2006-01-02T15:04", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable event time %q", s)
}

func (t AddEvent) Invoke(ctx context.Context, call Call) (Result, error) {
	var args addEventArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	at, err := parseEventTime(args.Time)
	if err != nil {
		return Result{
			Text:          "לא הצלחתי להבין את מועד האירוע. נא לציין תאריך ושעה, לדוגמה 2026-02-19T18:00:00.",
			Clarification: true,
		}, nil
	}

	start := at.Format(eventLayout)
	desc := strings.TrimSpace(args.Description)
	if err := t.Sender.ScheduleMessage(ctx, call.Site.GroupID, desc, start); err != nil {
		return Result{}, fmt.Errorf("schedule event: %w", err)
	}
	return Result{Text: fmt.Sprintf("Event '%s' scheduled for %s.", desc, start)}, nil
}
