package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tbourn/go-site-agent/internal/domain"
)

const undefinedList = "לא הוגדרו"

const systemTemplate = `## System Role
You are a conversational assistant for construction site management.
Communicate with the user in Hebrew ONLY. Current date/time: %s

## Tools
- add_defect: log a new site issue. description is required; image is the media URL when provided; supplier and location come from the site lists or "".
- update_defect: change an existing defect. defect_id is required (#N, ליקוי N); pass "" for fields that do not change. status is פתוח, בעבודה or סגור.
- send_whatsapp_report: list defects. Filters: status_filter, description_filter, supplier_filter, defect_id_filter (range "77-90" or list "77,78").
- add_event: schedule a reminder. time is ISO 8601, e.g. 2026-02-19T18:00:00.

## Site Context
- Locations: %s
- Suppliers: %s

## Supplier & Location Validation
- If a list shows "` + undefinedList + `", accept any value as-is.
- Use exact matches directly.
- For a close match ask "התכוונת ל-[closest]?" and wait for confirmation.
- With no match, list the available options. Do not call a tool until confirmed.

## Constraints
- Call at most one tool per turn.
- If originalMessage contains a defect row (#N | ...), update that defect.
- A 👍 reaction on a defect row closes it: update_defect with status סגור.
- Relative times ("בעוד שעה") are computed from now. Ask בוקר or ערב for ambiguous clock times.
- Politely decline unsupported requests in Hebrew.
`

// SystemPrompt renders the instructions for site at now.
func SystemPrompt(site *domain.Site, now time.Time) string {
	return fmt.Sprintf(systemTemplate,
		now.Format("2006-01-02T15:04:05"),
		joinOrUndefined(site.Context.Locations),
		joinOrUndefined(site.Context.Suppliers),
	)
}

func joinOrUndefined(xs []string) string {
	if len(xs) == 0 {
		return undefinedList
	}
	return strings.Join(xs, ", ")
}

// turnInput is the structured user input for one reasoning turn.
type turnInput struct {
	Message         string `json:"message"`
	Transcript      string `json:"transcript,omitempty"`
	Image           string `json:"image,omitempty"`
	Video           string `json:"video,omitempty"`
	Reaction        string `json:"reaction,omitempty"`
	OriginalMessage string `json:"originalMessage,omitempty"`
}

var defectRef = regexp.MustCompile(`#(\d+)`)

// closeInstruction is the synthesized request for a 👍 on a defect row.
func closeInstruction(original string) string {
	if m := defectRef.FindStringSubmatch(original); m != nil {
		return fmt.Sprintf("update_defect defect_id=%s status=%s", m[1], domain.StatusClosed)
	}
	return "update_defect status=" + domain.StatusClosed
}

// buildInput serializes the event into the reasoning input.
func buildInput(ev domain.InboundEvent, transcript string, closing bool) (string, error) {
	in := turnInput{Message: strings.TrimSpace(ev.MessageText), Transcript: transcript}
	if in.Message == "" {
		in.Message = transcript
	}
	switch ev.MediaType {
	case domain.MediaImage:
		in.Image = ev.MediaURL
	case domain.MediaVideo:
		in.Video = ev.MediaPlaybackURL
		if in.Video == "" {
			in.Video = ev.MediaURL
		}
	}
	if ev.IsReaction() {
		in.Reaction = ev.Emoji
		in.OriginalMessage = ev.OriginalText()
		if closing {
			in.Message = closeInstruction(in.OriginalMessage)
		}
	} else if ev.OriginalText() != "" {
		in.OriginalMessage = ev.OriginalText()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(in); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
