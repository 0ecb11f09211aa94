// Package transcribe turns bridge-uploaded voice and video notes into text
// through the Soniox async transcription API.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-site-agent/internal/config"
)

var (
	// ErrTimeout means the job did not complete within the configured ceiling.
	ErrTimeout = errors.New("transcription timed out")
	// ErrFailed means the provider reported the job as failed.
	ErrFailed = errors.New("transcription failed")
)

// ConstructionTerms bias recognition toward site vocabulary.
var ConstructionTerms = []string{
	"ליקוי", "ליקויים", "רטיבות", "סדק", "סדקים", "קילוף", "התנפחות",
	"טיח", "ריצוף", "אריחים", "איטום", "נזילה", "עובש", "בטון", "שלד",
	"תשתית", "ביסוס", "פיגום", "אינסטלציה", "חשמל", "גבס", "פרקט",
	"חלון", "דלת", "מסגרת", "קבלן", "קבלן משנה", "מפקח", "דירה",
	"קומה", "יחידה", "תיקון", "טיפול", "אחריות", "בדיקה", "פרוטוקול",
}

// Client submits, polls and fetches transcriptions.
type Client struct {
	http     *resty.Client
	model    string
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

// New builds a Soniox client from cfg.
func New(cfg config.STTConfig, log zerolog.Logger) *Client {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(30*time.Second).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &Client{
		http:     hc,
		model:    cfg.Model,
		interval: cfg.PollInterval,
		timeout:  cfg.Timeout,
		log:      log.With().Str("component", "transcribe").Logger(),
	}
}

type kv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type jobContext struct {
	General []kv     `json:"general"`
	Terms   []string `json:"terms"`
}

type submitReq struct {
	Model         string     `json:"model"`
	FileID        string     `json:"file_id"`
	LanguageHints []string   `json:"language_hints"`
	Context       jobContext `json:"context"`
}

type job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type transcript struct {
	Text string `json:"text"`
}

// Terms returns the recognition hints for a site: the construction terms
// followed by the site's locations and suppliers.
func Terms(locations, suppliers []string) []string {
	out := make([]string, 0, len(ConstructionTerms)+len(locations)+len(suppliers))
	out = append(out, ConstructionTerms...)
	out = append(out, locations...)
	return append(out, suppliers...)
}

// Transcribe submits fileID and polls until the job completes, fails, or
// the timeout elapses (ErrTimeout).
func (c *Client) Transcribe(ctx context.Context, fileID string, terms []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var submitted job
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitReq{
			Model:         c.model,
			FileID:        fileID,
			LanguageHints: []string{"he", "en"},
			Context: jobContext{
				General: []kv{
					{Key: "domain", Value: "ניהול ליקויי בנייה"},
					{Key: "topic", Value: "דיווח ליקויים באתר בנייה"},
				},
				Terms: terms,
			},
		}).
		SetResult(&submitted).
		ForceContentType("application/json").
		Post("/v1/transcriptions")
	if err := c.check(ctx, resp, err, "submit"); err != nil {
		return "", err
	}
	c.log.Info().Str("job_id", submitted.ID).Msg("transcription submitted")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", c.timedOut(ctx, "job "+submitted.ID)
		case <-ticker.C:
		}

		var st job
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&st).
			ForceContentType("application/json").
			Get("/v1/transcriptions/" + submitted.ID)
		if err := c.check(ctx, resp, err, "poll"); err != nil {
			return "", err
		}
		switch st.Status {
		case "completed":
			return c.fetch(ctx, submitted.ID)
		case "failed", "error":
			return "", fmt.Errorf("%w: job %s", ErrFailed, submitted.ID)
		}
	}
}

func (c *Client) fetch(ctx context.Context, id string) (string, error) {
	var out transcript
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		ForceContentType("application/json").
		Get("/v1/transcriptions/" + id + "/transcript")
	if err := c.check(ctx, resp, err, "fetch"); err != nil {
		return "", err
	}
	c.log.Info().Str("job_id", id).Int("length", len(out.Text)).Msg("transcript ready")
	return out.Text, nil
}

func (c *Client) timedOut(ctx context.Context, where string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s (%s)", ErrTimeout, c.timeout, where)
	}
	return ctx.Err()
}

func (c *Client) check(ctx context.Context, resp *resty.Response, err error, step string) error {
	if err != nil {
		if ctx.Err() != nil {
			return c.timedOut(ctx, step)
		}
		return fmt.Errorf("transcription %s: %w", step, err)
	}
	if resp.IsError() {
		return fmt.Errorf("transcription %s: status %d: %s", step, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
