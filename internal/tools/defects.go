package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/invopop/jsonschema"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/repo"
	"github.com/tbourn/go-site-agent/internal/sequence"
)

// Chat texts sent to the group.
const (
	msgDefectAdded   = "*ליקוי התווסף בהצלחה*"
	msgDefectUpdated = "*ליקוי עודכן בהצלחה*"
	msgNoResults     = "לא נמצאו ליקויים התואמים לחיפוש."
)

// Sender delivers messages to a chat group through the bridge.
type Sender interface {
	SendMessage(ctx context.Context, groupID, text string) error
	SendMessages(ctx context.Context, groupID string, messages []string) error
	ScheduleMessage(ctx context.Context, groupID, name, startDate string) error
}

// Deps are the collaborators shared by the defect tools.
type Deps struct {
	DB             *gorm.DB
	Allocator      *sequence.Allocator
	Sender         Sender
	Log            zerolog.Logger
	Similarity     float64 // vocabulary threshold
	MaxDescription int     // runes; 0 disables
	BatchSize      int     // rows per report message
}

func (d Deps) suppliers(site *domain.Site) Vocabulary {
	return Vocabulary{Label: "ספק", Values: site.Context.Suppliers, Threshold: d.Similarity}
}

func (d Deps) locations(site *domain.Site) Vocabulary {
	return Vocabulary{Label: "מיקום", Values: site.Context.Locations, Threshold: d.Similarity}
}

// checkVocab runs the validation gate on supplier and location. ok is false
// with a clarification result when either is rejected.
func (d Deps) checkVocab(site *domain.Site, supplier, location *string) (Result, bool) {
	sv := d.suppliers(site).Check(*supplier)
	if !sv.OK {
		return Result{Text: sv.Message, Clarification: true}, false
	}
	lv := d.locations(site).Check(*location)
	if !lv.OK {
		return Result{Text: lv.Message, Clarification: true}, false
	}
	*supplier, *location = sv.Value, lv.Value
	return Result{}, true
}

func (d Deps) tooLong(desc string) (Result, bool) {
	if d.MaxDescription > 0 && utf8.RuneCountInString(desc) > d.MaxDescription {
		return Result{
			Text:          fmt.Sprintf("התיאור ארוך מדי (עד %d תווים).", d.MaxDescription),
			Clarification: true,
		}, true
	}
	return Result{}, false
}

// notify sends to the group; failures are logged and never fail the tool.
func (d Deps) notify(ctx context.Context, groupID string, texts ...string) {
	var err error
	if len(texts) == 1 {
		err = d.Sender.SendMessage(ctx, groupID, texts[0])
	} else if len(texts) > 1 {
		err = d.Sender.SendMessages(ctx, groupID, texts)
	}
	if err != nil {
		d.Log.Warn().Err(err).Str("group_id", groupID).Msg("group notification failed")
	}
}

// --- add_defect ---

type addDefectArgs struct {
	Description string `json:"description" validate:"required" jsonschema:"required,description=Exact defect description in Hebrew"`
	Supplier    string `json:"supplier,omitempty" jsonschema:"description=Supplier from the site list or empty"`
	Location    string `json:"location,omitempty" jsonschema:"description=Location from the site list or empty"`
	Image       string `json:"image,omitempty" jsonschema:"description=Image URL when media was provided"`
}

// AddDefect logs a new defect with the next per-site sequence number.
type AddDefect struct{ Deps }

func (AddDefect) Name() string { return "add_defect" }
func (AddDefect) Description() string {
	return "Log a new site defect record. Use when the user describes a new issue."
}
func (AddDefect) Schema() *jsonschema.Schema { return schemaOf(&addDefectArgs{}) }

func (t AddDefect) Invoke(ctx context.Context, call Call) (Result, error) {
	var args addDefectArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	args.Description = strings.TrimSpace(args.Description)
	if res, bad := t.tooLong(args.Description); bad {
		return res, nil
	}
	if res, ok := t.checkVocab(call.Site, &args.Supplier, &args.Location); !ok {
		return res, nil
	}

	site := call.Site
	if prior, ok, err := t.created(ctx, site.ID, call.Key); err != nil {
		return Result{}, fmt.Errorf("add defect: %w", err)
	} else if ok {
		return addedResult(prior.Seq), nil
	}

	defect := domain.Defect{
		SiteID:      site.ID,
		Description: args.Description,
		Reporter:    call.Caller,
		Supplier:    args.Supplier,
		Location:    args.Location,
		ImageURL:    strings.TrimSpace(args.Image),
		Status:      domain.StatusOpen,
	}
	if call.Key != "" {
		key := call.Key
		defect.SourceKey = &key
	}
	err := t.Allocator.InTx(ctx, t.DB, site.GroupID, site.ID, func(tx *gorm.DB, next sequence.NextFunc) error {
		seq, err := next()
		if err != nil {
			return err
		}
		defect.Seq = seq
		return repo.CreateDefect(ctx, tx, &defect)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent run of the same event may have won the insert.
		if prior, ok, lerr := t.created(ctx, site.ID, call.Key); lerr == nil && ok {
			return addedResult(prior.Seq), nil
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("add defect: %w", err)
	}

	t.notify(ctx, site.GroupID, msgDefectAdded+"\n"+FormatRow(defect))
	if open, err := repo.ListDefects(ctx, t.DB, site.ID, repo.DefectFilter{Status: domain.StatusOpen}); err != nil {
		t.Log.Warn().Err(err).Str("group_id", site.GroupID).Msg("failed to list open defects")
	} else if batches := Batches(open, t.BatchSize); len(batches) > 0 {
		if err := t.Sender.SendMessages(ctx, site.GroupID, batches); err != nil {
			t.Log.Warn().Err(err).Str("group_id", site.GroupID).Msg("group notification failed")
		}
	}

	return addedResult(defect.Seq), nil
}

// created looks up the defect an earlier delivery made for key.
func (t AddDefect) created(ctx context.Context, siteID uint, key string) (*domain.Defect, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	d, err := repo.GetDefectBySource(ctx, t.DB, siteID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func addedResult(seq int) Result {
	return Result{Text: fmt.Sprintf("Defect #%d added successfully.", seq)}
}

// --- update_defect ---

type updateDefectArgs struct {
	DefectID    int    `json:"defect_id" validate:"required,gt=0" jsonschema:"required,description=Defect number (#N)"`
	Description string `json:"description,omitempty" jsonschema:"description=New description or empty"`
	Supplier    string `json:"supplier,omitempty" jsonschema:"description=New supplier or empty"`
	Location    string `json:"location,omitempty" jsonschema:"description=New location or empty"`
	Image       string `json:"image,omitempty" jsonschema:"description=New image URL or empty"`
	Status      string `json:"status,omitempty" jsonschema:"description=New status: פתוח / בעבודה / סגור or empty"`
}

// UpdateDefect changes the non-empty fields of an existing defect.
type UpdateDefect struct{ Deps }

func (UpdateDefect) Name() string { return "update_defect" }
func (UpdateDefect) Description() string {
	return "Update one or more fields of an existing defect. Empty fields are left unchanged."
}
func (UpdateDefect) Schema() *jsonschema.Schema { return schemaOf(&updateDefectArgs{}) }

func (t UpdateDefect) Invoke(ctx context.Context, call Call) (Result, error) {
	var args updateDefectArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	args.Status = strings.TrimSpace(args.Status)
	if args.Status != "" && !domain.ValidStatus(args.Status) {
		return Result{
			Text: fmt.Sprintf("סטטוס \"%s\" אינו חוקי. האפשרויות: %s, %s, %s",
				args.Status, domain.StatusOpen, domain.StatusInProgress, domain.StatusClosed),
			Clarification: true,
		}, nil
	}
	args.Description = strings.TrimSpace(args.Description)
	if res, bad := t.tooLong(args.Description); bad {
		return res, nil
	}
	if res, ok := t.checkVocab(call.Site, &args.Supplier, &args.Location); !ok {
		return res, nil
	}

	fields := map[string]any{}
	if args.Description != "" {
		fields["description"] = args.Description
	}
	if args.Supplier != "" {
		fields["supplier"] = args.Supplier
	}
	if args.Location != "" {
		fields["location"] = args.Location
	}
	if img := strings.TrimSpace(args.Image); img != "" {
		fields["image_url"] = img
	}
	if args.Status != "" {
		fields["status"] = args.Status
	}

	site := call.Site
	var updated *domain.Defect
	err := t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := repo.UpdateDefectFields(ctx, tx, site.ID, args.DefectID, fields)
		updated = d
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return Result{Text: fmt.Sprintf("ליקוי #%d לא נמצא.", args.DefectID), Clarification: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("update defect #%d: %w", args.DefectID, err)
	}

	t.notify(ctx, site.GroupID, msgDefectUpdated+"\n"+FormatRow(*updated))
	return Result{Text: fmt.Sprintf("Defect #%d updated.", args.DefectID)}, nil
}

// --- send_whatsapp_report ---

type reportArgs struct {
	StatusFilter      string `json:"status_filter,omitempty" jsonschema:"description=פתוח / בעבודה / סגור or empty"`
	DescriptionFilter string `json:"description_filter,omitempty" jsonschema:"description=Free search text or empty"`
	SupplierFilter    string `json:"supplier_filter,omitempty" jsonschema:"description=Exact supplier name or empty"`
	DefectIDFilter    string `json:"defect_id_filter,omitempty" jsonschema:"description=Id range like 77-90 or ids separated by commas or empty"`
}

// SendReport posts a filtered defect list to the group in batches.
type SendReport struct{ Deps }

func (SendReport) Name() string { return "send_whatsapp_report" }
func (SendReport) Description() string {
	return "Send a filtered defect list to the group. Filters combine; empty filters are ignored."
}
func (SendReport) Schema() *jsonschema.Schema { return schemaOf(&reportArgs{}) }

func (t SendReport) Invoke(ctx context.Context, call Call) (Result, error) {
	var args reportArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	f := repo.DefectFilter{
		Status:      strings.TrimSpace(args.StatusFilter),
		Supplier:    strings.TrimSpace(args.SupplierFilter),
		Description: args.DescriptionFilter,
	}
	if err := ParseIDFilter(args.DefectIDFilter, &f); err != nil {
		return Result{Text: "מספרי ליקויים לא תקינים. השתמש בטווח (77-90) או ברשימה (5,7,12).", Clarification: true}, nil
	}

	site := call.Site
	defects, err := repo.ListDefects(ctx, t.DB, site.ID, f)
	if err != nil {
		return Result{}, fmt.Errorf("list defects: %w", err)
	}
	if len(defects) == 0 {
		t.notify(ctx, site.GroupID, msgNoResults)
		return Result{Text: "No defects matched."}, nil
	}
	if err := t.Sender.SendMessages(ctx, site.GroupID, Batches(defects, t.BatchSize)); err != nil {
		t.Log.Warn().Err(err).Str("group_id", site.GroupID).Msg("report delivery failed")
	}
	return Result{Text: fmt.Sprintf("Sent %d defects.", len(defects))}, nil
}
