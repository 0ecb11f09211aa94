// Package tools implements the side-effecting operations the reasoning step
// may invoke: defect creation and updates, filtered reports, and scheduled
// group events.
//
// Every tool receives the tenant and caller identity from trusted context in
// Call; arguments produced by the model cannot override them. Tools that
// reference vocabulary fields run the validation gate before any write.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-site-agent/internal/domain"
)

var (
	// ErrUnknownTool is returned when a tool name is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments wraps argument decode and validation failures.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Call carries one tool invocation. Site and Caller come from the
// orchestrator, never from model output. Key is stable across redeliveries
// of the same event; tools that create records use it to avoid duplicates.
type Call struct {
	Site   *domain.Site
	Caller string
	Key    string
	Args   json.RawMessage
}

// Result is what a tool reports back to the reasoning loop. Clarification
// marks a rejected argument: no side effect happened and Text asks the user
// to confirm or choose.
type Result struct {
	Text          string
	Clarification bool
}

// Tool is a single operation exposed to the reasoning capability.
type Tool interface {
	Name() string
	Description() string
	Schema() *jsonschema.Schema
	Invoke(ctx context.Context, call Call) (Result, error)
}

// Definition describes a tool to the reasoning capability.
type Definition struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Registry maps tool names to implementations. It is safe for concurrent
// use and never retries a failed invocation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry holding ts.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds or replaces t under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns the registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name()
	}
	return names
}

// Definitions returns name, description and parameter schema per tool.
func (r *Registry) Definitions() []Definition {
	all := r.All()
	defs := make([]Definition, len(all))
	for i, t := range all {
		defs[i] = Definition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
	}
	return defs
}

// Invoke runs the named tool once.
func (r *Registry) Invoke(ctx context.Context, name string, call Call) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if call.Site == nil {
		return Result{}, fmt.Errorf("tool %s: missing site", name)
	}

	ctx, span := otel.Tracer("tools/Registry").Start(ctx, "Invoke",
		trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("site.group_id", call.Site.GroupID),
		),
	)
	defer span.End()

	res, err := t.Invoke(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Bool("tool.clarification", res.Clarification))
	return res, nil
}

var (
	validate  = validator.New(validator.WithRequiredStructEnabled())
	reflector = &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
)

// decodeArgs unmarshals raw into dst and validates its struct tags. Unknown
// keys (including any identity fields the model invents) are ignored.
func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// schemaOf reflects the parameter schema of an argument struct.
func schemaOf(v any) *jsonschema.Schema {
	s := reflector.Reflect(v)
	s.Version = ""
	return s
}
