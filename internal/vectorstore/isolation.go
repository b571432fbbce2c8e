package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// OwnerKey is the metadata key every isolated document carries.
const OwnerKey = "user_id"

var (
	// ErrMissingOwner is returned when ctx carries no owner. Isolated
	// stores fail closed rather than search across owners.
	ErrMissingOwner = errors.New("owner missing from context")

	// ErrOwnerInFilters is returned when a caller tries to filter on the
	// owner key directly.
	ErrOwnerInFilters = errors.New("filters cannot contain the owner key")
)

type ownerContextKey struct{}

// ContextWithOwner scopes ctx to a single owner.
func ContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, owner)
}

// OwnerFromContext returns the owner, or ErrMissingOwner.
func OwnerFromContext(ctx context.Context) (string, error) {
	owner, ok := ctx.Value(ownerContextKey{}).(string)
	if !ok || owner == "" {
		return "", ErrMissingOwner
	}
	return owner, nil
}

// IsolationMode decides how owner scoping is applied to a store.
type IsolationMode interface {
	// InjectFilter adds owner scoping to query filters.
	InjectFilter(ctx context.Context, filters map[string]interface{}) (map[string]interface{}, error)

	// InjectMetadata stamps the owner onto docs before storage.
	InjectMetadata(ctx context.Context, docs []Document) error

	// Mode names the mode for logs.
	Mode() string
}

// PayloadIsolation keeps all owners in one collection and filters by the
// OwnerKey metadata field.
type PayloadIsolation struct{}

func NewPayloadIsolation() *PayloadIsolation {
	return &PayloadIsolation{}
}

func (p *PayloadIsolation) InjectFilter(ctx context.Context, filters map[string]interface{}) (map[string]interface{}, error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := filters[OwnerKey]; ok {
		return nil, ErrOwnerInFilters
	}
	out := make(map[string]interface{}, len(filters)+1)
	for k, v := range filters {
		out[k] = v
	}
	out[OwnerKey] = owner
	return out, nil
}

// InjectMetadata overwrites any caller-supplied owner value.
func (p *PayloadIsolation) InjectMetadata(ctx context.Context, docs []Document) error {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return err
	}
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = make(map[string]interface{})
		}
		docs[i].Metadata[OwnerKey] = owner
	}
	return nil
}

func (p *PayloadIsolation) Mode() string {
	return "payload"
}

// NoIsolation passes filters and documents through unchanged. Tests only.
type NoIsolation struct{}

func NewNoIsolation() *NoIsolation {
	return &NoIsolation{}
}

func (n *NoIsolation) InjectFilter(_ context.Context, filters map[string]interface{}) (map[string]interface{}, error) {
	return filters, nil
}

func (n *NoIsolation) InjectMetadata(context.Context, []Document) error {
	return nil
}

func (n *NoIsolation) Mode() string {
	return "none"
}

var (
	_ IsolationMode = (*PayloadIsolation)(nil)
	_ IsolationMode = (*NoIsolation)(nil)
)

// IsolationModeFromString maps a config value to a mode.
func IsolationModeFromString(mode string) (IsolationMode, error) {
	switch mode {
	case "payload", "":
		return NewPayloadIsolation(), nil
	case "none":
		return NewNoIsolation(), nil
	default:
		return nil, fmt.Errorf("unknown isolation mode: %s", mode)
	}
}
