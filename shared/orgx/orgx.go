package orgx

import "context"

type contextKey struct{}

// OrgContext identifies the organization a request or job belongs to. Every
// rule lookup and tenant-data mutation downstream is scoped by this id.
type OrgContext struct {
	ID   string
	Slug string
}

func WithOrg(ctx context.Context, org OrgContext) context.Context {
	return context.WithValue(ctx, contextKey{}, org)
}

func FromContext(ctx context.Context) (OrgContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if o, ok := v.(OrgContext); ok {
			return o, true
		}
	}
	return OrgContext{}, false
}

func OrgIDFromContext(ctx context.Context) string {
	if o, ok := FromContext(ctx); ok {
		return o.ID
	}
	return ""
}
