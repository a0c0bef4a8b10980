package core

import "context"

type clientKey struct{}

type clientInfo struct {
	ip string
	ua string
}

// ContextWithClient records the caller's address and user agent for audit
// entries.
func ContextWithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientInfo{ip: ip, ua: userAgent})
}

// ClientFromContext returns what ContextWithClient stored, or empty strings.
func ClientFromContext(ctx context.Context) (ip, userAgent string) {
	if c, ok := ctx.Value(clientKey{}).(clientInfo); ok {
		return c.ip, c.ua
	}
	return "", ""
}
