package clinicauth

import (
	"context"

	"github.com/MrEthical07/clinicauth/throttle"
)

type clientIPContextKey struct{}
type userAgentContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. It is recorded on
// audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the caller's User-Agent to ctx for audit events.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ua, _ := ctx.Value(userAgentContextKey{}).(string)
	return ua
}

func withRequestMetadata(ctx context.Context, md map[string]string) map[string]string {
	ip, ua := clientIPFromContext(ctx), userAgentFromContext(ctx)
	if ip == "" && ua == "" {
		return md
	}
	if md == nil {
		md = make(map[string]string, 2)
	}
	if ip != "" {
		md["ip"] = ip
	}
	if ua != "" {
		md["user_agent"] = ua
	}
	return md
}

func normalizedIdentifier(identifier string) string {
	return throttle.NormalizeIdentifier(identifier)
}
