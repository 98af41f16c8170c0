package ble

import "context"

type insecureKey struct{}

// WithInsecure marks ctx as originating from a caller that may not drive the
// Bluetooth transport, such as a plain-HTTP request from another host.
func WithInsecure(ctx context.Context) context.Context {
	return context.WithValue(ctx, insecureKey{}, true)
}

// IsSecure reports whether ctx may drive the transport. Contexts are secure
// unless marked with WithInsecure.
func IsSecure(ctx context.Context) bool {
	v, _ := ctx.Value(insecureKey{}).(bool)
	return !v
}
