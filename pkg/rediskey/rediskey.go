package rediskey

import "fmt"

// Tenant keys (global convention across services)
const (
	TenantPrefix      = "tenant"
	TenantChainPrefix = "tenant:chain"
)

// Sequence keys
const (
	SequencePrefix = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildTenantIDKey returns "tenant:{tenantID}"
func BuildTenantIDKey(tenantID string) string {
	return NamespaceKey(TenantPrefix, tenantID)
}

// BuildTenantChainKey returns "tenant:chain:{clientID}", the cached
// client -> agency -> platform lineage.
func BuildTenantChainKey(clientID string) string {
	return NamespaceKey(TenantChainPrefix, clientID)
}

// BuildSequenceKey returns "seq:{prefix}:{scope}:{day}"
func BuildSequenceKey(prefix, scope, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", SequencePrefix, prefix, scope, day)
}
