//go:build smallmind_debug

package transformer

const debugChecks = true
