//go:build !starbridge_debug

package capsule

const panicOnViolation = false
