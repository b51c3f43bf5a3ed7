//go:build starbridge_debug

package capsule

// Lifecycle violations are programming errors; debug builds stop on them.
const panicOnViolation = true
