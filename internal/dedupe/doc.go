// Package dedupe suppresses repeated keys within a fixed window measured
// from each key's first occurrence.
package dedupe
