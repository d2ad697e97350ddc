// Package prompt composes the instruction sent alongside the audio: a
// mandatory base cleanup instruction followed by an ordered stack of layers
// (output format, tone, writing style or free-form custom text).
package prompt
