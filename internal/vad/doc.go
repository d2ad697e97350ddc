// Package vad segments normalized 16 kHz mono audio into speech regions.
//
// A Classifier scores fixed 512-sample windows; the Segmenter merges speech
// windows into runs, bridges short pauses, drops runs too short to be speech
// and pads what remains. Classifier models are loaded once per asset path
// into shared read-only state (LoadShared) and may be used from any number
// of goroutines.
package vad
