// Package audio holds the normalized AudioBuffer and the pure signal stages
// that run before segmentation: decoding caller files, downmixing and
// band-limited resampling to 16 kHz mono PCM-16, gain control, and encoding
// back to WAV for transcription payloads and the archive.
package audio
