// Package pipeline runs transcription jobs through the stages
// Normalizing → Segmenting → GainAdjusting → Encoding → Dispatching and
// ends each job as Completed or Failed.
//
// The Orchestrator is the only place that decides between retry and terminal
// failure: rate limits and transient network errors are retried with bounded
// exponential backoff, every other failure ends the job at the stage it
// reached. Progress events are published without blocking the job.
package pipeline
