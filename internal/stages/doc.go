// Package stages implements the six pipeline stages that turn a source URL
// into a published dubbed file: download, transcribe, diarize, translate,
// synthesize, publish. Each stage produces exactly one durable artifact and
// records its path on the job, which is what makes interrupted pipelines
// resumable: a stage whose artifact already exists on disk is skipped.
package stages
