// Package services holds what the pipeline stages and their external clients share.
//
// Key responsibilities:
//   - Failure markers (NoSourcesFound, ScriptGenerationFailed, SynthesisFailed,
//     AssemblyFailed, ExternalServiceTimeout) plus the Wrap helper that tags a
//     stage error so the orchestrator can derive the job's terminal message.
//   - Context helpers that stamp job ids, stage names and request ids for logging.
//   - Retry helpers shared by the HTTP clients under services/*.
package services
