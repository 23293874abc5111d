// Package service implements the validation job engine on top of the job
// store.
//
// Overview
// The Supervisor builds every component from model.Config and runs them until
// its context is done. Clients (the HTTP layer, not part of this package) use
// the ValidationService for direct uploads and the CloudOrchestrationService
// for uploads through presigned URLs.
//
// Data flow:
//
//	ValidationService       job.Store            queue            Runner{workers}
//	      |                     |                  |                    |
//	StartJob -> bind tasks ---->| StartJob ------->| one item per task  |
//	      |                     |                  |<----- Dequeue ------|
//	      |                     |                  |                    | Task.Execute
//	      |                     |<------------- AddValidatorResult -----|
//
//	CloudOrchestrationService
//	  InitiateUpload      -> cloud job + presigned PUT URL
//	  RunPreflightChecks  -> complete upload, malware scan -> verifyingUpload
//	  StageFilesLocally   -> download into local storage   -> ready
//	  ProcessUpload       -> all of the above, polling the preflight, then StartJob
//
// Sweepers reconcile local job directories and cloud job prefixes with the
// store on a gocron schedule.
//
// Invariants:
//   - Every dequeued item ends in exactly one AddValidatorResult, unless the
//     runner is stopped while the validator runs. The job then stays processing.
//   - Declared validator failures keep their message, unexpected errors are
//     only reported with a trace id.
//   - An incomplete upload is retryable, a detected threat removes the job.
//   - A sweep already running makes the next tick a no-op.
package service
