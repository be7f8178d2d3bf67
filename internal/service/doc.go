// Package service runs the configured scans unattended and publishes their
// results.
//
// The Supervisor owns an event loop. Every start trigger submits each
// configured scan to the engine, unless a previous job of the same scan is
// still running. A goroutine per submitted job waits for it and hands the
// terminal snapshot back to the loop, which exports it as a CycloneDX BOM and
// passes it to all uploaders.
//
//	Supervisor             Engine                 Uploader
//	    |  Start()            |                       |
//	    |--- Submit(req) ---->|                       |
//	    |                     | scheduler runs units  |
//	    |<-- Wait/Snapshot ---|                       |
//	    |--- bom.FromSnapshot --- Upload(raw) ------->|
//
// Modes:
//   - manual: a single start is triggered on entry, Do returns once every job
//     was published, with the joined errors of that round.
//   - timer: gocron triggers start on a cron expression or an ISO-8601
//     duration, errors are logged and the loop runs until ctx is cancelled.
package service
