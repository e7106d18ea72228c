// Package api hosts the HTTP surface of pixl.
//
// Handler wires the upload manager, the transcode dispatcher and the asset
// store behind a gin router. Every dependency is injected through the Handler
// fields; the package keeps no globals. Errors returned by the pipeline carry
// an apperrors kind which the handlers translate into HTTP status codes, so
// new routes should return classified errors rather than choosing statuses
// themselves.
//
// Progress updates are streamed to clients over a websocket attached to the
// asset topic of the injected progress.Subscriber.
package api
