// Package schedule registers the pipeline for recurring execution.
//
// Two mutually exclusive backends are supported:
//   - cron:  one line in the user's crontab (or a managed crontab file)
//   - timer: a systemd <name>.service + <name>.timer pair
//
// The Registrar is responsible for:
//   - validating an Entry and its fire spec
//   - refusing to register the same command in both backends
//   - serializing read-modify-write of the registration table behind a lock
//   - computing next fire times and reporting status
package schedule
