// Package server exposes the sync engine over HTTP.
//
// # Routes
//
//   - POST /notifications receives Gmail Pub/Sub push deliveries. It always
//     answers 200 so the transport never redelivers.
//   - GET /oauth/gmail/connect, /oauth/gmail/reauth and /oauth/gmail/callback
//     run the consent flow and start the watch once a credential is stored.
//     These routes are rate limited per client IP.
//   - POST /watch/start, /watch/stop and /watch/renew manage the push
//     subscription of one user.
//   - POST /backfill and /resync run manual sync passes.
//   - /healthz, /readyz and /healthz/detailed serve Kubernetes probes.
//
// Prometheus metrics are served by MetricsServer on a dedicated port so
// operational data stays off the public listener.
package server
