// Package api implements the controller's HTTP surface.
//
// Three principals talk to it: the admin client (X-API-Key), build clients
// (X-Build-Token + X-Build-Id), and workers (X-Worker-Id + X-Worker-Token).
// Every handler authenticates through auth.Gate before touching state.
//
// Uploads and downloads are streamed; the server never buffers a whole
// artifact in memory. Result uploads additionally watch for a concurrent
// client cancel and abort mid-stream when the build goes terminal.
//
// Error mapping is centralized in writeError: sentinel errors from
// pkg/types become 401/403/404/409/413, storage deadline overruns become
// 503, and anything unexpected is logged with a correlation id and
// returned as a bare 500.
package api
