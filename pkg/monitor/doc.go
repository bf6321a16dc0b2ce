// Package monitor implements the periodic liveness sweep: builds whose
// heartbeat aged out are failed (their workers returned to idle with the
// failure counted), and workers not seen within the offline timeout are
// marked offline. The monitor is observational glue — every authoritative
// transition happens through the store — and a failing tick is logged and
// retried, never fatal.
package monitor
