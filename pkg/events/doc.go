// Package events provides an in-process pub/sub broker for controller
// events: build lifecycle transitions, worker registration and offlining,
// and queue updates. Subscribers with full buffers are skipped rather than
// blocked, so a slow consumer can never stall the dispatch path.
package events
