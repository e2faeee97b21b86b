// Package crawler manages the lifecycle of crawl tasks on a cooperative loop.
//
// A Task runs one spider on one engine. A Registry creates tasks from spider
// references, tracks their completion and stops them together. A Driver runs
// the loop for a Registry and converts termination signals into a graceful
// stop, escalating to a forced loop stop on the second signal.
//
// Task and Registry state is owned by the loop goroutine. Code running
// elsewhere, such as signal handlers and event bus subscribers, reaches it
// through loop.Call.
package crawler
