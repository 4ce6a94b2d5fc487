// Package health probes a web application and tracks its health the way a
// container engine does.
//
// [Probe] performs a single HTTP check. A [Monitor] runs a [Checker]
// periodically and moves between the starting, healthy, and unhealthy
// states: failures during the start period are not counted, any success
// makes the application healthy and resets the failure streak, and Retries
// consecutive counted failures make it unhealthy.
package health
