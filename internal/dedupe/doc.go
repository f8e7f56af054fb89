// Package dedupe tracks recently submitted client message ids so that a
// retried send inside a configurable window is accepted only once.
package dedupe
