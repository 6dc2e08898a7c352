// Package harvest runs the background loops that keep the quote catalog
// fresh: a random sampler, a daily front-page pass, a walk through the full
// page history and the database backup task.
//
// The loops share one Lock so their store-writing bursts never interleave.
// Failures inside a cycle are logged and appended to the store's error log;
// a loop only returns when its context is cancelled.
package harvest
