// Command coalesce is the operator CLI for the coalesce ingestion daemon. It
// reads the queue database directly, so inspection works whether or not the
// daemon is running.
package main
