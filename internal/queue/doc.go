// Package queue persists fragment arrivals and group lifecycle state in
// SQLite. The database is the single source of truth for the daemon: watcher,
// assembler, dispatcher, and reaper all coordinate through it, and the
// claim-lease columns on the groups table are the only mutual exclusion
// primitive between dispatch workers.
package queue
