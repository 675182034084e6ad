// Package logging wires log/slog with the repository's console and JSON
// handlers, attribute helpers, and standardized field keys.
//
// The console handler renders one line per record with a leading component
// label; the JSON handler normalizes timestamp and level keys for machine
// consumption. Components obtain loggers via NewComponentLogger so every
// record carries a component attribute.
package logging
