// Package log provides strand's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled, field-based
// methods. Components receive a Logger and tag it with log.Component; the
// formatter (text or JSON) and output are chosen once at process startup.
package log
