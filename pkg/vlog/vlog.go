// Package vlog gives Virgil components a named charmbracelet/log
// sub-logger, so log lines are always tagged with their origin
// (transport, discovery, slave, master).
package vlog

import (
	"os"

	"github.com/charmbracelet/log"
)

// New returns a logger prefixed with component, writing to stderr.
func New(component string) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: component})
}
