// Package logging wraps logrus so every internal package logs with the
// same leveled, field-based shape. cmd/masterd's own startup/fatal
// messages stay on the plain standard-library "log" package, matching the
// teacher's cmd/server/main.go.
package logging

import "github.com/sirupsen/logrus"

// Named returns a logger that tags every entry with a "component" field,
// e.g. logging.Named("migration").
func Named(component string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", component)
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
