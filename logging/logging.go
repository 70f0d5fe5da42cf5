// Package logging hands out per-component loggers for the loader engine.
package logging

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"
)

var (
	once sync.Once
	root *logrus.Logger
)

func rootLogger() *logrus.Logger {
	once.Do(func() {
		root = logrus.New()
		root.SetLevel(logrus.WarnLevel)
		if env.Bool("SOLOAD_DEBUG") {
			root.SetLevel(logrus.DebugLevel)
		}
		root.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
		})
	})
	return root
}

// Component returns the logger for one engine component ("image",
// "segments", "tls", "backtrace", "reloc", "linker", "host").
func Component(name string) *logrus.Entry {
	return rootLogger().WithField("component", name)
}

// SetLevel overrides the level for all component loggers.
func SetLevel(level logrus.Level) {
	rootLogger().SetLevel(level)
}
