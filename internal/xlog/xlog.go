// Package xlog wraps logrus with the fields a log line can be scoped to:
// the file being extracted, and a worker's short name and pid. A
// single *logrus.Logger is threaded through the call stack rather than
// relying on the package-level default logger.
package xlog

import "github.com/sirupsen/logrus"

// New returns a logrus.Logger with a text formatter and no colour forced,
// so piping to a file or a worker's own stderr stays readable.
func New() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{DisableColors: false, FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// ForFile returns an entry scoped to one file's extraction round.
func ForFile(l *logrus.Logger, file string) *logrus.Entry {
	return l.WithField("file", file)
}

// ForWorker returns an entry further scoped to one worker channel.
func ForWorker(e *logrus.Entry, short string, pid int) *logrus.Entry {
	return e.WithFields(logrus.Fields{"worker": short, "pid": pid})
}
