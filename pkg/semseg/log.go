package semseg

import "github.com/cyclopcam/logs"

// prefixLog writes to the underlying log, but all messages are prefixed with a string of your choice
type prefixLog struct {
	log    logs.Log
	prefix string
}

func newPrefixLog(log logs.Log, prefix string) *prefixLog {
	return &prefixLog{
		log:    log,
		prefix: prefix + " ",
	}
}

func (l *prefixLog) Debugf(format string, a ...interface{}) {
	l.log.Debugf(l.prefix+format, a...)
}

func (l *prefixLog) Infof(format string, a ...interface{}) {
	l.log.Infof(l.prefix+format, a...)
}

func (l *prefixLog) Warnf(format string, a ...interface{}) {
	l.log.Warnf(l.prefix+format, a...)
}

func (l *prefixLog) Errorf(format string, a ...interface{}) {
	l.log.Errorf(l.prefix+format, a...)
}
