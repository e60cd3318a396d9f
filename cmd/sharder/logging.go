package main

import (
	"fmt"
	"io"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

func setupLogging(conf config) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if level, err := logrus.ParseLevel(conf.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("unknown log level %q, using info", conf.LogLevel)
	}

	if conf.LogFile != "" {
		logrus.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   conf.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
		}))
	}

	if conf.SentryDsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: conf.SentryDsn}); err != nil {
			logrus.WithError(err).Warn("failed to initialise sentry")
			return
		}

		logrus.AddHook(sentryHook{})
	}
}

// sentryHook reports error level entries to sentry
type sentryHook struct{}

func (hook sentryHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.ErrorLevel,
		logrus.FatalLevel,
		logrus.PanicLevel,
	}
}

func (hook sentryHook) Fire(entry *logrus.Entry) error {
	hub := sentry.CurrentHub().Clone()
	if hub == nil {
		return nil
	}

	hub.WithScope(func(s *sentry.Scope) {
		for k, v := range entry.Data {
			if k == logrus.ErrorKey {
				continue
			}

			s.SetExtra(k, fmt.Sprint(v))
		}

		if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
			s.SetExtra("message", entry.Message)
			hub.CaptureException(err)
		} else {
			hub.CaptureMessage(entry.Message)
		}
	})

	return nil
}
