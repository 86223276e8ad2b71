// Copyright (c) 2018 Intel Corporation
// Copyright (c) 2018 HyperHQ Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package logging provides the structured logger shared by every core
// subsystem: one *logrus.Entry per subsystem, obtained by tagging a
// common base logger with a "subsystem" field.
package logging

import (
	"context"
	"log/syslog"
	"time"

	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Default the core's log level to 'Warn', rather than the logrus default
// of 'Info', which is rather noisy for a tight vCPU loop.
var originalLoggerLevel = logrus.WarnLevel
var baseLogger = func() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(originalLoggerLevel)
	return logrus.NewEntry(l)
}()

// SYSLOGTAG is for a consistently named syslog identifier.
const SYSLOGTAG = "vmmcore"

// SetLogger replaces the base logger used to derive every subsystem logger.
// Subsystems that already called Named() before this call keep their own
// *logrus.Entry; only the default fields/level of freshly created loggers
// change.
func SetLogger(ctx context.Context, logger *logrus.Entry, level logrus.Level) {
	originalLoggerLevel = level
	if logger != nil && logger.Logger != nil {
		logger.Logger.SetLevel(level)
	}
	baseLogger = logger
}

// Named returns a logger tagged with the given subsystem name, e.g.
// logging.Named("mmu") or logging.Named("jit.recompiler").
func Named(subsystem string) *logrus.Entry {
	return baseLogger.WithField("subsystem", subsystem)
}

// Level returns the level the base logger was configured with.
func Level() logrus.Level {
	return originalLoggerLevel
}

// sysLogHook wraps a syslog logrus hook and a formatter to be used for all
// syslog entries.
//
// This is necessary to allow the main logger (for "--log=") to use a custom
// formatter ("--log-format=") whilst allowing the system logger to use a
// different formatter.
type sysLogHook struct {
	shook     *lSyslog.SyslogHook
	formatter logrus.Formatter
}

func (h *sysLogHook) Levels() []logrus.Level {
	return h.shook.Levels()
}

// Fire is responsible for adding a log entry to the system log. It switches
// formatter before adding the system log entry, then reverts the original log
// formatter.
func (h *sysLogHook) Fire(e *logrus.Entry) (err error) {
	formatter := e.Logger.Formatter

	e.Logger.Formatter = h.formatter

	err = h.shook.Fire(e)

	e.Logger.Formatter = formatter

	return err
}

func newSystemLogHook(network, raddr string) (*sysLogHook, error) {
	hook, err := lSyslog.NewSyslogHook(network, raddr, syslog.LOG_INFO, SYSLOGTAG)
	if err != nil {
		return nil, err
	}

	return &sysLogHook{
		formatter: &logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		},
		shook: hook,
	}, nil
}

// HandleSystemLog sets up the system-level logger, forwarding every entry
// made through the base logger to syslog in addition to its usual output.
func HandleSystemLog(network, raddr string) error {
	hook, err := newSystemLogHook(network, raddr)
	if err != nil {
		return err
	}

	baseLogger.Logger.Hooks.Add(hook)

	return nil
}
