package websocket

import "github.com/sirupsen/logrus"

// Package-level logger for the websocket transport.
var log = logrus.WithField("component", "websocket")
