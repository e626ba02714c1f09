package broker

import "github.com/sirupsen/logrus"

var log = logrus.WithField("component", "broker")
