package bridge

import "github.com/sirupsen/logrus"

var log = logrus.WithField("component", "bridge")
