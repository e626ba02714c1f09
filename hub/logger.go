package hub

import "github.com/sirupsen/logrus"

var log = logrus.WithField("component", "hub")
