package coordinator

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "coordinator")
