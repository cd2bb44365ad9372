package mesh

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "mesh")
