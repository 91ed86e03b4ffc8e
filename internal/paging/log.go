package paging

import "github.com/sirupsen/logrus"

var log = logrus.WithField("module", "paging")
