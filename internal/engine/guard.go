package engine

import (
	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"
)

// cleanupFiles removes partially written paths after a failed mutation.
// Cleanup failures are logged and swallowed: the original error is the
// one worth surfacing.
func cleanupFiles(fs billy.Filesystem, paths ...string) {
	for _, p := range paths {
		if err := removeAll(fs, p); err != nil {
			logrus.WithError(err).WithField("path", p).Warn("failed to clean up after aborted operation")
		}
	}
}

// moveBack undoes a filesystem rename after the catalog refused to
// follow it, restoring the tree to its pre-operation shape.
func moveBack(fs billy.Filesystem, dst, src string) {
	if err := fs.Rename(dst, src); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"from": dst,
			"to":   src,
		}).Error("failed to restore moved entry after aborted operation")
	}
}
