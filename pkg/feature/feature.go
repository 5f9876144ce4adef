// Package feature toggles on-disk feature configuration: enabling a
// feature links its file from the available directory into the enabled
// directory.
package feature

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mon-mesh/pkg/logging"
)

// Enable links each named feature from availableDir into enabledDir.
// An already-enabled feature is a warning, not a failure. A feature
// with no source file, or a failed link, counts as a failure; the
// returned error names every failed feature, and is nil when all
// succeeded.
func Enable(availableDir, enabledDir string, features []string) error {
	if len(features) == 0 {
		return fmt.Errorf("cannot enable feature(s), names are missing")
	}
	if _, err := os.Stat(availableDir); err != nil {
		return fmt.Errorf("cannot parse available features, path %q does not exist", availableDir)
	}
	if _, err := os.Stat(enabledDir); err != nil {
		return fmt.Errorf("cannot enable features, path %q does not exist", enabledDir)
	}

	var failed []string
	for _, feature := range features {
		source := filepath.Join(availableDir, feature+".conf")
		if _, err := os.Stat(source); err != nil {
			logging.Warnf("[feature] cannot enable feature %q, source file %q does not exist", feature, source)
			failed = append(failed, feature)
			continue
		}

		target := filepath.Join(enabledDir, feature+".conf")
		if _, err := os.Lstat(target); err == nil {
			logging.Infof("[feature] feature %q already enabled", feature)
			continue
		}

		logging.Infof("[feature] enabling feature %q in %q", feature, enabledDir)
		if err := os.Symlink(source, target); err != nil {
			logging.Warnf("[feature] cannot enable feature %q: %v", feature, err)
			failed = append(failed, feature)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("cannot enable feature(s): %s", strings.Join(failed, " "))
	}
	return nil
}

// Disable removes the enabled-directory links for each named feature.
// A feature that is not enabled is a warning; a failed removal is a
// failure.
func Disable(enabledDir string, features []string) error {
	if len(features) == 0 {
		return fmt.Errorf("cannot disable feature(s), names are missing")
	}
	if _, err := os.Stat(enabledDir); err != nil {
		return fmt.Errorf("cannot disable features, path %q does not exist", enabledDir)
	}

	var failed []string
	for _, feature := range features {
		target := filepath.Join(enabledDir, feature+".conf")
		if _, err := os.Lstat(target); err != nil {
			logging.Warnf("[feature] feature %q is not enabled", feature)
			continue
		}
		if err := os.Remove(target); err != nil {
			logging.Warnf("[feature] cannot disable feature %q: %v", feature, err)
			failed = append(failed, feature)
			continue
		}
		logging.Infof("[feature] disabling feature %q in %q", feature, enabledDir)
	}

	if len(failed) > 0 {
		return fmt.Errorf("cannot disable feature(s): %s", strings.Join(failed, " "))
	}
	return nil
}
