package image

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
)

// BaseISOName is looked up in the images dir, ~/Downloads and the working dir.
const BaseISOName = "windows.iso"

// Candidates returns the Windows ISO search order: the --image flag, the
// WINDOWS_ISO setting, then the well-known locations. Empty entries are skipped.
func Candidates(flag, setting, imagesDir, home string) []string {
	var out []string
	for _, p := range []string{flag, setting} {
		if p != "" {
			out = append(out, p)
		}
	}
	out = append(out, filepath.Join(imagesDir, BaseISOName))
	if home != "" {
		out = append(out, filepath.Join(home, "Downloads", BaseISOName))
	}
	return append(out, BaseISOName)
}

// LocateBaseISO returns the first candidate that exists as a regular file.
func LocateBaseISO(candidates []string) (string, error) {
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs, nil
			}
			return p, nil
		}
	}
	return "", &apperrors.Error{
		Kind:    apperrors.KindPrerequisiteUnmet,
		Message: "Windows installation ISO not found; looked in:\n  " + strings.Join(candidates, "\n  "),
		Remediation: "download a Windows ISO from Microsoft and pass it with --image=PATH " +
			"or set WINDOWS_ISO in the configuration",
	}
}
