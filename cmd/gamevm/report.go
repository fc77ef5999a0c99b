package main

import (
	"fmt"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
)

// report prints one classification line for a fatal error, each violation of
// an invalid configuration, and the remediation hint when there is one.
func report(l *log.Logger, err error) {
	kind := apperrors.GetKind(err)
	msg := err.Error()

	var e *apperrors.Error
	var violations []string
	if apperrors.As(err, &e) && len(e.Violations) > 0 {
		violations = e.Violations
		msg = e.Message
	}

	l.Error(fmt.Sprintf("%s: %s", kind, msg))
	for _, v := range violations {
		l.Hint("- " + v)
	}
	if hint := apperrors.Hint(err); hint != "" {
		l.Hint(hint)
	}
}
