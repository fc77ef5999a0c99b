package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/workload"
)

type format string

const (
	formatText format = "text"
	formatYAML format = "yaml"
	formatJSON format = "json"
)

func parseFormat(s string) (format, error) {
	switch f := format(s); f {
	case "", formatText:
		return formatText, nil
	case formatYAML, formatJSON:
		return f, nil
	}
	return "", apperrors.Errorf(apperrors.KindConfigInvalid, "--output must be text, yaml or json, got %q", s)
}

func writeReport(w io.Writer, f format, r workload.Report) error {
	switch f {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return apperrors.Wrap(err, apperrors.KindInternal, "encode status")
		}
		return enc.Close()
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "%-12s %s\n", "VM", r.VM)
	fmt.Fprintf(w, "%-12s %s\n", "Power", r.Power)
	fmt.Fprintf(w, "%-12s %s\n", "Reachable", yesNo(r.Reachable))
	fmt.Fprintf(w, "%-12s %s\n", "Supervisor", r.Supervisor)
	fmt.Fprintf(w, "%-12s %s\n", "Workload", r.Workload)
	fmt.Fprintf(w, "%-12s %s\n", "Ping", r.Ping)
	if len(r.Forwards) == 0 {
		fmt.Fprintf(w, "%-12s %s\n", "Forwards", workload.Unknown)
		return nil
	}
	fmt.Fprintln(w, "Forwards")
	for _, fr := range r.Forwards {
		state := "missing"
		if fr.Active {
			state = "active"
		}
		fmt.Fprintf(w, "  %-40s %s\n", fr.Rule, state)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
