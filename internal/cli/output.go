package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/harun/plugd/pkg/plugin"
)

// render writes v as JSON or YAML when requested. It returns false when the
// caller should print its table instead.
func render(w io.Writer, v any) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so the YAML keys follow the json tags
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(generic)
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q (must be table, json or yaml)", outputFormat)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
}

func colorizeState(s plugin.State) string {
	switch s {
	case plugin.StateLoaded:
		return color.GreenString(string(s))
	case plugin.StateFailed:
		return color.RedString(string(s))
	case plugin.StateUnloaded:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorizeClass(c plugin.Classification) string {
	if c == plugin.ClassBuiltin {
		return color.CyanString(string(c))
	}
	return color.MagentaString(string(c))
}

func yesNo(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

func successMark(ok bool) string {
	if ok {
		return color.GreenString("ok")
	}
	return color.RedString("failed")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
