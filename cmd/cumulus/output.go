package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/cumulus/pkg/resource"
)

func validOutput(format string) bool {
	switch format {
	case "table", "json", "yaml":
		return true
	}
	return false
}

// printPage writes a page of resources. Tables get the continuation as a
// trailing hint.
func (a *app) printPage(page resource.Page[resource.Resource]) error {
	if a.output != "table" {
		return a.encode(page)
	}
	if err := printTable(a.out, page.Items); err != nil {
		return err
	}
	if page.HasNext {
		_, _ = fmt.Fprintf(a.out, "\nMore results: --cursor %s\n", page.NextCursor)
	}
	return nil
}

// printResource writes one resource, with its attributes in table form.
func (a *app) printResource(r *resource.Resource) error {
	if a.output != "table" {
		return a.encode(r)
	}
	if err := printTable(a.out, []resource.Resource{*r}); err != nil {
		return err
	}
	keys := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	_, _ = fmt.Fprintln(a.out)
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "  %s\t%s\n", k, r.Attrs[k])
	}
	return w.Flush()
}

// printMessage writes a one-line result; structured formats wrap it.
func (a *app) printMessage(key, value string) error {
	if a.output != "table" {
		return a.encode(map[string]string{key: value})
	}
	_, err := fmt.Fprintln(a.out, value)
	return err
}

func (a *app) encode(v any) error {
	switch a.output {
	case "json":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", a.output)
}

func printTable(out io.Writer, items []resource.Resource) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tID\tNAME\tLABEL\tSTATUS\tSCOPE")
	for _, r := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Kind(), r.ID(), r.Name, dash(r.Label), dash(r.Status), dash(scopeOf(r)))
	}
	return w.Flush()
}

func scopeOf(r resource.Resource) string {
	if !r.Handle.Scope.IsZero() {
		return r.Handle.Scope.String()
	}
	for _, k := range []string{resource.AttrZone, resource.AttrRegion, resource.AttrLocation} {
		if v := r.Attr(k); v != "" {
			return v
		}
	}
	return ""
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
