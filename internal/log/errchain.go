package log

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// errorChain lists distinct messages from outermost to root, then the
// members of an errors.Join at the top.
func errorChain(err error) []string {
	out := make([]string, 0, 8)
	var prev string
	add := func(msg string) {
		if msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if m, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range m.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// chainLinks walks at most max layers and records the call site of each
// layer that has one. The outermost layer is always included.
func chainLinks(err error, max int) []map[string]any {
	links := make([]map[string]any, 0, 8)
	depth := 0
	for e := err; e != nil && (max <= 0 || depth < max); e = errors.Unwrap(e) {
		fr, ok := xerrors.CallSite(e)
		if ok || depth == 0 {
			link := map[string]any{"msg": e.Error()}
			if ok {
				link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
			}
			links = append(links, link)
		}
		depth++
	}
	return links
}

// classifyTypes names the first meaningful error type (skipping xerrors and
// fmt wrappers) and the type of the root cause.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface != "" || xerrors.IsWrapper(e) {
			continue
		}
		t := reflect.TypeOf(e)
		u := t
		for u.Kind() == reflect.Ptr {
			u = u.Elem()
		}
		if u.PkgPath() == "fmt" && u.Name() == "wrapError" {
			continue
		}
		surface = t.String()
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
