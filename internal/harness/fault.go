package harness

import (
	"fmt"

	"github.com/go-python/gpython/py"
)

// describe renders an interpreter error as "Type: message", or just the
// type name when the exception carries no text. The result is never empty.
func describe(err error) string {
	var v any = err
	switch e := v.(type) {
	case py.ExceptionInfo:
		return describeException(e.Type, e.Value)
	case *py.ExceptionInfo:
		if e != nil {
			return describeException(e.Type, e.Value)
		}
	case *py.Exception:
		if e != nil {
			return describeException(e.Type(), e)
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}

func describeException(typ *py.Type, value py.Object) string {
	name := "Exception"
	if typ != nil && typ.Name != "" {
		name = typ.Name
	}
	exc, ok := value.(*py.Exception)
	if !ok || exc == nil {
		return name
	}
	msg := exceptionText(exc.Args)
	if msg == "" {
		return name
	}
	return name + ": " + msg
}

// exceptionText mirrors str(exc): the lone argument, or the args tuple.
func exceptionText(args py.Object) string {
	tuple, ok := args.(py.Tuple)
	if !ok || len(tuple) == 0 {
		return ""
	}
	var target py.Object = tuple
	if len(tuple) == 1 {
		target = tuple[0]
	}
	s, err := py.Str(target)
	if err != nil {
		return fmt.Sprint(target)
	}
	if str, ok := s.(py.String); ok {
		return string(str)
	}
	return fmt.Sprint(s)
}
