// Package script evaluates the user rules attached to destinations
// and acquisition hosts: publication rules, notification bodies and
// requeue conditions. Rules are written in JavaScript (otto) or in
// Starlark, a Python dialect.
package script

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robertkrimen/otto"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	LangJavaScript = "js"
	LangPython     = "python"
	LangStarlark   = "starlark"
)

// ResultVariable is the global a multi-statement Starlark rule
// assigns its result to.
const ResultVariable = "result"

var (
	ErrUnknownLanguage = errors.New("unknown script language")
	ErrTimeout         = errors.New("script timed out")
)

var halt = errors.New("halt")

// Evaluator runs a rule with the given bindings and returns its
// value converted to plain Go types (bool, int64, float64, string,
// []interface{}, map[string]interface{} or nil).
type Evaluator interface {
	Exec(lang string, bindings map[string]interface{}, source string) (interface{}, error)
}

// Engine is the Evaluator of the master. Each call runs in a fresh
// interpreter, so rules cannot share state.
type Engine struct {
	// Timeout interrupts rules that run longer. Zero means no
	// limit.
	Timeout time.Duration
}

func NewEngine(timeout time.Duration) *Engine {
	return &Engine{Timeout: timeout}
}

func (engine *Engine) Exec(lang string, bindings map[string]interface{}, source string) (interface{}, error) {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", LangJavaScript, "javascript":
		return engine.execJavaScript(bindings, source)
	case LangPython, LangStarlark:
		return engine.execStarlark(bindings, source)
	}
	return nil, errors.Wrapf(ErrUnknownLanguage, "%q", lang)
}

func (engine *Engine) execJavaScript(bindings map[string]interface{}, source string) (result interface{}, err error) {
	vm := otto.New()
	for name, value := range bindings {
		if err = vm.Set(name, jsValue(value)); err != nil {
			return nil, errors.Wrapf(err, "binding %s", name)
		}
	}
	if engine.Timeout > 0 {
		vm.Interrupt = make(chan func(), 1)
		timer := time.AfterFunc(engine.Timeout, func() {
			vm.Interrupt <- func() { panic(halt) }
		})
		defer timer.Stop()
	}
	defer func() {
		if caught := recover(); caught != nil {
			if caught == halt {
				result, err = nil, ErrTimeout
				return
			}
			result, err = nil, fmt.Errorf("Script panic: %v", caught)
		}
	}()
	value, err := vm.Run(source)
	if err != nil {
		return nil, errors.Wrap(err, "js")
	}
	exported, err := value.Export()
	if err != nil {
		return nil, errors.Wrap(err, "js result")
	}
	return exported, nil
}

func jsValue(value interface{}) interface{} {
	if t, ok := value.(time.Time); ok {
		return t.Unix()
	}
	return value
}

// execStarlark evaluates source as an expression. Sources that are
// not expressions run as a module and return the global named
// ResultVariable.
func (engine *Engine) execStarlark(bindings map[string]interface{}, source string) (interface{}, error) {
	globals := starlark.StringDict{}
	for name, value := range bindings {
		converted, err := ToStarlark(value)
		if err != nil {
			return nil, errors.Wrapf(err, "binding %s", name)
		}
		globals[name] = converted
	}
	thread := &starlark.Thread{Name: "rule"}
	if engine.Timeout > 0 {
		timer := time.AfterFunc(engine.Timeout, func() { thread.Cancel(ErrTimeout.Error()) })
		defer timer.Stop()
	}

	value, err := starlark.Eval(thread, "rule.star", source, globals)
	if err != nil {
		var syntaxErr syntax.Error
		if !errors.As(err, &syntaxErr) {
			return nil, errors.Wrap(err, "starlark")
		}
		module, execErr := starlark.ExecFile(thread, "rule.star", source, globals)
		if execErr != nil {
			return nil, errors.Wrap(execErr, "starlark")
		}
		resultValue, ok := module[ResultVariable]
		if !ok {
			return nil, nil
		}
		value = resultValue
	}
	return FromStarlark(value)
}

// ToStarlark converts a binding. Times become Unix seconds.
func ToStarlark(value interface{}) (starlark.Value, error) {
	switch v := value.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int32:
		return starlark.MakeInt64(int64(v)), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint64:
		return starlark.MakeUint64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case time.Time:
		return starlark.MakeInt64(v.Unix()), nil
	case time.Duration:
		return starlark.MakeInt64(int64(v / time.Second)), nil
	case []string:
		list := make([]starlark.Value, len(v))
		for i, item := range v {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(v))
		for key, item := range v {
			if err := dict.SetKey(starlark.String(key), starlark.String(item)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("Unsupported binding type %T", value)
}

// FromStarlark converts a rule result to plain Go types.
func FromStarlark(value starlark.Value) (interface{}, error) {
	switch v := value.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("Integer %s out of range", v.String())
		}
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.List:
		list := make([]interface{}, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := FromStarlark(v.Index(i))
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, 0, len(v))
		for _, element := range v {
			item, err := FromStarlark(element)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, v.Len())
		for _, entry := range v.Items() {
			key, ok := entry[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("Dictionary key %s is not a string", entry[0].String())
			}
			item, err := FromStarlark(entry[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = item
		}
		return dict, nil
	}
	return nil, fmt.Errorf("Unsupported result type %s", value.Type())
}

// Substitute replaces $name and ${name} in template with the
// bindings. Unknown names are left as they are.
func Substitute(template string, bindings map[string]interface{}) string {
	return os.Expand(template, func(name string) string {
		value, ok := bindings[name]
		if !ok {
			return "$" + name
		}
		if t, isTime := value.(time.Time); isTime {
			return t.UTC().Format(time.RFC3339)
		}
		return fmt.Sprint(value)
	})
}

// IsTrue returns the truth of a rule result: false, zero, empty
// strings and nil are false.
func IsTrue(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != "" && v != "false"
	case []interface{}:
		return len(v) > 0
	case map[string]interface{}:
		return len(v) > 0
	}
	return true
}
