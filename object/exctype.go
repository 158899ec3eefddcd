package object

// ExcType is a builtin exception class.
type ExcType uint8

const (
	NoExc ExcType = iota
	BaseException
	Exception
	ArithmeticError
	ZeroDivisionError
	OverflowError
	LookupError
	IndexError
	KeyError
	TypeError
	ValueError
	NameError
	UnboundLocalError
	AttributeError
	RuntimeError
	RecursionError
	NotImplementedError
	StopIteration
	StopAsyncIteration
	AssertionError
	ImportError
	ModuleNotFoundError
	OSError
	FileNotFoundError
	PermissionError
	TimeoutError
	MemoryError
	KeyboardInterrupt
	GeneratorExit
	numExcTypes
)

var excInfo = [numExcTypes]struct {
	name   string
	parent ExcType
}{
	BaseException:       {"BaseException", NoExc},
	Exception:           {"Exception", BaseException},
	ArithmeticError:     {"ArithmeticError", Exception},
	ZeroDivisionError:   {"ZeroDivisionError", ArithmeticError},
	OverflowError:       {"OverflowError", ArithmeticError},
	LookupError:         {"LookupError", Exception},
	IndexError:          {"IndexError", LookupError},
	KeyError:            {"KeyError", LookupError},
	TypeError:           {"TypeError", Exception},
	ValueError:          {"ValueError", Exception},
	NameError:           {"NameError", Exception},
	UnboundLocalError:   {"UnboundLocalError", NameError},
	AttributeError:      {"AttributeError", Exception},
	RuntimeError:        {"RuntimeError", Exception},
	RecursionError:      {"RecursionError", RuntimeError},
	NotImplementedError: {"NotImplementedError", RuntimeError},
	StopIteration:       {"StopIteration", Exception},
	StopAsyncIteration:  {"StopAsyncIteration", Exception},
	AssertionError:      {"AssertionError", Exception},
	ImportError:         {"ImportError", Exception},
	ModuleNotFoundError: {"ModuleNotFoundError", ImportError},
	OSError:             {"OSError", Exception},
	FileNotFoundError:   {"FileNotFoundError", OSError},
	PermissionError:     {"PermissionError", OSError},
	TimeoutError:        {"TimeoutError", OSError},
	MemoryError:         {"MemoryError", Exception},
	KeyboardInterrupt:   {"KeyboardInterrupt", BaseException},
	GeneratorExit:       {"GeneratorExit", BaseException},
}

// ExcTypes lists every builtin exception class in declaration order.
func ExcTypes() []ExcType {
	types := make([]ExcType, 0, numExcTypes-1)
	for t := BaseException; t < numExcTypes; t++ {
		types = append(types, t)
	}
	return types
}

func (t ExcType) Valid() bool {
	return t > NoExc && t < numExcTypes
}

func (t ExcType) String() string {
	if !t.Valid() {
		return "<invalid exception type>"
	}
	return excInfo[t].name
}

// Parent returns the direct base class, or NoExc for BaseException.
func (t ExcType) Parent() ExcType {
	if !t.Valid() {
		return NoExc
	}
	return excInfo[t].parent
}

// IsSubclass reports whether t is base or derives from it.
func (t ExcType) IsSubclass(base ExcType) bool {
	for cur := t; cur.Valid(); cur = cur.Parent() {
		if cur == base {
			return true
		}
	}
	return false
}

// ExcTypeByName finds a builtin exception class by name.
func ExcTypeByName(name string) (ExcType, bool) {
	for t := BaseException; t < numExcTypes; t++ {
		if excInfo[t].name == name {
			return t, true
		}
	}
	return NoExc, false
}
