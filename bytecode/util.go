package bytecode

// cloneConstants copies a constant pool. Byte strings are copied too since
// they are the only mutable constant kind.
func cloneConstants(src []any) []any {
	if src == nil {
		return nil
	}
	dst := make([]any, len(src))
	for i, v := range src {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		dst[i] = v
	}
	return dst
}
