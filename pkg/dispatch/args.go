package dispatch

import "slices"

// Args аргументы команды в том виде, в каком их декодирует JSON
type Args map[string]any

// ArgCallSID необязательный аргумент с идентификатором целевого звонка
const ArgCallSID = "callSid"

func (a Args) str(cmd, key string, required bool) (string, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		if required {
			return "", malformed("%s: отсутствует аргумент %q", cmd, key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", malformed("%s: аргумент %q должен быть строкой, получено %T", cmd, key, raw)
	}
	if required && s == "" {
		return "", malformed("%s: пустой аргумент %q", cmd, key)
	}
	return s, nil
}

func (a Args) boolean(cmd, key string) (bool, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return false, malformed("%s: отсутствует аргумент %q", cmd, key)
	}
	b, ok := raw.(bool)
	if !ok {
		return false, malformed("%s: аргумент %q должен быть bool, получено %T", cmd, key, raw)
	}
	return b, nil
}

// extras строковые аргументы, не перечисленные в skip
func (a Args) extras(skip ...string) map[string]string {
	out := make(map[string]string, len(a))
	for k, v := range a {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if !slices.Contains(skip, k) {
			out[k] = s
		}
	}
	return out
}
