package modules

import "strings"

// Render substitutes {{key}} placeholders with values from vars. Both the
// spaced and unspaced forms are accepted; unknown placeholders are left
// untouched.
func Render(template string, vars map[string]string) string {
	if template == "" || len(vars) == 0 {
		return template
	}

	result := template
	for key, value := range vars {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
		result = strings.ReplaceAll(result, "{{ "+key+" }}", value)
	}
	return result
}
