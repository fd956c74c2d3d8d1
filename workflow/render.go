package workflow

import (
	"github.com/valyala/fasttemplate"
)

// Render substitutes {{name}} placeholders in a single pass. Names missing
// from values are left as written, so substituted text is never rescanned.
func Render(template string, values map[string]string) string {
	if template == "" {
		return ""
	}
	m := make(map[string]interface{}, len(values))
	for k, v := range values {
		m[k] = v
	}
	return fasttemplate.ExecuteStringStd(template, "{{", "}}", m)
}
