package executor

import (
	"regexp"
	"strings"

	"github.com/foxzi/carecast/internal/campaign"
)

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Message renders the message template of a send_message job for a
// recipient. Config keys "message" and "message_template" are accepted;
// string entries of config["variables"] are available as {{name}}.
func Message(cfg map[string]any, p campaign.Person) string {
	tmpl, _ := cfg["message"].(string)
	if tmpl == "" {
		tmpl, _ = cfg["message_template"].(string)
	}
	if tmpl == "" {
		return ""
	}
	return renderTemplate(tmpl, variables(cfg, p))
}

func variables(cfg map[string]any, p campaign.Person) map[string]string {
	vars := make(map[string]string)

	// Job variables (lowest priority)
	if custom, ok := cfg["variables"].(map[string]any); ok {
		for k, v := range custom {
			if s, ok := v.(string); ok {
				vars[k] = s
			}
		}
	}

	// Built-in recipient variables
	vars["name"] = p.Name
	vars["recipient_name"] = p.Name
	vars["phone"] = p.Phone
	vars["uid"] = p.UID
	vars["recipient_id"] = p.ID

	return vars
}

// renderTemplate replaces {{var}} placeholders
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		// Keep original if variable not found
		return match
	})
}
